// Package marketplace is the HTTP client for the marketplace listing API:
// offer snapshots for the competitor monitor and price updates for the
// executor.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/httpretry"
	"github.com/ignite/repricer/internal/pkg/logger"
)

// Config holds the marketplace connection settings.
type Config struct {
	BaseURL       string
	APIKey        string
	SellerID      string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	DryRun        bool
}

// Client implements engine.MarketplaceClient. Every call waits on a shared
// token bucket so monitor polls and price updates never exceed the API quota.
type Client struct {
	baseURL  string
	apiKey   string
	sellerID string
	dryRun   bool
	limiter  *rate.Limiter

	// reads go through the retrying client; price writes are attempted
	// once, the executor owns their retry policy.
	reads  httpretry.HTTPDoer
	writes httpretry.HTTPDoer
	log    *logger.Logger
	now    func() time.Time
}

// NewClient creates a marketplace client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		sellerID: cfg.SellerID,
		dryRun:   cfg.DryRun,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		reads:    httpretry.NewRetryClient(hc, 3, httpretry.WithBackoff(200*time.Millisecond, 5*time.Second)),
		writes:   hc,
		log:      logger.With("component", "marketplace"),
		now:      time.Now,
	}
}

// SetHTTPClient replaces both transports (useful for testing).
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.reads = client
	c.writes = client
}

type snapshotResponse struct {
	ASIN   string         `json:"asin"`
	Offers []domain.Offer `json:"offers"`
}

// FetchListingSnapshot returns every offer currently listed for asin.
func (c *Client) FetchListingSnapshot(ctx context.Context, asin string) (domain.ListingSnapshot, error) {
	body, err := c.do(ctx, c.reads, http.MethodGet, "/v1/listings/"+url.PathEscape(asin)+"/offers", nil)
	if err != nil {
		return domain.ListingSnapshot{}, fmt.Errorf("fetch listing %s: %w", asin, err)
	}
	var resp snapshotResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.ListingSnapshot{}, fmt.Errorf("decode listing %s: %w", asin, err)
	}
	return domain.ListingSnapshot{ASIN: asin, Offers: resp.Offers, FetchedAt: c.now().UTC()}, nil
}

type priceRequest struct {
	SellerID string  `json:"seller_id"`
	Price    float64 `json:"price"`
}

type priceResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// UpdatePrice asks the marketplace to set our price for asin. ok is false
// when the marketplace answered but refused the change. In dry-run mode the
// call is logged and reported as accepted.
func (c *Client) UpdatePrice(ctx context.Context, asin string, newPrice float64) (bool, error) {
	if c.dryRun {
		c.log.Info("dry run: price update skipped", "asin", asin, "price", newPrice)
		return true, nil
	}
	body, err := c.do(ctx, c.writes, http.MethodPut, "/v1/listings/"+url.PathEscape(asin)+"/price",
		priceRequest{SellerID: c.sellerID, Price: newPrice})
	if err != nil {
		return false, fmt.Errorf("update price %s: %w", asin, err)
	}
	var resp priceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decode price update %s: %w", asin, err)
	}
	if !resp.Accepted {
		c.log.Warn("price update rejected", "asin", asin, "price", newPrice, "message", resp.Message)
	}
	return resp.Accepted, nil
}

func (c *Client) do(ctx context.Context, client httpretry.HTTPDoer, method, endpoint string, payload interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
