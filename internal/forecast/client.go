// Package forecast calls the AI forecasting service and reduces its
// predictions to the trend signal the optimizer consumes.
package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/httpretry"
)

// ErrPredictionFailed is returned when the service answers with a
// status other than "success".
var ErrPredictionFailed = errors.New("forecast: prediction failed")

// Config holds the forecast service settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// SentimentWeight is the share of the sentiment score in the blended
	// direction. Zero disables the sentiment call.
	SentimentWeight float64
}

// Client implements engine.ForecastProvider.
type Client struct {
	baseURL         string
	apiKey          string
	sentimentWeight float64
	httpClient      httpretry.HTTPDoer
}

// NewClient creates a forecast client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.SentimentWeight < 0 || cfg.SentimentWeight > 1 {
		cfg.SentimentWeight = 0
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		sentimentWeight: cfg.SentimentWeight,
		httpClient:      httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout}, 2, httpretry.WithBackoff(250*time.Millisecond, 2*time.Second)),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// Prediction is the shared payload of the prediction endpoints.
type Prediction struct {
	Trend      string    `json:"trend,omitempty"`
	Confidence float64   `json:"confidence"`
	Score      float64   `json:"score,omitempty"`
	Sentiment  string    `json:"sentiment,omitempty"`
	Forecast   []float64 `json:"forecast,omitempty"`
}

type predictionResponse struct {
	Status     string     `json:"status"`
	Message    string     `json:"message,omitempty"`
	Prediction Prediction `json:"prediction"`
}

type predictionRequest struct {
	ASIN        string `json:"asin"`
	HorizonDays int    `json:"horizon_days,omitempty"`
}

// Health checks that the service is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	return err
}

// TrendPrediction calls /ai/trend-prediction.
func (c *Client) TrendPrediction(ctx context.Context, asin string, horizonDays int) (Prediction, error) {
	return c.predict(ctx, "/ai/trend-prediction", predictionRequest{ASIN: asin, HorizonDays: horizonDays})
}

// SentimentAnalysis calls /ai/sentiment-analysis.
func (c *Client) SentimentAnalysis(ctx context.Context, asin string) (Prediction, error) {
	return c.predict(ctx, "/ai/sentiment-analysis", predictionRequest{ASIN: asin})
}

// SalesForecast calls /ai/sales-forecast.
func (c *Client) SalesForecast(ctx context.Context, asin string, horizonDays int) (Prediction, error) {
	return c.predict(ctx, "/ai/sales-forecast", predictionRequest{ASIN: asin, HorizonDays: horizonDays})
}

// Trend reduces the trend prediction to a direction in [-1,1] scaled by
// its confidence. When sentiment blending is on and the sentiment call
// succeeds, the sentiment score is mixed in; a failed sentiment call only
// drops the blend.
func (c *Client) Trend(ctx context.Context, asin string, horizonDays int) (domain.TrendSignal, error) {
	p, err := c.TrendPrediction(ctx, asin, horizonDays)
	if err != nil {
		return domain.TrendSignal{}, err
	}
	conf := clamp(p.Confidence, 0, 1)
	dir := directionOf(p.Trend) * conf
	source := "trend-prediction"

	if c.sentimentWeight > 0 {
		if s, err := c.SentimentAnalysis(ctx, asin); err == nil {
			w := c.sentimentWeight
			dir = (1-w)*dir + w*clamp(sentimentScore(s), -1, 1)
			source = "trend-prediction+sentiment"
		}
	}
	return domain.TrendSignal{Direction: clamp(dir, -1, 1), Confidence: conf, Source: source}, nil
}

func directionOf(trend string) float64 {
	switch strings.ToLower(trend) {
	case "upward", "up", "increasing":
		return 1
	case "downward", "down", "decreasing":
		return -1
	}
	return 0
}

func sentimentScore(p Prediction) float64 {
	if p.Score != 0 {
		return p.Score
	}
	switch strings.ToLower(p.Sentiment) {
	case "positive":
		return p.Confidence
	case "negative":
		return -p.Confidence
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c *Client) predict(ctx context.Context, endpoint string, req predictionRequest) (Prediction, error) {
	body, err := c.doRequest(ctx, http.MethodPost, endpoint, req)
	if err != nil {
		return Prediction{}, err
	}
	var resp predictionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Prediction{}, fmt.Errorf("%s: decode: %w", endpoint, err)
	}
	if resp.Status != "success" {
		return Prediction{}, fmt.Errorf("%s: %w: %s", endpoint, ErrPredictionFailed, resp.Message)
	}
	return resp.Prediction, nil
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
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
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
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
