package domain

import (
	"strings"
	"time"
)

// CompetitorStatus enumerates the tracking states of a competitor.
type CompetitorStatus string

const (
	CompetitorActive   CompetitorStatus = "ACTIVE"
	CompetitorInactive CompetitorStatus = "INACTIVE"
	CompetitorRemoved  CompetitorStatus = "REMOVED"
)

// FulfillmentType is how an offer ships.
type FulfillmentType string

const (
	FulfillmentFBA FulfillmentType = "FBA"
	FulfillmentFBM FulfillmentType = "FBM"
)

// Monitoring frequency bounds, in minutes.
const (
	MinMonitoringFrequency     = 5
	MaxMonitoringFrequency     = 1440
	DefaultMonitoringFrequency = 60
)

// AlertThresholds debounce PRICE_CHANGE signals. Direction-specific
// percentages override PriceChangePercentage when set.
type AlertThresholds struct {
	PriceChangePercentage float64 `json:"price_change_percentage,omitempty"`
	PriceChangeAmount     float64 `json:"price_change_amount,omitempty"`
	PriceDropPercentage   float64 `json:"price_drop_percentage,omitempty"`
	PriceRisePercentage   float64 `json:"price_rise_percentage,omitempty"`
}

type AlertSettings struct {
	Thresholds AlertThresholds `json:"thresholds"`
	BuyBoxLoss bool            `json:"buy_box_loss"`
	Stockout   bool            `json:"stockout"`
}

// Competitor is a monitored (asin, seller) offer. Only the competitor
// monitor writes it.
type Competitor struct {
	ASIN                string           `json:"asin"`
	SellerID            string           `json:"seller_id"`
	SellerName          string           `json:"seller_name,omitempty"`
	CurrentPrice        float64          `json:"current_price"`
	PreviousPrice       float64          `json:"previous_price"`
	BuyBoxWinner        bool             `json:"buy_box_winner"`
	IsPrimeEligible     bool             `json:"is_prime_eligible"`
	FulfillmentType     FulfillmentType  `json:"fulfillment_type,omitempty"`
	SellerRating        float64          `json:"seller_rating,omitempty"`
	Stock               int              `json:"stock"`
	Status              CompetitorStatus `json:"competitor_status"`
	IsMonitored         bool             `json:"is_monitored"`
	MonitoringFrequency int              `json:"monitoring_frequency"`
	LastScrapedAt       *time.Time       `json:"last_scraped_at,omitempty"`
	AlertSettings       AlertSettings    `json:"alert_settings"`
	Tags                []string         `json:"tags,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Key identifies the competitor within the store.
func (c Competitor) Key() string {
	return CompetitorKey(c.ASIN, c.SellerID)
}

// CompetitorKey joins an ASIN and a seller id.
func CompetitorKey(asin, sellerID string) string {
	return asin + "/" + sellerID
}

func (c Competitor) HasTag(tag string) bool {
	return contains(c.Tags, tag)
}

// Interval is the polling period.
func (c Competitor) Interval() time.Duration {
	f := c.MonitoringFrequency
	if f == 0 {
		f = DefaultMonitoringFrequency
	}
	return time.Duration(f) * time.Minute
}

// Polled reports whether the monitor should schedule this competitor.
func (c Competitor) Polled() bool {
	return c.IsMonitored && c.Status != CompetitorRemoved
}

func (c Competitor) Validate() error {
	if strings.TrimSpace(c.ASIN) == "" {
		return invalid("asin", "required")
	}
	if strings.TrimSpace(c.SellerID) == "" {
		return invalid("seller_id", "required")
	}
	if c.MonitoringFrequency < MinMonitoringFrequency || c.MonitoringFrequency > MaxMonitoringFrequency {
		return invalid("monitoring_frequency", "must be between %d and %d minutes",
			MinMonitoringFrequency, MaxMonitoringFrequency)
	}
	switch c.Status {
	case "", CompetitorActive, CompetitorInactive, CompetitorRemoved:
	default:
		return invalid("competitor_status", "unknown status %q", c.Status)
	}
	switch c.FulfillmentType {
	case "", FulfillmentFBA, FulfillmentFBM:
	default:
		return invalid("fulfillment_type", "unknown fulfillment type %q", c.FulfillmentType)
	}
	th := c.AlertSettings.Thresholds
	if th.PriceChangePercentage < 0 || th.PriceChangeAmount < 0 ||
		th.PriceDropPercentage < 0 || th.PriceRisePercentage < 0 {
		return invalid("alert_settings.thresholds", "thresholds must not be negative")
	}
	if c.CurrentPrice < 0 {
		return invalid("current_price", "must not be negative")
	}
	return nil
}

// Offer is one seller's listing state inside a snapshot.
type Offer struct {
	SellerID        string          `json:"seller_id"`
	SellerName      string          `json:"seller_name,omitempty"`
	Price           float64         `json:"price"`
	IsBuyBoxWinner  bool            `json:"is_buy_box_winner"`
	Stock           int             `json:"stock"`
	FulfillmentType FulfillmentType `json:"fulfillment_type,omitempty"`
	IsPrimeEligible bool            `json:"is_prime_eligible"`
	SellerRating    float64         `json:"seller_rating,omitempty"`
}

// ListingSnapshot is what the marketplace reports for an ASIN.
type ListingSnapshot struct {
	ASIN      string    `json:"asin"`
	Offers    []Offer   `json:"offers"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Offer returns the offer of sellerID.
func (s ListingSnapshot) Offer(sellerID string) (Offer, bool) {
	for _, o := range s.Offers {
		if o.SellerID == sellerID {
			return o, true
		}
	}
	return Offer{}, false
}

// BuyBoxWinner returns the offer currently holding the buy box.
func (s ListingSnapshot) BuyBoxWinner() (Offer, bool) {
	for _, o := range s.Offers {
		if o.IsBuyBoxWinner {
			return o, true
		}
	}
	return Offer{}, false
}

// PriceObservation is one poll result kept in the price history.
type PriceObservation struct {
	ASIN         string    `json:"asin"`
	SellerID     string    `json:"seller_id"`
	Price        float64   `json:"price"`
	BuyBoxWinner bool      `json:"buy_box_winner"`
	Stock        int       `json:"stock"`
	ObservedAt   time.Time `json:"observed_at"`
}
