package domain

import "time"

// BuyBoxEventType is WIN or LOSS.
type BuyBoxEventType string

const (
	BuyBoxWin  BuyBoxEventType = "WIN"
	BuyBoxLoss BuyBoxEventType = "LOSS"
)

// LossReason is derived when a loss is recorded, first match wins in the
// order price, fulfillment, rating.
type LossReason string

const (
	LossPrice       LossReason = "PRICE"
	LossFulfillment LossReason = "FULFILLMENT"
	LossRating      LossReason = "RATING"
	LossUnknown     LossReason = "UNKNOWN"
)

// SellerSnapshot freezes a seller's offer at event time.
type SellerSnapshot struct {
	SellerID        string          `json:"seller_id"`
	SellerName      string          `json:"seller_name,omitempty"`
	Price           float64         `json:"price"`
	FulfillmentType FulfillmentType `json:"fulfillment_type,omitempty"`
	IsPrimeEligible bool            `json:"is_prime_eligible"`
	SellerRating    float64         `json:"seller_rating,omitempty"`
}

// BuyBoxEvent is an immutable audit record.
type BuyBoxEvent struct {
	ID               string           `json:"id"`
	ASIN             string           `json:"asin"`
	ProductTitle     string           `json:"product_title,omitempty"`
	Type             BuyBoxEventType  `json:"type"`
	PreviousWinner   *SellerSnapshot  `json:"previous_winner,omitempty"`
	NewWinner        *SellerSnapshot  `json:"new_winner,omitempty"`
	OurData          *SellerSnapshot  `json:"our_data,omitempty"`
	Competitors      []SellerSnapshot `json:"competitors,omitempty"`
	Strategy         string           `json:"strategy,omitempty"`
	LossReason       LossReason       `json:"loss_reason,omitempty"`
	RecaptureSeconds *int64           `json:"recapture_seconds,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

func (e BuyBoxEvent) Validate() error {
	if e.ASIN == "" {
		return invalid("asin", "required")
	}
	switch e.Type {
	case BuyBoxWin, BuyBoxLoss:
	default:
		return invalid("type", "must be WIN or LOSS")
	}
	if e.Type == BuyBoxLoss && e.NewWinner == nil {
		return invalid("new_winner", "required for LOSS")
	}
	return nil
}

// BuyBoxMetrics summarizes an ASIN's buy-box history.
type BuyBoxMetrics struct {
	ASIN                    string             `json:"asin"`
	Wins                    int                `json:"wins"`
	Losses                  int                `json:"losses"`
	WinRate                 float64            `json:"win_rate"`
	AverageRecaptureSeconds float64            `json:"average_recapture_seconds"`
	LossReasons             map[LossReason]int `json:"loss_reasons"`
	Since                   time.Time          `json:"since"`
}
