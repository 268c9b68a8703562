package domain

import "time"

// SignalKind says which condition kinds a signal can satisfy.
type SignalKind string

const (
	SignalPriceChange  SignalKind = "PRICE_CHANGE"
	SignalBuyBoxChange SignalKind = "BUY_BOX_CHANGE"
	SignalStockout     SignalKind = "STOCKOUT"
	SignalInventory    SignalKind = "INVENTORY"
	SignalScheduleTick SignalKind = "SCHEDULE_TICK"
	SignalManual       SignalKind = "MANUAL"
)

// MarketSignal is an event consumed by the trigger evaluator. Only the
// fields relevant to Kind are populated.
type MarketSignal struct {
	ID        string     `json:"id"`
	Kind      SignalKind `json:"kind"`
	ProductID string     `json:"product_id,omitempty"`
	ASIN      string     `json:"asin"`
	SellerID  string     `json:"seller_id,omitempty"`

	OldPrice      float64 `json:"old_price,omitempty"`
	NewPrice      float64 `json:"new_price,omitempty"`
	ChangePercent float64 `json:"change_percent,omitempty"`

	PreviousWinner string `json:"previous_winner,omitempty"`
	NewWinner      string `json:"new_winner,omitempty"`
	BuyBoxLost     bool   `json:"buy_box_lost,omitempty"`
	BuyBoxWon      bool   `json:"buy_box_won,omitempty"`

	InventoryLevel *int `json:"inventory_level,omitempty"`

	// Offers is the listing snapshot behind a buy-box change.
	Offers []Offer `json:"offers,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// RuleLevel reports whether the signal is a direct invocation of a rule
// rather than a market event.
func (s MarketSignal) RuleLevel() bool {
	return s.Kind == SignalManual || s.Kind == SignalScheduleTick
}
