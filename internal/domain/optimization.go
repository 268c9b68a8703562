package domain

// Goal is the business objective that weights the optimizer's axes.
type Goal string

const (
	GoalProfitMaximization Goal = "profit_maximization"
	GoalBuyBoxWin          Goal = "buy_box_win"
	GoalInventoryTurnover  Goal = "inventory_turnover"
	GoalMarketShare        Goal = "market_share"
)

// RiskTolerance scales the candidate band around the current price.
type RiskTolerance string

const (
	RiskConservative RiskTolerance = "conservative"
	RiskModerate     RiskTolerance = "moderate"
	RiskAggressive   RiskTolerance = "aggressive"
)

// Band returns the half-width of the candidate band as a fraction.
func (r RiskTolerance) Band() float64 {
	switch r {
	case RiskConservative:
		return 0.05
	case RiskAggressive:
		return 0.30
	default:
		return 0.15
	}
}

// TimeHorizon selects how far ahead forecasts look.
type TimeHorizon string

const (
	HorizonShort  TimeHorizon = "short"
	HorizonMedium TimeHorizon = "medium"
	HorizonLong   TimeHorizon = "long"
)

// Days is the forecast horizon in days.
func (h TimeHorizon) Days() int {
	switch h {
	case HorizonShort:
		return 7
	case HorizonLong:
		return 90
	default:
		return 30
	}
}

type BusinessGoals struct {
	PrimaryGoal   Goal          `json:"primary_goal"`
	RiskTolerance RiskTolerance `json:"risk_tolerance"`
	TimeHorizon   TimeHorizon   `json:"time_horizon"`
}

// WithDefaults fills unset fields: buy_box_win, moderate, medium.
func (g BusinessGoals) WithDefaults() BusinessGoals {
	if g.PrimaryGoal == "" {
		g.PrimaryGoal = GoalBuyBoxWin
	}
	if g.RiskTolerance == "" {
		g.RiskTolerance = RiskModerate
	}
	if g.TimeHorizon == "" {
		g.TimeHorizon = HorizonMedium
	}
	return g
}

func (g BusinessGoals) Validate(field string) error {
	switch g.PrimaryGoal {
	case "", GoalProfitMaximization, GoalBuyBoxWin, GoalInventoryTurnover, GoalMarketShare:
	default:
		return invalid(field+".primary_goal", "unknown goal %q", g.PrimaryGoal)
	}
	switch g.RiskTolerance {
	case "", RiskConservative, RiskModerate, RiskAggressive:
	default:
		return invalid(field+".risk_tolerance", "unknown risk tolerance %q", g.RiskTolerance)
	}
	switch g.TimeHorizon {
	case "", HorizonShort, HorizonMedium, HorizonLong:
	default:
		return invalid(field+".time_horizon", "unknown time horizon %q", g.TimeHorizon)
	}
	return nil
}

// CompetitorOffer is the competitor state the optimizer scores against.
type CompetitorOffer struct {
	SellerID        string          `json:"seller_id"`
	Price           float64         `json:"price"`
	IsBuyBoxWinner  bool            `json:"is_buy_box_winner"`
	FulfillmentType FulfillmentType `json:"fulfillment_type,omitempty"`
	IsPrimeEligible bool            `json:"is_prime_eligible,omitempty"`
}

// PriceOptimizationRequest carries everything Optimize needs. Zero bounds
// mean "unset".
type PriceOptimizationRequest struct {
	ProductID           string            `json:"product_id,omitempty"`
	ASIN                string            `json:"asin,omitempty"`
	CurrentPrice        float64           `json:"current_price"`
	CostPrice           float64           `json:"cost_price"`
	TargetMarginPercent float64           `json:"target_margin_percent,omitempty"`
	MinMarginPercent    float64           `json:"min_margin_percent,omitempty"`
	MaxMarginPercent    float64           `json:"max_margin_percent,omitempty"`
	MinPrice            float64           `json:"min_price,omitempty"`
	MaxPrice            float64           `json:"max_price,omitempty"`
	MinProfit           float64           `json:"min_profit,omitempty"`
	MAPPrice            float64           `json:"map_price,omitempty"`
	RespectMAP          bool              `json:"respect_map,omitempty"`
	InventoryLevel      int               `json:"inventory_level"`
	SalesVelocity       float64           `json:"sales_velocity"`
	ReplenishmentRate   float64           `json:"replenishment_rate,omitempty"`
	Competitors         []CompetitorOffer `json:"competitors,omitempty"`
	Goals               BusinessGoals     `json:"goals"`
}

func (r PriceOptimizationRequest) Validate() error {
	if r.CurrentPrice <= 0 {
		return invalid("current_price", "must be positive")
	}
	if r.CostPrice < 0 {
		return invalid("cost_price", "must not be negative")
	}
	if r.MinPrice < 0 || r.MaxPrice < 0 {
		return invalid("min_price", "bounds must not be negative")
	}
	if r.MaxPrice > 0 && r.MinPrice > r.MaxPrice {
		return invalid("min_price", "greater than max_price")
	}
	if r.MinMarginPercent < 0 || r.MinMarginPercent >= 100 {
		return invalid("min_margin_percent", "must be in [0,100)")
	}
	return r.Goals.Validate("goals")
}

// PriceAlternative is a runner-up candidate with its score.
type PriceAlternative struct {
	Price float64 `json:"price"`
	Score float64 `json:"score"`
}

type ExpectedOutcomes struct {
	MarginPercent float64 `json:"margin_percent"`
	UnitProfit    float64 `json:"unit_profit"`
	BuyBoxLikely  bool    `json:"buy_box_likely"`
	DaysOfCover   float64 `json:"days_of_cover,omitempty"`
}

// PriceOptimizationResult is a computed recommendation; it is never stored
// on its own.
type PriceOptimizationResult struct {
	RecommendedPrice   float64            `json:"recommended_price"`
	CurrentPrice       float64            `json:"current_price"`
	PriceChange        float64            `json:"price_change"`
	PriceChangePercent float64            `json:"price_change_percent"`
	Confidence         float64            `json:"confidence"`
	Reasoning          []string           `json:"reasoning,omitempty"`
	ExpectedOutcomes   ExpectedOutcomes   `json:"expected_outcomes"`
	Risks              []string           `json:"risks,omitempty"`
	Alternatives       []PriceAlternative `json:"alternatives,omitempty"`
	Axes               []string           `json:"axes,omitempty"`
	Source             ActionKind         `json:"source"`
}

// TrendSignal is a forecast summary: Direction in [-1,1] (up positive),
// Confidence in [0,1].
type TrendSignal struct {
	Direction  float64 `json:"direction"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}
