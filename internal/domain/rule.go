package domain

import (
	"fmt"
	"strings"
	"time"
)

// RuleType classifies a repricing rule.
type RuleType string

const (
	RuleCompetitive   RuleType = "COMPETITIVE"
	RuleMarginFloor   RuleType = "MARGIN_FLOOR"
	RuleVelocityBased RuleType = "VELOCITY_BASED"
	RuleScheduled     RuleType = "SCHEDULED"
)

// RuleStatus enumerates the lifecycle states of a rule.
type RuleStatus string

const (
	RuleDraft    RuleStatus = "DRAFT"
	RuleActive   RuleStatus = "ACTIVE"
	RulePaused   RuleStatus = "PAUSED"
	RuleArchived RuleStatus = "ARCHIVED"
)

// RepricingRule is a user-defined repricing policy.
type RepricingRule struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Type        RuleType            `json:"type"`
	Status      RuleStatus          `json:"status"`
	Priority    int                 `json:"priority"`
	IsActive    bool                `json:"is_active"`
	Tags        []string            `json:"tags,omitempty"`
	Target      TargetConfiguration `json:"target_configuration"`
	Triggers    TriggerConditions   `json:"trigger_conditions"`
	Actions     RuleActions         `json:"actions"`
	Constraints RuleConstraints     `json:"constraints"`
	Schedule    *Schedule           `json:"schedule,omitempty"`
	Counters    RuleCounters        `json:"counters"`
	Performance RulePerformance     `json:"performance"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Evaluable reports whether the trigger evaluator may consider the rule.
func (r *RepricingRule) Evaluable() bool {
	return r.IsActive && r.Status == RuleActive
}

// HasTag reports whether the rule carries tag.
func (r *RepricingRule) HasTag(tag string) bool {
	return contains(r.Tags, tag)
}

// Cooldown is the trigger cooldown as a duration.
func (r *RepricingRule) Cooldown() time.Duration {
	return time.Duration(r.Triggers.CooldownMinutes) * time.Minute
}

// Validate checks the rule definition and returns the first violation as a
// *ValidationError.
func (r *RepricingRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name", "required")
	}
	if len(r.Name) > 200 {
		return invalid("name", "longer than 200 characters")
	}
	switch r.Type {
	case RuleCompetitive, RuleMarginFloor, RuleVelocityBased, RuleScheduled:
	default:
		return invalid("type", "unknown rule type %q", r.Type)
	}
	switch r.Status {
	case "", RuleDraft, RuleActive, RulePaused, RuleArchived:
	default:
		return invalid("status", "unknown status %q", r.Status)
	}
	if r.Priority < 0 {
		return invalid("priority", "must not be negative")
	}
	if err := r.Target.Validate("target_configuration"); err != nil {
		return err
	}
	if err := r.Triggers.Validate("trigger_conditions"); err != nil {
		return err
	}
	if err := r.Actions.Validate("actions"); err != nil {
		return err
	}
	if err := r.Constraints.Validate("constraints"); err != nil {
		return err
	}
	if r.Schedule != nil {
		if err := r.Schedule.Validate("schedule"); err != nil {
			return err
		}
	} else if r.Type == RuleScheduled {
		return invalid("schedule", "required for SCHEDULED rules")
	}
	return nil
}

// TargetConfiguration selects the products a rule applies to.
type TargetConfiguration struct {
	AllProducts       bool     `json:"all_products,omitempty"`
	ProductIDs        []string `json:"product_ids,omitempty"`
	ASINs             []string `json:"asins,omitempty"`
	Categories        []string `json:"categories,omitempty"`
	Suppliers         []string `json:"suppliers,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	ExcludeProductIDs []string `json:"exclude_product_ids,omitempty"`
	ExcludeASINs      []string `json:"exclude_asins,omitempty"`
	ExcludeCategories []string `json:"exclude_categories,omitempty"`
	ExcludeTags       []string `json:"exclude_tags,omitempty"`
}

func (t TargetConfiguration) hasSelector() bool {
	return t.AllProducts || len(t.ProductIDs) > 0 || len(t.ASINs) > 0 ||
		len(t.Categories) > 0 || len(t.Suppliers) > 0 || len(t.Tags) > 0
}

func (t TargetConfiguration) Validate(field string) error {
	if !t.hasSelector() {
		return invalid(field, "no product selector (set all_products or ids, asins, categories, suppliers, tags)")
	}
	return nil
}

// Selects reports whether p is targeted: explicit ids or ASINs, or a
// category/supplier/tag match, minus exclusions.
func (t TargetConfiguration) Selects(p ProductRef) bool {
	if contains(t.ExcludeProductIDs, p.ID) || contains(t.ExcludeASINs, p.ASIN) ||
		contains(t.ExcludeCategories, p.Category) {
		return false
	}
	for _, tag := range t.ExcludeTags {
		if p.HasTag(tag) {
			return false
		}
	}
	if t.AllProducts {
		return true
	}
	if contains(t.ProductIDs, p.ID) || contains(t.ASINs, p.ASIN) {
		return true
	}
	if p.Category != "" && contains(t.Categories, p.Category) {
		return true
	}
	if p.Supplier != "" && contains(t.Suppliers, p.Supplier) {
		return true
	}
	for _, tag := range t.Tags {
		if p.HasTag(tag) {
			return true
		}
	}
	return false
}

// RuleConstraints bound every price change a rule makes.
type RuleConstraints struct {
	Pricing     PricingConstraints     `json:"pricing"`
	Execution   ExecutionConstraints   `json:"execution"`
	Competition CompetitionConstraints `json:"competition"`
}

// PricingConstraints; zero values are unset.
type PricingConstraints struct {
	MinPrice         float64 `json:"min_price,omitempty"`
	MaxPrice         float64 `json:"max_price,omitempty"`
	MinMarginPercent float64 `json:"min_margin_percent,omitempty"`
	MaxMarginPercent float64 `json:"max_margin_percent,omitempty"`
	MinProfit        float64 `json:"min_profit,omitempty"`
	RespectMAP       bool    `json:"respect_map,omitempty"`
}

// ExecutionConstraints; zero values are unset.
type ExecutionConstraints struct {
	MaxPriceIncreasePercent float64          `json:"max_price_increase_percent,omitempty"`
	MaxPriceDecreasePercent float64          `json:"max_price_decrease_percent,omitempty"`
	MaxDailyChanges         int              `json:"max_daily_changes,omitempty"`
	BlackoutWindows         []BlackoutWindow `json:"blackout_windows,omitempty"`
}

// CompetitionConstraints; zero values are unset.
type CompetitionConstraints struct {
	MinCompetitors    int      `json:"min_competitors,omitempty"`
	MaxCompetitors    int      `json:"max_competitors,omitempty"`
	ExcludedSellerIDs []string `json:"excluded_seller_ids,omitempty"`
	ExcludeUntrusted  bool     `json:"exclude_untrusted,omitempty"`
	MinSellerRating   float64  `json:"min_seller_rating,omitempty"`
}

// UntrustedTag marks a competitor that trust filters ignore.
const UntrustedTag = "untrusted"

// Counts reports whether c passes the trust filter and is not excluded.
func (cc CompetitionConstraints) Counts(c Competitor) bool {
	if contains(cc.ExcludedSellerIDs, c.SellerID) {
		return false
	}
	if cc.ExcludeUntrusted && c.HasTag(UntrustedTag) {
		return false
	}
	if cc.MinSellerRating > 0 && c.SellerRating > 0 && c.SellerRating < cc.MinSellerRating {
		return false
	}
	return true
}

func (c RuleConstraints) Validate(field string) error {
	p := c.Pricing
	pf := field + ".pricing"
	if p.MinPrice < 0 {
		return invalid(pf+".min_price", "must not be negative")
	}
	if p.MaxPrice < 0 {
		return invalid(pf+".max_price", "must not be negative")
	}
	if p.MaxPrice > 0 && p.MinPrice > p.MaxPrice {
		return invalid(pf+".min_price", "greater than max_price")
	}
	if p.MinMarginPercent < 0 || p.MinMarginPercent >= 100 {
		return invalid(pf+".min_margin_percent", "must be in [0,100)")
	}
	if p.MaxMarginPercent < 0 || p.MaxMarginPercent >= 100 {
		return invalid(pf+".max_margin_percent", "must be in [0,100)")
	}
	if p.MaxMarginPercent > 0 && p.MinMarginPercent > p.MaxMarginPercent {
		return invalid(pf+".min_margin_percent", "greater than max_margin_percent")
	}
	if p.MinProfit < 0 {
		return invalid(pf+".min_profit", "must not be negative")
	}

	e := c.Execution
	ef := field + ".execution"
	if e.MaxPriceIncreasePercent < 0 {
		return invalid(ef+".max_price_increase_percent", "must not be negative")
	}
	if e.MaxPriceDecreasePercent < 0 || e.MaxPriceDecreasePercent >= 100 {
		return invalid(ef+".max_price_decrease_percent", "must be in [0,100)")
	}
	if e.MaxDailyChanges < 0 {
		return invalid(ef+".max_daily_changes", "must not be negative")
	}
	for i, w := range e.BlackoutWindows {
		if err := w.Validate(fmt.Sprintf("%s.blackout_windows[%d]", ef, i)); err != nil {
			return err
		}
	}

	cc := c.Competition
	cf := field + ".competition"
	if cc.MinCompetitors < 0 || cc.MaxCompetitors < 0 {
		return invalid(cf+".min_competitors", "counts must not be negative")
	}
	if cc.MaxCompetitors > 0 && cc.MinCompetitors > cc.MaxCompetitors {
		return invalid(cf+".min_competitors", "greater than max_competitors")
	}
	if cc.MinSellerRating < 0 || cc.MinSellerRating > 5 {
		return invalid(cf+".min_seller_rating", "must be in [0,5]")
	}
	return nil
}

// RuleCounters are maintained by the action executor.
type RuleCounters struct {
	TotalExecutions      int64      `json:"total_executions"`
	SuccessfulExecutions int64      `json:"successful_executions"`
	FailedExecutions     int64      `json:"failed_executions"`
	SkippedExecutions    int64      `json:"skipped_executions"`
	LastExecutionTime    *time.Time `json:"last_execution_time,omitempty"`
	NextExecutionTime    *time.Time `json:"next_execution_time,omitempty"`
}

// RulePerformance holds rolling metrics over recent sessions.
type RulePerformance struct {
	WinRate            float64 `json:"win_rate"`
	AverageMarginDelta float64 `json:"average_margin_delta"`
	Samples            int     `json:"samples"`
}

// performanceWindow caps the weight of history in the rolling averages.
const performanceWindow = 50

// Fold blends one session's figures into the rolling metrics.
func (p RulePerformance) Fold(winRate, marginDelta float64) RulePerformance {
	n := p.Samples
	if n >= performanceWindow {
		n = performanceWindow - 1
	}
	w := float64(n)
	return RulePerformance{
		WinRate:            (p.WinRate*w + winRate) / (w + 1),
		AverageMarginDelta: (p.AverageMarginDelta*w + marginDelta) / (w + 1),
		Samples:            p.Samples + 1,
	}
}

// RuleFilter narrows ListRules. Zero fields match everything.
type RuleFilter struct {
	Status     RuleStatus
	Type       RuleType
	Tag        string
	ActiveOnly bool
}

// Matches applies the filter in memory.
func (f RuleFilter) Matches(r *RepricingRule) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Tag != "" && !r.HasTag(f.Tag) {
		return false
	}
	if f.ActiveOnly && !r.Evaluable() {
		return false
	}
	return true
}
