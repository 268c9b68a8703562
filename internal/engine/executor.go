package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/logger"
)

// Executor validates a candidate price against a rule's constraints, calls
// the marketplace and records the outcome on the rule counters.
type Executor struct {
	market  MarketplaceClient
	rules   RuleStore
	changes PriceChangeLog
	catalog ProductCatalog
	timeout time.Duration
	now     func() time.Time
	log     *logger.Logger
}

// NewExecutor creates an executor. A zero timeout defaults to 10s.
func NewExecutor(market MarketplaceClient, rules RuleStore, changes PriceChangeLog, catalog ProductCatalog, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Executor{
		market:  market,
		rules:   rules,
		changes: changes,
		catalog: catalog,
		timeout: timeout,
		now:     time.Now,
		log:     logger.With("component", "executor"),
	}
}

// Execute runs the gates in order (pricing, execution, competition), then
// the marketplace update. The single-step limit clamps the candidate before
// any gate runs, so a clamped price is what gets validated and applied.
func (e *Executor) Execute(ctx context.Context, rule *domain.RepricingRule, product domain.ProductRef, cand domain.PriceOptimizationResult, competitors []domain.Competitor) domain.ExecutionResult {
	start := e.now()
	res := domain.ExecutionResult{
		ProductID:        product.ID,
		ASIN:             product.ASIN,
		OldPrice:         product.CurrentPrice,
		NewPrice:         product.CurrentPrice,
		RecommendedPrice: cand.RecommendedPrice,
		Confidence:       cand.Confidence,
		ExecutedAt:       start,
	}

	price, clamped := clampStep(domain.RoundCents(cand.RecommendedPrice), product.CurrentPrice, rule.Constraints.Execution)
	if err := e.gate(ctx, rule, product, price, competitors, start); err != nil {
		return e.finish(ctx, rule, e.skipped(res, err), start)
	}
	if domain.SamePrice(price, product.CurrentPrice) {
		res.Outcome = domain.OutcomeSkipped
		res.Reason = "no price change"
		return e.finish(ctx, rule, res, start)
	}

	err := e.update(ctx, product.ASIN, price)
	if err != nil {
		res, err = e.onFailure(ctx, rule, product, price, res, err)
	}
	if err != nil {
		res.Outcome = domain.OutcomeFailed
		res.Reason = err.Error()
		return e.finish(ctx, rule, res, start)
	}

	res.Outcome = domain.OutcomeSuccess
	res.NewPrice = price
	if res.Reason == "" {
		res.Reason = "price updated"
		if clamped {
			res.Reason = fmt.Sprintf("price updated (clamped from %.2f by step limit)", cand.RecommendedPrice)
		}
	}
	if product.CostPrice > 0 {
		res.MarginDelta = domain.MarginPercent(price, product.CostPrice) - domain.MarginPercent(product.CurrentPrice, product.CostPrice)
	}
	if err := e.changes.RecordPriceChange(ctx, product.ID, product.CurrentPrice, price, start); err != nil {
		e.log.Warn("record price change failed", "product_id", product.ID, "error", err)
	}
	if err := e.catalog.UpdateProductPrice(ctx, product.ID, price); err != nil {
		e.log.Warn("catalog price write-back failed", "product_id", product.ID, "error", err)
	}
	return e.finish(ctx, rule, res, start)
}

// Skip records a SKIPPED result that never reached the gates, such as a
// rejected trigger or a candidate the pricer could not produce.
func (e *Executor) Skip(ctx context.Context, rule *domain.RepricingRule, product domain.ProductRef, reason, constraint string) domain.ExecutionResult {
	start := e.now()
	res := domain.ExecutionResult{
		ProductID:  product.ID,
		ASIN:       product.ASIN,
		Outcome:    domain.OutcomeSkipped,
		OldPrice:   product.CurrentPrice,
		NewPrice:   product.CurrentPrice,
		Reason:     reason,
		Constraint: constraint,
		ExecutedAt: start,
	}
	return e.finish(ctx, rule, res, start)
}

// Fail records a FAILED result produced before the marketplace call.
func (e *Executor) Fail(ctx context.Context, rule *domain.RepricingRule, product domain.ProductRef, err error) domain.ExecutionResult {
	start := e.now()
	res := domain.ExecutionResult{
		ProductID:  product.ID,
		ASIN:       product.ASIN,
		Outcome:    domain.OutcomeFailed,
		OldPrice:   product.CurrentPrice,
		NewPrice:   product.CurrentPrice,
		Reason:     err.Error(),
		ExecutedAt: start,
	}
	return e.finish(ctx, rule, res, start)
}

func (e *Executor) skipped(res domain.ExecutionResult, err error) domain.ExecutionResult {
	res.Outcome = domain.OutcomeSkipped
	res.Reason = err.Error()
	var cv *ConstraintViolation
	if errors.As(err, &cv) {
		res.Constraint = cv.Constraint
		res.Reason = cv.Detail
	} else {
		res.Outcome = domain.OutcomeFailed
	}
	return res
}

func (e *Executor) finish(ctx context.Context, rule *domain.RepricingRule, res domain.ExecutionResult, start time.Time) domain.ExecutionResult {
	res.DurationMs = e.now().Sub(start).Milliseconds()
	if err := e.rules.RecordExecution(ctx, rule.ID, res.Outcome, res.ExecutedAt); err != nil {
		e.log.Error("record execution failed", "rule_id", rule.ID, "error", err)
	}
	e.log.Info("execution recorded",
		"rule_id", rule.ID,
		"product_id", res.ProductID,
		"outcome", res.Outcome,
		"old_price", res.OldPrice,
		"new_price", res.NewPrice,
		"reason", res.Reason,
	)
	return res
}

// gate returns a *ConstraintViolation for the first failing gate, or a
// plain error when a gate could not be evaluated.
func (e *Executor) gate(ctx context.Context, rule *domain.RepricingRule, product domain.ProductRef, price float64, competitors []domain.Competitor, now time.Time) error {
	if err := pricingGate(rule.Constraints.Pricing, product, price); err != nil {
		return err
	}
	if err := e.executionGate(ctx, rule.Constraints.Execution, product, price, now); err != nil {
		return err
	}
	return competitionGate(rule.Constraints.Competition, competitors)
}

func pricingGate(pc domain.PricingConstraints, product domain.ProductRef, price float64) error {
	eps := domain.CentEpsilon
	cost := product.CostPrice
	switch {
	case price <= 0:
		return violation("pricing.min_price", "price %.2f is not positive", price)
	case pc.MinPrice > 0 && price < pc.MinPrice-eps:
		return violation("pricing.min_price", "price %.2f below min price %.2f", price, pc.MinPrice)
	case pc.MaxPrice > 0 && price > pc.MaxPrice+eps:
		return violation("pricing.max_price", "price %.2f above max price %.2f", price, pc.MaxPrice)
	case pc.MinMarginPercent > 0 && cost > 0 && domain.RoundCents(price) < domain.PriceForMargin(cost, pc.MinMarginPercent):
		return violation("pricing.min_margin", "margin %.2f%% below %.2f%%", domain.MarginPercent(price, cost), pc.MinMarginPercent)
	case pc.MaxMarginPercent > 0 && cost > 0 && domain.RoundCents(price) > domain.MaxPriceForMargin(cost, pc.MaxMarginPercent):
		return violation("pricing.max_margin", "margin %.2f%% above %.2f%%", domain.MarginPercent(price, cost), pc.MaxMarginPercent)
	case pc.MinProfit > 0 && price-cost < pc.MinProfit-eps:
		return violation("pricing.min_profit", "unit profit %.2f below %.2f", price-cost, pc.MinProfit)
	case pc.RespectMAP && product.MAPPrice > 0 && price < product.MAPPrice-eps:
		return violation("pricing.map", "price %.2f below MAP %.2f", price, product.MAPPrice)
	}
	return nil
}

func (e *Executor) executionGate(ctx context.Context, ec domain.ExecutionConstraints, product domain.ProductRef, price float64, now time.Time) error {
	pct := domain.PercentChange(product.CurrentPrice, price)
	if ec.MaxPriceIncreasePercent > 0 && pct > ec.MaxPriceIncreasePercent+1e-6 {
		return violation("execution.max_increase", "increase %.2f%% above %.2f%%", pct, ec.MaxPriceIncreasePercent)
	}
	if ec.MaxPriceDecreasePercent > 0 && -pct > ec.MaxPriceDecreasePercent+1e-6 {
		return violation("execution.max_decrease", "decrease %.2f%% above %.2f%%", -pct, ec.MaxPriceDecreasePercent)
	}
	for _, w := range ec.BlackoutWindows {
		if w.Contains(now) {
			return violation("execution.blackout", "inside blackout window %s-%s", w.Start, w.End)
		}
	}
	if ec.MaxDailyChanges > 0 {
		day := now.UTC().Truncate(24 * time.Hour)
		n, err := e.changes.CountPriceChanges(ctx, product.ID, day)
		if err != nil {
			return fmt.Errorf("count price changes: %w", err)
		}
		if n >= ec.MaxDailyChanges {
			return violation("execution.max_daily_changes", "%d changes today, limit %d", n, ec.MaxDailyChanges)
		}
	}
	return nil
}

func competitionGate(cc domain.CompetitionConstraints, competitors []domain.Competitor) error {
	if cc.MinCompetitors == 0 && cc.MaxCompetitors == 0 {
		return nil
	}
	n := 0
	for _, c := range competitors {
		if c.Status != "" && c.Status != domain.CompetitorActive {
			continue
		}
		if cc.Counts(c) {
			n++
		}
	}
	if cc.MinCompetitors > 0 && n < cc.MinCompetitors {
		return violation("competition.min_competitors", "%d competitors, need at least %d", n, cc.MinCompetitors)
	}
	if cc.MaxCompetitors > 0 && n > cc.MaxCompetitors {
		return violation("competition.max_competitors", "%d competitors, allowed at most %d", n, cc.MaxCompetitors)
	}
	return nil
}

// clampStep limits a move to the configured single-step percentages. The
// bound is rounded toward the current price so it is never exceeded.
func clampStep(price, cur float64, ec domain.ExecutionConstraints) (float64, bool) {
	if cur <= 0 {
		return price, false
	}
	if ec.MaxPriceIncreasePercent > 0 {
		hi := math.Floor(cur*(1+ec.MaxPriceIncreasePercent/100)*100+1e-6) / 100
		if price > hi {
			return hi, true
		}
	}
	if ec.MaxPriceDecreasePercent > 0 {
		lo := math.Ceil(cur*(1-ec.MaxPriceDecreasePercent/100)*100-1e-6) / 100
		if price < lo {
			return lo, true
		}
	}
	return price, false
}

func (e *Executor) update(ctx context.Context, asin string, price float64) error {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ok, err := e.market.UpdatePrice(cctx, asin, price)
	if err != nil {
		return &ExternalCallError{Op: "marketplace update price", Err: err}
	}
	if !ok {
		return &ExternalCallError{Op: "marketplace update price", Err: errors.New("update rejected")}
	}
	return nil
}

// onFailure applies the rule's failure action exactly once. A nil error in
// the return means the retry recovered.
func (e *Executor) onFailure(ctx context.Context, rule *domain.RepricingRule, product domain.ProductRef, price float64, res domain.ExecutionResult, cause error) (domain.ExecutionResult, error) {
	switch rule.Actions.FailureAction {
	case domain.FailureRetryOnce:
		if err := e.update(ctx, product.ASIN, price); err != nil {
			return res, fmt.Errorf("%v; retry failed: %v", cause, err)
		}
		res.Reason = "price updated on retry"
		return res, nil
	case domain.FailureRevert:
		if err := e.update(ctx, product.ASIN, product.CurrentPrice); err != nil {
			return res, fmt.Errorf("%v; revert to %.2f failed: %v", cause, product.CurrentPrice, err)
		}
		return res, fmt.Errorf("%v; reverted to %.2f", cause, product.CurrentPrice)
	}
	return res, cause
}
