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

// Evaluation is the outcome of matching one signal against one rule.
type Evaluation struct {
	Matched bool
	Reason  string
	FiredAt time.Time
}

// Evaluator matches signals against rule triggers. On acceptance the firing
// guard has already recorded the provisional fire time.
type Evaluator struct {
	guard FiringGuard
	expr  ExpressionEvaluator
	now   func() time.Time
	log   *logger.Logger
}

// NewEvaluator creates an evaluator backed by guard.
func NewEvaluator(guard FiringGuard) *Evaluator {
	return &Evaluator{
		guard: guard,
		now:   time.Now,
		log:   logger.With("component", "evaluator"),
	}
}

// Evaluate runs target selection, the primary condition, the secondary
// fold, then the cooldown and daily cap. Rejections are not errors; an
// error means the guard itself could not be consulted.
func (e *Evaluator) Evaluate(ctx context.Context, rule *domain.RepricingRule, product domain.ProductRef, sig domain.MarketSignal) (Evaluation, error) {
	if !rule.Evaluable() {
		return Evaluation{Reason: "rule not active"}, nil
	}
	if !rule.Target.Selects(product) {
		return Evaluation{Reason: "product not targeted"}, nil
	}

	ok, reason := e.conditionsHold(rule.Triggers, product, sig)
	if !ok {
		return Evaluation{Reason: reason}, nil
	}

	now := e.now()
	key := fireKey(rule, product.ID)
	if err := e.guard.TryFire(ctx, key, now); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			e.log.Debug("firing rejected", "rule_id", rule.ID, "product_id", product.ID, "reason", err)
			return Evaluation{Reason: err.Error()}, nil
		}
		return Evaluation{}, err
	}
	return Evaluation{Matched: true, Reason: "conditions met", FiredAt: now}, nil
}

// Release rolls back an accepted evaluation that produced no work.
func (e *Evaluator) Release(ctx context.Context, rule *domain.RepricingRule, productID string, ev Evaluation) error {
	if !ev.Matched {
		return nil
	}
	return e.guard.Release(ctx, fireKey(rule, productID), ev.FiredAt)
}

func fireKey(rule *domain.RepricingRule, productID string) FireKey {
	return FireKey{
		RuleID:    rule.ID,
		ProductID: productID,
		Cooldown:  rule.Cooldown(),
		MaxPerDay: rule.Triggers.MaxExecutionsPerDay,
	}
}

// conditionsHold folds the secondary conditions left to right without
// grouping: AND narrows, OR widens.
func (e *Evaluator) conditionsHold(t domain.TriggerConditions, product domain.ProductRef, sig domain.MarketSignal) (bool, string) {
	result := sig.RuleLevel()
	if !result {
		m, err := e.Match(t.Primary, product, sig)
		if err != nil {
			return false, fmt.Sprintf("primary condition error: %v", err)
		}
		result = m
	}

	for i, s := range t.Secondary {
		if s.Operator == domain.LogicAnd && !result {
			continue
		}
		if s.Operator == domain.LogicOr && result {
			continue
		}
		m, err := e.Match(s.Condition, product, sig)
		if err != nil {
			return false, fmt.Sprintf("secondary condition %d error: %v", i, err)
		}
		result = m
	}

	if !result {
		return false, "conditions not met"
	}
	return true, ""
}

// Match reports whether a single condition holds for the signal and product.
func (e *Evaluator) Match(c domain.ConditionSpec, product domain.ProductRef, sig domain.MarketSignal) (bool, error) {
	switch c.Kind {
	case domain.CondPriceChange:
		return matchPriceChange(c.PriceChange, sig), nil
	case domain.CondBuyBoxLoss:
		return sig.Kind == domain.SignalBuyBoxChange && sig.BuyBoxLost, nil
	case domain.CondBuyBoxWin:
		return sig.Kind == domain.SignalBuyBoxChange && sig.BuyBoxWon, nil
	case domain.CondCompetitorStockout:
		return sig.Kind == domain.SignalStockout, nil
	case domain.CondInventoryThreshold:
		level := product.InventoryLevel
		if sig.InventoryLevel != nil {
			level = *sig.InventoryLevel
		}
		if c.Inventory == nil {
			return false, nil
		}
		if c.Inventory.Operator == domain.OpBelow {
			return level < c.Inventory.Level, nil
		}
		return level > c.Inventory.Level, nil
	case domain.CondSchedule:
		return sig.Kind == domain.SignalScheduleTick, nil
	case domain.CondManual:
		return sig.Kind == domain.SignalManual, nil
	case domain.CondExpression:
		if c.Expression == nil {
			return false, nil
		}
		return e.expr.Eval(c.Expression.Logic, Facts(product, sig))
	}
	return false, fmt.Errorf("unknown condition kind %q", c.Kind)
}

func matchPriceChange(p *domain.PriceChangeParams, sig domain.MarketSignal) bool {
	if sig.Kind != domain.SignalPriceChange {
		return false
	}
	if p == nil {
		return true
	}
	delta := sig.NewPrice - sig.OldPrice
	switch p.Direction {
	case domain.DirectionUp:
		if delta <= 0 {
			return false
		}
	case domain.DirectionDown:
		if delta >= 0 {
			return false
		}
	}
	if p.MinChangePercent > 0 && math.Abs(sig.ChangePercent) < p.MinChangePercent {
		return false
	}
	if p.MinChangeAmount > 0 && math.Abs(delta) < p.MinChangeAmount {
		return false
	}
	if len(p.SellerIDs) > 0 {
		for _, id := range p.SellerIDs {
			if id == sig.SellerID {
				return true
			}
		}
		return false
	}
	return true
}
