package rules

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ignite/repricer/internal/domain"
)

// Repository defines the data access contract for rules.
// Implementations must be safe for concurrent use.
type Repository interface {
	// GetRule returns a single rule. Returns domain.ErrNotFound if it doesn't exist.
	GetRule(ctx context.Context, id string) (*domain.RepricingRule, error)

	// ListRules returns rules matching the filter by descending priority.
	ListRules(ctx context.Context, f domain.RuleFilter) ([]domain.RepricingRule, error)

	// CreateRule inserts a new rule.
	CreateRule(ctx context.Context, r *domain.RepricingRule) error

	// UpdateRule replaces the rule definition. Counters and performance
	// metrics are owned by the engine and are left untouched.
	UpdateRule(ctx context.Context, r *domain.RepricingRule) error

	// SetNextExecution stores the next scheduled run, or clears it.
	SetNextExecution(ctx context.Context, ruleID string, next *time.Time) error
}

// NotificationChecker compiles notification templates and conditions.
type NotificationChecker interface {
	Validate(spec domain.NotificationSpec) error
}

// ExpressionChecker validates EXPRESSION condition documents.
type ExpressionChecker interface {
	Validate(logic json.RawMessage) error
}
