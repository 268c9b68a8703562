package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/repricer/internal/domain"
)

// RuleRepo implements engine.RuleStore and rules.Repository against PostgreSQL.
type RuleRepo struct{ db *sql.DB }

// NewRuleRepo creates a Postgres-backed rule repository.
func NewRuleRepo(db *sql.DB) *RuleRepo { return &RuleRepo{db: db} }

const ruleColumns = `
	id, name, description, type, status, priority, is_active, tags,
	target_configuration, trigger_conditions, actions, constraints, schedule,
	total_executions, successful_executions, failed_executions, skipped_executions,
	last_execution_time, next_execution_time, performance, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*domain.RepricingRule, error) {
	var (
		r                               domain.RepricingRule
		target, triggers, actions, cons []byte
		schedule, perf                  []byte
		lastRun, nextRun                sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.Description, &r.Type, &r.Status, &r.Priority, &r.IsActive, pq.Array(&r.Tags),
		&target, &triggers, &actions, &cons, &schedule,
		&r.Counters.TotalExecutions, &r.Counters.SuccessfulExecutions,
		&r.Counters.FailedExecutions, &r.Counters.SkippedExecutions,
		&lastRun, &nextRun, &perf, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		b []byte
		v interface{}
	}{
		{target, &r.Target}, {triggers, &r.Triggers}, {actions, &r.Actions},
		{cons, &r.Constraints}, {perf, &r.Performance},
	} {
		if err := unjsonb(f.b, f.v); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	if len(schedule) > 0 && string(schedule) != "null" {
		r.Schedule = &domain.Schedule{}
		if err := unjsonb(schedule, r.Schedule); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	r.Counters.LastExecutionTime = timePtr(lastRun)
	r.Counters.NextExecutionTime = timePtr(nextRun)
	return &r, nil
}

type ruleDocs struct {
	target      string
	triggers    string
	actions     string
	constraints string
	performance string
	schedule    sql.NullString
}

func encodeRule(r *domain.RepricingRule) (ruleDocs, error) {
	var d ruleDocs
	var err error
	if d.target, err = jsonb(r.Target); err != nil {
		return d, err
	}
	if d.triggers, err = jsonb(r.Triggers); err != nil {
		return d, err
	}
	if d.actions, err = jsonb(r.Actions); err != nil {
		return d, err
	}
	if d.constraints, err = jsonb(r.Constraints); err != nil {
		return d, err
	}
	if r.Schedule != nil {
		if d.schedule.String, err = jsonb(r.Schedule); err != nil {
			return d, err
		}
		d.schedule.Valid = true
	}
	if d.performance, err = jsonb(r.Performance); err != nil {
		return d, err
	}
	return d, nil
}

func (r *RuleRepo) GetRule(ctx context.Context, id string) (*domain.RepricingRule, error) {
	rule, err := scanRule(r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM repricing_rules WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", notFound(err))
	}
	return rule, nil
}

func (r *RuleRepo) ListRules(ctx context.Context, f domain.RuleFilter) ([]domain.RepricingRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM repricing_rules WHERE 1=1`
	args := []interface{}{}
	idx := 1
	add := func(cond string, val interface{}) {
		q += fmt.Sprintf(" AND "+cond, idx)
		args = append(args, val)
		idx++
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Tag != "" {
		add("$%d = ANY(tags)", f.Tag)
	}
	if f.ActiveOnly {
		q += " AND is_active AND status = 'ACTIVE'"
	}
	q += " ORDER BY priority DESC, created_at, id"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []domain.RepricingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

func (r *RuleRepo) CreateRule(ctx context.Context, rule *domain.RepricingRule) error {
	d, err := encodeRule(rule)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO repricing_rules
			(id, name, description, type, status, priority, is_active, tags,
			 target_configuration, trigger_conditions, actions, constraints, schedule,
			 next_execution_time, performance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, rule.ID, rule.Name, rule.Description, string(rule.Type), string(rule.Status), rule.Priority,
		rule.IsActive, pq.Array(rule.Tags), d.target, d.triggers, d.actions, d.constraints, d.schedule,
		nullTime(rule.Counters.NextExecutionTime), d.performance, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

// UpdateRule replaces the definition columns; counters and performance are
// left alone.
func (r *RuleRepo) UpdateRule(ctx context.Context, rule *domain.RepricingRule) error {
	d, err := encodeRule(rule)
	if err != nil {
		return err
	}
	err = affected(r.db.ExecContext(ctx, `
		UPDATE repricing_rules SET
			name = $2, description = $3, type = $4, status = $5, priority = $6, is_active = $7,
			tags = $8, target_configuration = $9, trigger_conditions = $10, actions = $11,
			constraints = $12, schedule = $13, updated_at = $14
		WHERE id = $1
	`, rule.ID, rule.Name, rule.Description, string(rule.Type), string(rule.Status), rule.Priority,
		rule.IsActive, pq.Array(rule.Tags), d.target, d.triggers, d.actions, d.constraints, d.schedule,
		rule.UpdatedAt))
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return nil
}

// RecordExecution bumps the counters in a single statement so concurrent
// sessions never lose an increment.
func (r *RuleRepo) RecordExecution(ctx context.Context, ruleID string, outcome domain.Outcome, at time.Time) error {
	var col string
	switch outcome {
	case domain.OutcomeSuccess:
		col = "successful_executions"
	case domain.OutcomeFailed:
		col = "failed_executions"
	default:
		col = "skipped_executions"
	}
	err := affected(r.db.ExecContext(ctx, `
		UPDATE repricing_rules SET
			total_executions = total_executions + 1,
			`+col+` = `+col+` + 1,
			last_execution_time = $2
		WHERE id = $1
	`, ruleID, at))
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

func (r *RuleRepo) SetNextExecution(ctx context.Context, ruleID string, next *time.Time) error {
	err := affected(r.db.ExecContext(ctx,
		`UPDATE repricing_rules SET next_execution_time = $2 WHERE id = $1`, ruleID, nullTime(next)))
	if err != nil {
		return fmt.Errorf("set next execution: %w", err)
	}
	return nil
}

func (r *RuleRepo) UpdatePerformance(ctx context.Context, ruleID string, perf domain.RulePerformance) error {
	b, err := jsonb(perf)
	if err != nil {
		return err
	}
	err = affected(r.db.ExecContext(ctx,
		`UPDATE repricing_rules SET performance = $2 WHERE id = $1`, ruleID, b))
	if err != nil {
		return fmt.Errorf("update performance: %w", err)
	}
	return nil
}
