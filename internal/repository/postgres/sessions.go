package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/repricer/internal/domain"
)

// SessionRepo implements engine.SessionStore against PostgreSQL.
type SessionRepo struct{ db *sql.DB }

// NewSessionRepo creates a Postgres-backed session repository.
func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{db: db} }

func (r *SessionRepo) CreateSession(ctx context.Context, s *domain.RepricingSession) error {
	summary, err := jsonb(s.PriceChangesSummary)
	if err != nil {
		return err
	}
	metrics, err := jsonb(s.PerformanceMetrics)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO repricing_sessions
			(id, rule_id, status, trigger_source, started_at, completed_at, total_products,
			 price_changes_summary, performance_metrics, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.RuleID, string(s.Status), string(s.TriggerSource), s.StartedAt, nullTime(s.CompletedAt),
		s.TotalProducts, summary, metrics, s.Error)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// AppendResult stores one product result and bumps the session counters in
// the same transaction. A second result for the same product is ignored.
func (r *SessionRepo) AppendResult(ctx context.Context, sessionID string, res domain.ExecutionResult) error {
	doc, err := jsonb(res)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append result: begin: %w", err)
	}
	defer tx.Rollback()

	ins, err := tx.ExecContext(ctx, `
		INSERT INTO repricing_session_results (session_id, product_id, outcome, result, executed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, product_id) DO NOTHING
	`, sessionID, res.ProductID, string(res.Outcome), doc, res.ExecutedAt)
	if err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	if n, _ := ins.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	col := "skipped_updates"
	switch res.Outcome {
	case domain.OutcomeSuccess:
		col = "successful_updates"
	case domain.OutcomeFailed:
		col = "failed_updates"
	}
	err = affected(tx.ExecContext(ctx,
		`UPDATE repricing_sessions SET `+col+` = `+col+` + 1 WHERE id = $1`, sessionID))
	if err != nil {
		return fmt.Errorf("append result: bump counters: %w", err)
	}
	return tx.Commit()
}

// FinishSession writes the terminal fields of a session.
func (r *SessionRepo) FinishSession(ctx context.Context, s *domain.RepricingSession) error {
	summary, err := jsonb(s.PriceChangesSummary)
	if err != nil {
		return err
	}
	metrics, err := jsonb(s.PerformanceMetrics)
	if err != nil {
		return err
	}
	err = affected(r.db.ExecContext(ctx, `
		UPDATE repricing_sessions SET
			status = $2, completed_at = $3, total_products = $4,
			successful_updates = $5, failed_updates = $6, skipped_updates = $7,
			price_changes_summary = $8, performance_metrics = $9, error = $10
		WHERE id = $1
	`, s.ID, string(s.Status), nullTime(s.CompletedAt), s.TotalProducts,
		s.SuccessfulUpdates, s.FailedUpdates, s.SkippedUpdates, summary, metrics, s.Error))
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

func (r *SessionRepo) GetSession(ctx context.Context, id string) (*domain.RepricingSession, error) {
	var (
		s                domain.RepricingSession
		completed        sql.NullTime
		summary, metrics []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, rule_id, status, trigger_source, started_at, completed_at, total_products,
		       successful_updates, failed_updates, skipped_updates,
		       price_changes_summary, performance_metrics, error
		FROM repricing_sessions
		WHERE id = $1
	`, id).Scan(
		&s.ID, &s.RuleID, &s.Status, &s.TriggerSource, &s.StartedAt, &completed, &s.TotalProducts,
		&s.SuccessfulUpdates, &s.FailedUpdates, &s.SkippedUpdates,
		&summary, &metrics, &s.Error,
	)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", notFound(err))
	}
	s.CompletedAt = timePtr(completed)
	if err := unjsonb(summary, &s.PriceChangesSummary); err != nil {
		return nil, err
	}
	if err := unjsonb(metrics, &s.PerformanceMetrics); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT result FROM repricing_session_results WHERE session_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get session results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan session result: %w", err)
		}
		var res domain.ExecutionResult
		if err := unjsonb(doc, &res); err != nil {
			return nil, err
		}
		s.Results = append(s.Results, res)
	}
	return &s, rows.Err()
}

func (r *SessionRepo) FindRunningSession(ctx context.Context, ruleID string) (*domain.RepricingSession, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM repricing_sessions WHERE rule_id = $1 AND status = 'RUNNING'
	`, ruleID).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("find running session: %w", notFound(err))
	}
	return r.GetSession(ctx, id)
}
