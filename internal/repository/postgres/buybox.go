package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/repricer/internal/domain"
)

// EventRepo implements engine.EventLog against PostgreSQL. Rows are only
// ever inserted.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed buy-box event log.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

func (r *EventRepo) AppendEvent(ctx context.Context, ev domain.BuyBoxEvent) error {
	doc, err := jsonb(ev)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO repricing_buybox_events (id, asin, type, occurred_at, data)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID, ev.ASIN, string(ev.Type), ev.Timestamp, doc)
	if err != nil {
		return fmt.Errorf("append buy box event: %w", err)
	}
	return nil
}

func (r *EventRepo) LastEvent(ctx context.Context, asin string, typ domain.BuyBoxEventType) (*domain.BuyBoxEvent, error) {
	var doc []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT data FROM repricing_buybox_events
		WHERE asin = $1 AND type = $2
		ORDER BY occurred_at DESC
		LIMIT 1
	`, asin, string(typ)).Scan(&doc)
	if err != nil {
		return nil, fmt.Errorf("last buy box event: %w", notFound(err))
	}
	var ev domain.BuyBoxEvent
	if err := unjsonb(doc, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *EventRepo) ListEvents(ctx context.Context, asin string, since time.Time) ([]domain.BuyBoxEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data FROM repricing_buybox_events
		WHERE asin = $1 AND occurred_at >= $2
		ORDER BY occurred_at
	`, asin, since)
	if err != nil {
		return nil, fmt.Errorf("list buy box events: %w", err)
	}
	defer rows.Close()

	var out []domain.BuyBoxEvent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan buy box event: %w", err)
		}
		var ev domain.BuyBoxEvent
		if err := unjsonb(doc, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
