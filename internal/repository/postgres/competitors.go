package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/repricer/internal/domain"
)

// CompetitorRepo implements engine.CompetitorStore against PostgreSQL. The
// full snapshot is stored as a document; the indexed columns are copies.
type CompetitorRepo struct{ db *sql.DB }

// NewCompetitorRepo creates a Postgres-backed competitor repository.
func NewCompetitorRepo(db *sql.DB) *CompetitorRepo { return &CompetitorRepo{db: db} }

func (r *CompetitorRepo) UpsertCompetitor(ctx context.Context, c domain.Competitor) error {
	doc, err := jsonb(c)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO repricing_competitors (asin, seller_id, status, is_monitored, current_price, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (asin, seller_id) DO UPDATE SET
			status = EXCLUDED.status,
			is_monitored = EXCLUDED.is_monitored,
			current_price = EXCLUDED.current_price,
			data = EXCLUDED.data,
			updated_at = NOW()
	`, c.ASIN, c.SellerID, string(c.Status), c.IsMonitored, c.CurrentPrice, doc)
	if err != nil {
		return fmt.Errorf("upsert competitor: %w", err)
	}
	return nil
}

func (r *CompetitorRepo) GetCompetitor(ctx context.Context, asin, sellerID string) (*domain.Competitor, error) {
	var doc []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT data FROM repricing_competitors WHERE asin = $1 AND seller_id = $2
	`, asin, sellerID).Scan(&doc)
	if err != nil {
		return nil, fmt.Errorf("get competitor: %w", notFound(err))
	}
	var c domain.Competitor
	if err := unjsonb(doc, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCompetitors returns the competitors of an ASIN, or all when asin is empty.
func (r *CompetitorRepo) ListCompetitors(ctx context.Context, asin string) ([]domain.Competitor, error) {
	if asin == "" {
		return r.query(ctx, `SELECT data FROM repricing_competitors ORDER BY asin, seller_id`)
	}
	return r.query(ctx, `SELECT data FROM repricing_competitors WHERE asin = $1 ORDER BY seller_id`, asin)
}

func (r *CompetitorRepo) ListMonitoredCompetitors(ctx context.Context) ([]domain.Competitor, error) {
	return r.query(ctx, `
		SELECT data FROM repricing_competitors
		WHERE is_monitored AND status <> 'REMOVED'
		ORDER BY asin, seller_id`)
}

func (r *CompetitorRepo) query(ctx context.Context, q string, args ...interface{}) ([]domain.Competitor, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list competitors: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Competitor, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan competitor: %w", err)
		}
		var c domain.Competitor
		if err := unjsonb(doc, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
