package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/repricer/internal/domain"
)

// ProductRepo implements engine.ProductCatalog against the local copy of the
// product catalog.
type ProductRepo struct{ db *sql.DB }

// NewProductRepo creates a Postgres-backed product catalog.
func NewProductRepo(db *sql.DB) *ProductRepo { return &ProductRepo{db: db} }

const productColumns = `
	id, asin, sku, title, category, supplier, tags, current_price, cost_price,
	map_price, inventory_level, sales_velocity, replenishment_rate`

func scanProduct(row rowScanner) (*domain.ProductRef, error) {
	var p domain.ProductRef
	err := row.Scan(
		&p.ID, &p.ASIN, &p.SKU, &p.Title, &p.Category, &p.Supplier, pq.Array(&p.Tags),
		&p.CurrentPrice, &p.CostPrice, &p.MAPPrice, &p.InventoryLevel, &p.SalesVelocity, &p.ReplenishmentRate,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProductRepo) GetProduct(ctx context.Context, id string) (*domain.ProductRef, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM repricing_products WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get product: %w", notFound(err))
	}
	return p, nil
}

func (r *ProductRepo) GetProductByASIN(ctx context.Context, asin string) (*domain.ProductRef, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM repricing_products WHERE asin = $1`, asin))
	if err != nil {
		return nil, fmt.Errorf("get product by asin: %w", notFound(err))
	}
	return p, nil
}

func (r *ProductRepo) ListProducts(ctx context.Context) ([]domain.ProductRef, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+productColumns+` FROM repricing_products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []domain.ProductRef
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpsertProduct seeds or replaces a catalog entry.
func (r *ProductRepo) UpsertProduct(ctx context.Context, p domain.ProductRef) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO repricing_products
			(id, asin, sku, title, category, supplier, tags, current_price, cost_price,
			 map_price, inventory_level, sales_velocity, replenishment_rate, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (id) DO UPDATE SET
			asin = EXCLUDED.asin, sku = EXCLUDED.sku, title = EXCLUDED.title,
			category = EXCLUDED.category, supplier = EXCLUDED.supplier, tags = EXCLUDED.tags,
			current_price = EXCLUDED.current_price, cost_price = EXCLUDED.cost_price,
			map_price = EXCLUDED.map_price, inventory_level = EXCLUDED.inventory_level,
			sales_velocity = EXCLUDED.sales_velocity, replenishment_rate = EXCLUDED.replenishment_rate,
			updated_at = NOW()
	`, p.ID, p.ASIN, p.SKU, p.Title, p.Category, p.Supplier, pq.Array(p.Tags), p.CurrentPrice, p.CostPrice,
		p.MAPPrice, p.InventoryLevel, p.SalesVelocity, p.ReplenishmentRate)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (r *ProductRepo) UpdateProductPrice(ctx context.Context, id string, price float64) error {
	err := affected(r.db.ExecContext(ctx,
		`UPDATE repricing_products SET current_price = $2, updated_at = NOW() WHERE id = $1`, id, price))
	if err != nil {
		return fmt.Errorf("update product price: %w", err)
	}
	return nil
}

// PriceChangeRepo implements engine.PriceChangeLog.
type PriceChangeRepo struct{ db *sql.DB }

// NewPriceChangeRepo creates a Postgres-backed price change log.
func NewPriceChangeRepo(db *sql.DB) *PriceChangeRepo { return &PriceChangeRepo{db: db} }

func (r *PriceChangeRepo) RecordPriceChange(ctx context.Context, productID string, from, to float64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO repricing_price_changes (product_id, old_price, new_price, changed_at)
		VALUES ($1, $2, $3, $4)
	`, productID, from, to, at)
	if err != nil {
		return fmt.Errorf("record price change: %w", err)
	}
	return nil
}

func (r *PriceChangeRepo) CountPriceChanges(ctx context.Context, productID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM repricing_price_changes WHERE product_id = $1 AND changed_at >= $2
	`, productID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count price changes: %w", err)
	}
	return n, nil
}
