package postgres

import "database/sql"

// Stores bundles every repository over one connection pool.
type Stores struct {
	Rules       *RuleRepo
	Sessions    *SessionRepo
	Competitors *CompetitorRepo
	Events      *EventRepo
	Products    *ProductRepo
	Changes     *PriceChangeRepo
}

// NewStores creates all repositories over db.
func NewStores(db *sql.DB) *Stores {
	return &Stores{
		Rules:       NewRuleRepo(db),
		Sessions:    NewSessionRepo(db),
		Competitors: NewCompetitorRepo(db),
		Events:      NewEventRepo(db),
		Products:    NewProductRepo(db),
		Changes:     NewPriceChangeRepo(db),
	}
}
