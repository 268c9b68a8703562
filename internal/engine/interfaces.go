package engine

import (
	"context"
	"time"

	"github.com/ignite/repricer/internal/domain"
)

// RuleStore persists rules and the counters the executor maintains.
type RuleStore interface {
	GetRule(ctx context.Context, id string) (*domain.RepricingRule, error)
	ListRules(ctx context.Context, f domain.RuleFilter) ([]domain.RepricingRule, error)
	RecordExecution(ctx context.Context, ruleID string, outcome domain.Outcome, at time.Time) error
	SetNextExecution(ctx context.Context, ruleID string, next *time.Time) error
	UpdatePerformance(ctx context.Context, ruleID string, perf domain.RulePerformance) error
}

// SessionStore persists sessions. The session manager is its only writer.
type SessionStore interface {
	CreateSession(ctx context.Context, s *domain.RepricingSession) error
	AppendResult(ctx context.Context, sessionID string, r domain.ExecutionResult) error
	FinishSession(ctx context.Context, s *domain.RepricingSession) error
	GetSession(ctx context.Context, id string) (*domain.RepricingSession, error)
	FindRunningSession(ctx context.Context, ruleID string) (*domain.RepricingSession, error)
}

// CompetitorStore persists competitor snapshots. The monitor is its only writer.
type CompetitorStore interface {
	UpsertCompetitor(ctx context.Context, c domain.Competitor) error
	GetCompetitor(ctx context.Context, asin, sellerID string) (*domain.Competitor, error)
	ListCompetitors(ctx context.Context, asin string) ([]domain.Competitor, error)
	ListMonitoredCompetitors(ctx context.Context) ([]domain.Competitor, error)
}

// EventLog is the append-only buy-box audit trail.
type EventLog interface {
	AppendEvent(ctx context.Context, ev domain.BuyBoxEvent) error
	LastEvent(ctx context.Context, asin string, typ domain.BuyBoxEventType) (*domain.BuyBoxEvent, error)
	ListEvents(ctx context.Context, asin string, since time.Time) ([]domain.BuyBoxEvent, error)
}

// PriceChangeLog counts applied price changes for maxDailyChanges.
type PriceChangeLog interface {
	RecordPriceChange(ctx context.Context, productID string, from, to float64, at time.Time) error
	CountPriceChanges(ctx context.Context, productID string, since time.Time) (int, error)
}

// ProductCatalog is the read side of the external catalog, plus the price
// write-back after a successful update.
type ProductCatalog interface {
	GetProduct(ctx context.Context, id string) (*domain.ProductRef, error)
	GetProductByASIN(ctx context.Context, asin string) (*domain.ProductRef, error)
	ListProducts(ctx context.Context) ([]domain.ProductRef, error)
	UpdateProductPrice(ctx context.Context, id string, price float64) error
}

// MarketplaceClient talks to the marketplace. Calls may be slow or fail.
type MarketplaceClient interface {
	UpdatePrice(ctx context.Context, asin string, newPrice float64) (bool, error)
	FetchListingSnapshot(ctx context.Context, asin string) (domain.ListingSnapshot, error)
}

// ForecastProvider feeds the optimizer's optional trend axis.
type ForecastProvider interface {
	Trend(ctx context.Context, asin string, horizonDays int) (domain.TrendSignal, error)
}

// Archiver ships finished sessions and buy-box events to cold storage.
type Archiver interface {
	ArchiveSession(ctx context.Context, s *domain.RepricingSession) error
	ArchiveBuyBoxEvent(ctx context.Context, ev domain.BuyBoxEvent) error
}

// PriceHistory keeps every competitor observation for charting.
type PriceHistory interface {
	RecordObservation(ctx context.Context, obs domain.PriceObservation) error
	History(ctx context.Context, asin, sellerID string, since time.Time) ([]domain.PriceObservation, error)
}

// NotificationSender delivers a rendered notification on one channel.
type NotificationSender interface {
	Send(ctx context.Context, spec domain.NotificationSpec, subject, body string) error
}
