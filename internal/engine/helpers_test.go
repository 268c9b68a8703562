package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/repository/memory"
)

// fakeMarket records price updates and serves canned listing snapshots.
type fakeMarket struct {
	mu        sync.Mutex
	snapshots map[string]domain.ListingSnapshot
	updates   []float64
	failNext  int
	reject    bool
	delay     time.Duration
	fetchErr  error
	inFlight  int
	maxFlight int
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{snapshots: make(map[string]domain.ListingSnapshot)}
}

func (m *fakeMarket) UpdatePrice(ctx context.Context, _ string, price float64) (bool, error) {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxFlight {
		m.maxFlight = m.inFlight
	}
	delay := m.delay
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, price)
	if m.failNext > 0 {
		m.failNext--
		return false, errors.New("marketplace unavailable")
	}
	return !m.reject, nil
}

func (m *fakeMarket) FetchListingSnapshot(_ context.Context, asin string) (domain.ListingSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return domain.ListingSnapshot{}, m.fetchErr
	}
	s := m.snapshots[asin]
	s.ASIN = asin
	return s, nil
}

func (m *fakeMarket) setOffers(asin string, offers ...domain.Offer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[asin] = domain.ListingSnapshot{ASIN: asin, Offers: offers}
}

func (m *fakeMarket) updateCalls() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.updates...)
}

type fakeForecast struct {
	trend domain.TrendSignal
	err   error
	calls int
}

func (f *fakeForecast) Trend(context.Context, string, int) (domain.TrendSignal, error) {
	f.calls++
	return f.trend, f.err
}

func testProduct(id string, price, cost float64) domain.ProductRef {
	return domain.ProductRef{
		ID:           id,
		ASIN:         "B0" + id,
		Title:        "Product " + id,
		Category:     "kitchen",
		CurrentPrice: price,
		CostPrice:    cost,
	}
}

func testRule(id string) *domain.RepricingRule {
	return &domain.RepricingRule{
		ID:       id,
		Name:     "rule " + id,
		Type:     domain.RuleCompetitive,
		Status:   domain.RuleActive,
		IsActive: true,
		Target:   domain.TargetConfiguration{AllProducts: true},
		Triggers: domain.TriggerConditions{
			Primary: domain.ConditionSpec{Kind: domain.CondPriceChange},
		},
		Actions: domain.RuleActions{
			Primary:       domain.ActionSpec{Kind: domain.ActAdjustPercent, Adjust: &domain.AdjustParams{Percent: -5}},
			FailureAction: domain.FailureNone,
		},
	}
}

func seedRule(t *testing.T, store *memory.Store, r *domain.RepricingRule) {
	t.Helper()
	require.NoError(t, store.CreateRule(context.Background(), r))
}

func seedProduct(t *testing.T, store *memory.Store, p domain.ProductRef) {
	t.Helper()
	require.NoError(t, store.UpsertProduct(context.Background(), p))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
