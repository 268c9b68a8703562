package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/repository/memory"
)

type orchestratorFixture struct {
	o      *Orchestrator
	store  *memory.Store
	market *fakeMarket
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	store := memory.NewStore()
	market := newFakeMarket()
	o := NewOrchestrator(Deps{
		Rules:       store,
		Sessions:    store,
		Competitors: store,
		Events:      store,
		Changes:     store,
		Catalog:     store,
		Marketplace: market,
	}, Options{
		SessionConcurrency: 2,
		OurSellerID:        "me",
		DisableMonitor:     true,
		DisableScheduler:   true,
	})
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Stop)
	return &orchestratorFixture{o: o, store: store, market: market}
}

func (f *orchestratorFixture) wait(t *testing.T, id string) *domain.RepricingSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := f.o.Sessions().Wait(ctx, id)
	require.NoError(t, err)
	return s
}

func (f *orchestratorFixture) price(t *testing.T, id string) float64 {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.CurrentPrice
}

func TestOrchestrator_TriggerRuleManual(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedRule(t, f.store, testRule("r1"))
	seedProduct(t, f.store, testProduct("p1", 20, 10))
	seedProduct(t, f.store, testProduct("p2", 30, 10))
	ctx := context.Background()

	res, err := f.o.TriggerRule(ctx, "r1", nil, domain.SourceManual)
	require.NoError(t, err)
	require.False(t, res.Existing)
	assert.Equal(t, 2, res.Session.TotalProducts)

	s := f.wait(t, res.Session.ID)
	assert.Equal(t, domain.SessionCompleted, s.Status)
	assert.Equal(t, 2, s.SuccessfulUpdates)
	assert.Equal(t, domain.SourceManual, s.TriggerSource)
	assert.InDelta(t, 19.0, f.price(t, "p1"), 1e-9)
	assert.InDelta(t, 28.5, f.price(t, "p2"), 1e-9)

	rule, err := f.store.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rule.Counters.SuccessfulExecutions)
	assert.Equal(t, 1, rule.Performance.Samples)
	assert.InDelta(t, 1.0, rule.Performance.WinRate, 1e-9)
}

func TestOrchestrator_TriggerRuleReturnsRunningSession(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedRule(t, f.store, testRule("r1"))
	seedProduct(t, f.store, testProduct("p1", 20, 10))
	f.market.delay = 200 * time.Millisecond
	ctx := context.Background()

	first, err := f.o.TriggerRule(ctx, "r1", nil, domain.SourceManual)
	require.NoError(t, err)
	second, err := f.o.TriggerRule(ctx, "r1", nil, domain.SourceManual)
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, first.Session.ID, second.Session.ID)

	f.wait(t, first.Session.ID)
	assert.Len(t, f.market.updateCalls(), 1, "only one session touched the marketplace")
}

func TestOrchestrator_TriggerRuleRejectsInactiveRule(t *testing.T) {
	f := newOrchestratorFixture(t)
	r := testRule("r1")
	r.Status = domain.RulePaused
	r.IsActive = false
	seedRule(t, f.store, r)

	_, err := f.o.TriggerRule(context.Background(), "r1", nil, domain.SourceManual)
	assert.ErrorIs(t, err, ErrRuleNotActive)

	_, err = f.o.TriggerRule(context.Background(), "nope", nil, domain.SourceManual)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrchestrator_TriggerRuleUnknownProductAborts(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedRule(t, f.store, testRule("r1"))
	ctx := context.Background()

	res, err := f.o.TriggerRule(ctx, "r1", []string{"missing"}, domain.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, res.Session.Status)
	assert.Zero(t, res.Session.TotalProducts)
	assert.Contains(t, res.Session.Error, "missing")

	stored, err := f.o.GetSession(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, stored.Status)
}

func TestOrchestrator_HandleSignalPicksHighestPriority(t *testing.T) {
	f := newOrchestratorFixture(t)
	low := testRule("low")
	low.Priority = 1
	high := testRule("high")
	high.Priority = 10
	high.Actions.Primary = domain.ActionSpec{Kind: domain.ActSetPrice, SetPrice: &domain.SetPriceParams{Price: 18}}
	seedRule(t, f.store, low)
	seedRule(t, f.store, high)
	seedProduct(t, f.store, testProduct("p1", 20, 10))

	err := f.o.HandleSignal(context.Background(), domain.MarketSignal{
		Kind:          domain.SignalPriceChange,
		ASIN:          "B0p1",
		SellerID:      "rival",
		OldPrice:      20,
		NewPrice:      19,
		ChangePercent: -5,
		OccurredAt:    time.Now(),
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(f.market.updateCalls()) == 1 && f.price(t, "p1") == 18
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []float64{18}, f.market.updateCalls())
}

func TestOrchestrator_HandleSignalUnknownProduct(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedRule(t, f.store, testRule("r1"))

	err := f.o.HandleSignal(context.Background(), domain.MarketSignal{
		Kind: domain.SignalPriceChange, ASIN: "B0zzz", OldPrice: 10, NewPrice: 9,
	})
	require.NoError(t, err)
	_, running := f.o.Sessions().Active("r1")
	assert.False(t, running)
}

func TestOrchestrator_BuyBoxSignalRecordsEvent(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedRule(t, f.store, testRule("r1"))
	seedProduct(t, f.store, testProduct("p1", 20, 10))
	ctx := context.Background()

	err := f.o.HandleSignal(ctx, domain.MarketSignal{
		Kind:           domain.SignalBuyBoxChange,
		ASIN:           "B0p1",
		PreviousWinner: "me",
		NewWinner:      "rival",
		BuyBoxLost:     true,
		Offers: []domain.Offer{
			{SellerID: "rival", Price: 18.5},
			{SellerID: "me", Price: 20},
		},
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)

	events, err := f.store.ListEvents(ctx, "B0p1", time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.BuyBoxLoss, events[0].Type)
	assert.Equal(t, "Product p1", events[0].ProductTitle)
	require.NotNil(t, events[0].NewWinner)
	assert.Equal(t, "rival", events[0].NewWinner.SellerID)
	assert.Empty(t, f.market.updateCalls(), "price-change rule ignores buy-box flips")
}

func TestOrchestrator_SecondaryActionFollowsSuccess(t *testing.T) {
	f := newOrchestratorFixture(t)
	r := testRule("r1")
	r.Actions.Secondary = []domain.SecondaryAction{{
		Action: domain.ActionSpec{Kind: domain.ActAdjustAmount, Adjust: &domain.AdjustParams{Amount: 0.5}},
	}}
	seedRule(t, f.store, r)
	seedProduct(t, f.store, testProduct("p1", 20, 10))

	res, err := f.o.TriggerRule(context.Background(), "r1", nil, domain.SourceManual)
	require.NoError(t, err)
	s := f.wait(t, res.Session.ID)

	assert.Equal(t, 1, s.SuccessfulUpdates)
	assert.Len(t, s.Results, 1, "secondary results stay out of the session")
	assert.Equal(t, []float64{19, 19.5}, f.market.updateCalls())
	assert.InDelta(t, 19.5, f.price(t, "p1"), 1e-9)
}

func TestOrchestrator_DelayedSecondaryTimerIsForgottenOnceFired(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.o.delayUnit = 10 * time.Millisecond
	r := testRule("r1")
	r.Actions.Secondary = []domain.SecondaryAction{{
		Action:       domain.ActionSpec{Kind: domain.ActAdjustAmount, Adjust: &domain.AdjustParams{Amount: 0.5}},
		DelayMinutes: 2,
	}}
	seedRule(t, f.store, r)
	seedProduct(t, f.store, testProduct("p1", 20, 10))

	res, err := f.o.TriggerRule(context.Background(), "r1", nil, domain.SourceManual)
	require.NoError(t, err)
	f.wait(t, res.Session.ID)

	assert.Eventually(t, func() bool { return len(f.market.updateCalls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []float64{19, 19.5}, f.market.updateCalls())
	assert.Eventually(t, func() bool { return f.o.pendingTimers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_StopCancelsPendingSecondary(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.o.delayUnit = time.Hour
	r := testRule("r1")
	r.Actions.Secondary = []domain.SecondaryAction{{
		Action:       domain.ActionSpec{Kind: domain.ActAdjustAmount, Adjust: &domain.AdjustParams{Amount: 0.5}},
		DelayMinutes: 1,
	}}
	seedRule(t, f.store, r)
	seedProduct(t, f.store, testProduct("p1", 20, 10))

	res, err := f.o.TriggerRule(context.Background(), "r1", nil, domain.SourceManual)
	require.NoError(t, err)
	f.wait(t, res.Session.ID)
	assert.Eventually(t, func() bool { return f.o.pendingTimers() == 1 }, time.Second, 5*time.Millisecond)

	f.o.Stop()
	assert.Equal(t, 0, f.o.pendingTimers())
	assert.Equal(t, []float64{19}, f.market.updateCalls())
}

func TestOrchestrator_OptimizeProduct(t *testing.T) {
	f := newOrchestratorFixture(t)
	r := testRule("r1")
	r.Constraints.Pricing.MinPrice = 19
	seedRule(t, f.store, r)
	seedProduct(t, f.store, testProduct("p1", 20, 10))
	ctx := context.Background()
	require.NoError(t, f.store.UpsertCompetitor(ctx, domain.Competitor{
		ASIN: "B0p1", SellerID: "rival", CurrentPrice: 18.5, Status: domain.CompetitorActive, Stock: 5,
	}))

	res, err := f.o.OptimizeProduct(ctx, "p1", "r1", domain.BusinessGoals{})
	require.NoError(t, err)
	assert.Equal(t, 20.0, res.CurrentPrice)
	assert.GreaterOrEqual(t, res.RecommendedPrice, 19.0)
	assert.Equal(t, domain.ActOptimize, res.Source)
	assert.Empty(t, f.market.updateCalls(), "optimize is advisory")

	_, err = f.o.OptimizeProduct(ctx, "p1", "nope", domain.BusinessGoals{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrchestrator_RecordBuyBoxEventValidates(t *testing.T) {
	f := newOrchestratorFixture(t)
	_, err := f.o.RecordBuyBoxEvent(context.Background(), domain.BuyBoxEvent{ASIN: "B0p1", Type: "DRAW"})
	assert.True(t, domain.IsValidationError(err))

	ev, err := f.o.RecordBuyBoxEvent(context.Background(), domain.BuyBoxEvent{
		ASIN:      "B0p1",
		Type:      domain.BuyBoxWin,
		NewWinner: &domain.SellerSnapshot{SellerID: "me", Price: 19},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
}
