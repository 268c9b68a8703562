package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/repository/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRules_UpdateKeepsCounters(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	r := &domain.RepricingRule{ID: "r1", Name: "first", Type: domain.RuleCompetitive, Status: domain.RuleActive, CreatedAt: t0}
	require.NoError(t, s.CreateRule(ctx, r))
	require.NoError(t, s.RecordExecution(ctx, "r1", domain.OutcomeSuccess, t0))
	require.NoError(t, s.RecordExecution(ctx, "r1", domain.OutcomeSkipped, t0.Add(time.Minute)))

	r.Name = "renamed"
	r.CreatedAt = t0.Add(time.Hour)
	require.NoError(t, s.UpdateRule(ctx, r))

	got, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Equal(t, int64(2), got.Counters.TotalExecutions)
	assert.Equal(t, int64(1), got.Counters.SuccessfulExecutions)
	assert.Equal(t, int64(1), got.Counters.SkippedExecutions)
	require.NotNil(t, got.Counters.LastExecutionTime)
	assert.True(t, got.Counters.LastExecutionTime.Equal(t0.Add(time.Minute)))

	got.Name = "mutated copy"
	again, _ := s.GetRule(ctx, "r1")
	assert.Equal(t, "renamed", again.Name)

	assert.ErrorIs(t, s.UpdateRule(ctx, &domain.RepricingRule{ID: "missing"}), domain.ErrNotFound)
	_, err = s.GetRule(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRules_ListOrdersByPriority(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	for _, r := range []domain.RepricingRule{
		{ID: "low", Name: "low", Type: domain.RuleCompetitive, Status: domain.RuleActive, Priority: 1, CreatedAt: t0},
		{ID: "high", Name: "high", Type: domain.RuleCompetitive, Status: domain.RuleActive, Priority: 9, CreatedAt: t0},
		{ID: "paused", Name: "paused", Type: domain.RuleMarginFloor, Status: domain.RulePaused, Priority: 5, CreatedAt: t0},
	} {
		r := r
		require.NoError(t, s.CreateRule(ctx, &r))
	}

	all, err := s.ListRules(ctx, domain.RuleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"high", "paused", "low"}, []string{all[0].ID, all[1].ID, all[2].ID})

	paused, err := s.ListRules(ctx, domain.RuleFilter{Status: domain.RulePaused})
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, "paused", paused[0].ID)
}

func TestRules_SetNextExecution(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	require.NoError(t, s.CreateRule(ctx, &domain.RepricingRule{ID: "r1"}))

	next := t0.Add(time.Hour)
	require.NoError(t, s.SetNextExecution(ctx, "r1", &next))
	got, _ := s.GetRule(ctx, "r1")
	require.NotNil(t, got.Counters.NextExecutionTime)
	assert.True(t, got.Counters.NextExecutionTime.Equal(next))

	require.NoError(t, s.SetNextExecution(ctx, "r1", nil))
	got, _ = s.GetRule(ctx, "r1")
	assert.Nil(t, got.Counters.NextExecutionTime)
}

func TestSessions_FinishKeepsAppendedResults(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	sess := &domain.RepricingSession{ID: "s1", RuleID: "r1", Status: domain.SessionRunning, StartedAt: t0, TotalProducts: 2}
	require.NoError(t, s.CreateSession(ctx, sess))

	running, err := s.FindRunningSession(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "s1", running.ID)

	require.NoError(t, s.AppendResult(ctx, "s1", domain.ExecutionResult{ProductID: "p1", Outcome: domain.OutcomeSuccess}))
	require.NoError(t, s.AppendResult(ctx, "s1", domain.ExecutionResult{ProductID: "p2", Outcome: domain.OutcomeFailed}))

	done := &domain.RepricingSession{ID: "s1", RuleID: "r1", Status: domain.SessionCompleted, StartedAt: t0}
	end := t0.Add(time.Minute)
	done.CompletedAt = &end
	require.NoError(t, s.FinishSession(ctx, done))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, got.Status)
	assert.Len(t, got.Results, 2)

	_, err = s.FindRunningSession(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.AppendResult(ctx, "nope", domain.ExecutionResult{}), domain.ErrNotFound)
}

func TestCompetitors_MonitoredExcludesRemoved(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	require.NoError(t, s.UpsertCompetitor(ctx, domain.Competitor{ASIN: "A1", SellerID: "s1", IsMonitored: true, Status: domain.CompetitorActive}))
	require.NoError(t, s.UpsertCompetitor(ctx, domain.Competitor{ASIN: "A1", SellerID: "s2", IsMonitored: true, Status: domain.CompetitorRemoved}))
	require.NoError(t, s.UpsertCompetitor(ctx, domain.Competitor{ASIN: "B2", SellerID: "s1", IsMonitored: false, Status: domain.CompetitorActive}))

	forA, err := s.ListCompetitors(ctx, "A1")
	require.NoError(t, err)
	assert.Len(t, forA, 2)

	all, err := s.ListCompetitors(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	polled, err := s.ListMonitoredCompetitors(ctx)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	assert.Equal(t, "s1", polled[0].SellerID)
	assert.Equal(t, "A1", polled[0].ASIN)

	_, err = s.GetCompetitor(ctx, "A1", "s9")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEvents_LastAndSince(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	require.NoError(t, s.AppendEvent(ctx, domain.BuyBoxEvent{ID: "e2", ASIN: "A1", Type: domain.BuyBoxLoss, Timestamp: t0.Add(2 * time.Hour)}))
	require.NoError(t, s.AppendEvent(ctx, domain.BuyBoxEvent{ID: "e1", ASIN: "A1", Type: domain.BuyBoxLoss, Timestamp: t0}))
	require.NoError(t, s.AppendEvent(ctx, domain.BuyBoxEvent{ID: "e3", ASIN: "A1", Type: domain.BuyBoxWin, Timestamp: t0.Add(time.Hour)}))

	last, err := s.LastEvent(ctx, "A1", domain.BuyBoxLoss)
	require.NoError(t, err)
	assert.Equal(t, "e2", last.ID)

	_, err = s.LastEvent(ctx, "B2", domain.BuyBoxWin)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	evs, err := s.ListEvents(ctx, "A1", t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "e3", evs[0].ID)
	assert.Equal(t, "e2", evs[1].ID)
}

func TestPriceChangesAndProducts(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	require.NoError(t, s.RecordPriceChange(ctx, "p1", 10, 9, t0))
	require.NoError(t, s.RecordPriceChange(ctx, "p1", 9, 8, t0.Add(2*time.Hour)))

	n, err := s.CountPriceChanges(ctx, "p1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.UpsertProduct(ctx, domain.ProductRef{ID: "p2", ASIN: "B2", CurrentPrice: 5}))
	require.NoError(t, s.UpsertProduct(ctx, domain.ProductRef{ID: "p1", ASIN: "A1", CurrentPrice: 10}))
	require.NoError(t, s.UpdateProductPrice(ctx, "p1", 9.5))

	p, err := s.GetProductByASIN(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, 9.5, p.CurrentPrice)

	list, err := s.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0].ID)

	assert.ErrorIs(t, s.UpdateProductPrice(ctx, "nope", 1), domain.ErrNotFound)
}
