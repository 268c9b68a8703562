package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/repository/memory"
)

type recordedHistory struct {
	mu  sync.Mutex
	obs []domain.PriceObservation
}

func (h *recordedHistory) RecordObservation(_ context.Context, o domain.PriceObservation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.obs = append(h.obs, o)
	return nil
}

func (h *recordedHistory) History(_ context.Context, asin, sellerID string, since time.Time) ([]domain.PriceObservation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.PriceObservation
	for _, o := range h.obs {
		if o.ASIN == asin && o.SellerID == sellerID && !o.ObservedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

type monitorFixture struct {
	store   *memory.Store
	market  *fakeMarket
	history *recordedHistory
	mon     *Monitor

	mu      sync.Mutex
	emitted []domain.MarketSignal
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	f := &monitorFixture{
		store:   memory.NewStore(),
		market:  newFakeMarket(),
		history: &recordedHistory{},
	}
	f.mon = NewMonitor(f.store, f.market, func(s domain.MarketSignal) {
		f.mu.Lock()
		f.emitted = append(f.emitted, s)
		f.mu.Unlock()
	}, MonitorConfig{OurSellerID: "me", History: f.history})
	return f
}

// observe adds the competitor and records a first observation of offers.
func (f *monitorFixture) observe(t *testing.T, c domain.Competitor, offers ...domain.Offer) domain.Competitor {
	t.Helper()
	added, err := f.mon.Add(context.Background(), c)
	require.NoError(t, err)
	f.market.setOffers(c.ASIN, offers...)
	signals, updated, err := f.mon.Poll(context.Background(), added)
	require.NoError(t, err)
	require.Empty(t, signals, "first observation emits nothing")
	return updated
}

func (f *monitorFixture) poll(t *testing.T, c domain.Competitor, offers ...domain.Offer) ([]domain.MarketSignal, domain.Competitor) {
	t.Helper()
	f.market.setOffers(c.ASIN, offers...)
	signals, updated, err := f.mon.Poll(context.Background(), c)
	require.NoError(t, err)
	return signals, updated
}

func TestMonitor_SmallMoveBelowThresholdIsDebounced(t *testing.T) {
	f := newMonitorFixture(t)
	c := f.observe(t, domain.Competitor{
		ASIN:          "B01",
		SellerID:      "comp",
		AlertSettings: domain.AlertSettings{Thresholds: domain.AlertThresholds{PriceChangePercentage: 1}},
	}, domain.Offer{SellerID: "comp", Price: 15.00, Stock: 3})

	signals, updated := f.poll(t, c, domain.Offer{SellerID: "comp", Price: 15.02, Stock: 3})
	assert.Empty(t, signals)
	assert.Equal(t, 15.02, updated.CurrentPrice)
	assert.Equal(t, 0.0, updated.PreviousPrice)

	stored, err := f.store.GetCompetitor(context.Background(), "B01", "comp")
	require.NoError(t, err)
	assert.Equal(t, 15.02, stored.CurrentPrice)
	assert.Empty(t, f.emitted)
}

func TestMonitor_PriceChangeEmitted(t *testing.T) {
	f := newMonitorFixture(t)
	c := f.observe(t, domain.Competitor{
		ASIN:          "B01",
		SellerID:      "comp",
		AlertSettings: domain.AlertSettings{Thresholds: domain.AlertThresholds{PriceChangePercentage: 1}},
	}, domain.Offer{SellerID: "comp", Price: 15.00, Stock: 3})

	signals, updated := f.poll(t, c, domain.Offer{SellerID: "comp", Price: 14.00, Stock: 3})
	require.Len(t, signals, 1)
	s := signals[0]
	assert.Equal(t, domain.SignalPriceChange, s.Kind)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 15.0, s.OldPrice)
	assert.Equal(t, 14.0, s.NewPrice)
	assert.InDelta(t, -6.6667, s.ChangePercent, 1e-4)
	assert.Equal(t, 15.0, updated.PreviousPrice)
	assert.Equal(t, 14.0, updated.CurrentPrice)

	f.mu.Lock()
	assert.Len(t, f.emitted, 1)
	f.mu.Unlock()

	hist, err := f.history.History(context.Background(), "B01", "comp", time.Time{})
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestMonitor_BuyBoxFlips(t *testing.T) {
	f := newMonitorFixture(t)
	c := f.observe(t, domain.Competitor{ASIN: "B02", SellerID: "comp"},
		domain.Offer{SellerID: "comp", Price: 10, Stock: 5},
		domain.Offer{SellerID: "me", Price: 10.5, Stock: 5, IsBuyBoxWinner: true},
	)

	signals, c := f.poll(t, c,
		domain.Offer{SellerID: "comp", Price: 10, Stock: 5, IsBuyBoxWinner: true},
		domain.Offer{SellerID: "me", Price: 10.5, Stock: 5},
	)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SignalBuyBoxChange, signals[0].Kind)
	assert.True(t, signals[0].BuyBoxLost)
	assert.False(t, signals[0].BuyBoxWon)
	assert.Equal(t, "comp", signals[0].NewWinner)
	assert.Len(t, signals[0].Offers, 2)

	signals, _ = f.poll(t, c,
		domain.Offer{SellerID: "comp", Price: 10, Stock: 5},
		domain.Offer{SellerID: "me", Price: 9.9, Stock: 5, IsBuyBoxWinner: true},
	)
	require.Len(t, signals, 1)
	assert.True(t, signals[0].BuyBoxWon)
	assert.False(t, signals[0].BuyBoxLost)
	assert.Equal(t, "comp", signals[0].PreviousWinner)
	assert.Equal(t, "me", signals[0].NewWinner)
}

func TestMonitor_BuyBoxHolderVanishes(t *testing.T) {
	f := newMonitorFixture(t)
	c := f.observe(t, domain.Competitor{ASIN: "B02", SellerID: "rival"},
		domain.Offer{SellerID: "rival", Price: 10, Stock: 5, IsBuyBoxWinner: true},
		domain.Offer{SellerID: "me", Price: 10.5, Stock: 5},
	)
	require.True(t, c.BuyBoxWinner)

	signals, c := f.poll(t, c, domain.Offer{SellerID: "me", Price: 10.5, Stock: 5, IsBuyBoxWinner: true})
	require.Len(t, signals, 1)
	s := signals[0]
	assert.Equal(t, domain.SignalBuyBoxChange, s.Kind)
	assert.Equal(t, "rival", s.PreviousWinner)
	assert.Equal(t, "me", s.NewWinner)
	assert.True(t, s.BuyBoxWon)
	assert.False(t, s.BuyBoxLost)
	assert.False(t, c.BuyBoxWinner)
	assert.Equal(t, domain.CompetitorInactive, c.Status)

	// still absent: nothing more to report
	signals, _ = f.poll(t, c, domain.Offer{SellerID: "me", Price: 10.5, Stock: 5, IsBuyBoxWinner: true})
	assert.Empty(t, signals)
}

func TestMonitor_BuyBoxHolderVanishesWithStockout(t *testing.T) {
	f := newMonitorFixture(t)
	c := f.observe(t, domain.Competitor{
		ASIN:          "B02",
		SellerID:      "rival",
		AlertSettings: domain.AlertSettings{Stockout: true},
	},
		domain.Offer{SellerID: "rival", Price: 10, Stock: 5, IsBuyBoxWinner: true},
		domain.Offer{SellerID: "other", Price: 10.2, Stock: 5},
	)

	signals, _ := f.poll(t, c, domain.Offer{SellerID: "other", Price: 10.2, Stock: 5, IsBuyBoxWinner: true})
	require.Len(t, signals, 2)
	assert.Equal(t, domain.SignalBuyBoxChange, signals[0].Kind)
	assert.Equal(t, "other", signals[0].NewWinner)
	assert.False(t, signals[0].BuyBoxWon)
	assert.Equal(t, domain.SignalStockout, signals[1].Kind)
}

func TestMonitor_Stockout(t *testing.T) {
	f := newMonitorFixture(t)
	c := f.observe(t, domain.Competitor{
		ASIN:          "B03",
		SellerID:      "comp",
		AlertSettings: domain.AlertSettings{Stockout: true},
	}, domain.Offer{SellerID: "comp", Price: 10, Stock: 2})

	signals, c := f.poll(t, c, domain.Offer{SellerID: "comp", Price: 10, Stock: 0})
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SignalStockout, signals[0].Kind)

	// already at zero: no repeat
	signals, c = f.poll(t, c, domain.Offer{SellerID: "comp", Price: 10, Stock: 0})
	assert.Empty(t, signals)

	signals, c = f.poll(t, c, domain.Offer{SellerID: "comp", Price: 10, Stock: 4})
	assert.Empty(t, signals)

	signals, c = f.poll(t, c)
	require.Len(t, signals, 1, "a vanished offer is a stockout")
	assert.Equal(t, domain.SignalStockout, signals[0].Kind)
	assert.Equal(t, domain.CompetitorInactive, c.Status)
	assert.Equal(t, 0, c.Stock)

	_, c = f.poll(t, c, domain.Offer{SellerID: "comp", Price: 11, Stock: 1})
	assert.Equal(t, domain.CompetitorActive, c.Status)
}

func TestMonitor_FetchErrorKeepsState(t *testing.T) {
	f := newMonitorFixture(t)
	c := f.observe(t, domain.Competitor{ASIN: "B04", SellerID: "comp"}, domain.Offer{SellerID: "comp", Price: 10})

	f.market.fetchErr = errors.New("throttled")
	_, _, err := f.mon.Poll(context.Background(), c)
	var ext *ExternalCallError
	require.ErrorAs(t, err, &ext)

	stored, err := f.store.GetCompetitor(context.Background(), "B04", "comp")
	require.NoError(t, err)
	assert.Equal(t, 10.0, stored.CurrentPrice)
}

func TestMonitor_AddValidatesAndDefaults(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	_, err := f.mon.Add(ctx, domain.Competitor{ASIN: "B05", SellerID: "x", MonitoringFrequency: 2})
	assert.True(t, domain.IsValidationError(err))

	c, err := f.mon.Add(ctx, domain.Competitor{ASIN: "B05", SellerID: "x"})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMonitoringFrequency, c.MonitoringFrequency)
	assert.Equal(t, domain.CompetitorActive, c.Status)
	assert.True(t, c.IsMonitored)
	assert.Nil(t, c.LastScrapedAt)
}

func TestMonitor_RemoveIsSoftDelete(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	_, err := f.mon.Add(ctx, domain.Competitor{ASIN: "B06", SellerID: "x"})
	require.NoError(t, err)

	require.NoError(t, f.mon.Remove(ctx, "B06", "x"))
	c, err := f.store.GetCompetitor(ctx, "B06", "x")
	require.NoError(t, err)
	assert.Equal(t, domain.CompetitorRemoved, c.Status)
	assert.False(t, c.IsMonitored)

	_, _, err = f.mon.ForcePoll(ctx, "B06", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, f.mon.Remove(ctx, "B06", "missing"), domain.ErrNotFound)
}

func TestMonitor_StartStopWorkers(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	for _, seller := range []string{"a", "b"} {
		require.NoError(t, f.store.UpsertCompetitor(ctx, domain.Competitor{
			ASIN: "B07", SellerID: seller, IsMonitored: true, Status: domain.CompetitorActive, MonitoringFrequency: 60,
		}))
	}
	require.NoError(t, f.store.UpsertCompetitor(ctx, domain.Competitor{
		ASIN: "B07", SellerID: "off", IsMonitored: false, MonitoringFrequency: 60,
	}))

	require.NoError(t, f.mon.Start(ctx))
	assert.Error(t, f.mon.Start(ctx))
	assert.Equal(t, 2, f.mon.Workers())

	_, err := f.mon.Add(ctx, domain.Competitor{ASIN: "B07", SellerID: "c"})
	require.NoError(t, err)
	assert.Equal(t, 3, f.mon.Workers())

	_, err = f.mon.Update(ctx, domain.Competitor{ASIN: "B07", SellerID: "c", IsMonitored: false})
	require.NoError(t, err)
	assert.Equal(t, 2, f.mon.Workers())

	require.NoError(t, f.mon.Remove(ctx, "B07", "a"))
	assert.Equal(t, 1, f.mon.Workers())

	f.mon.Stop()
	assert.Equal(t, 0, f.mon.Workers())
}

func TestMonitor_WorkerPollsOnSchedule(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	f.market.setOffers("B08", domain.Offer{SellerID: "comp", Price: 10})
	require.NoError(t, f.store.UpsertCompetitor(ctx, domain.Competitor{
		ASIN: "B08", SellerID: "comp", IsMonitored: true, Status: domain.CompetitorActive, MonitoringFrequency: 5,
	}))

	// run the loop directly with a short interval
	wctx, cancel := context.WithCancel(ctx)
	f.mon.wg.Add(1)
	go f.mon.run(wctx, &monitorWorker{cancel: cancel, interval: 10 * time.Millisecond}, "B08", "comp")

	assert.Eventually(t, func() bool {
		c, err := f.store.GetCompetitor(ctx, "B08", "comp")
		return err == nil && c.LastScrapedAt != nil
	}, time.Second, 5*time.Millisecond)
	cancel()
	f.mon.wg.Wait()
}

func TestExceedsThreshold(t *testing.T) {
	tests := []struct {
		name     string
		th       domain.AlertThresholds
		old, cur float64
		want     bool
	}{
		{"no thresholds", domain.AlertThresholds{}, 10, 10.01, true},
		{"percent below", domain.AlertThresholds{PriceChangePercentage: 5}, 10, 10.4, false},
		{"percent at", domain.AlertThresholds{PriceChangePercentage: 5}, 10, 10.5, true},
		{"amount alternative", domain.AlertThresholds{PriceChangePercentage: 50, PriceChangeAmount: 0.25}, 10, 10.25, true},
		{"drop override", domain.AlertThresholds{PriceChangePercentage: 1, PriceDropPercentage: 10}, 10, 9.5, false},
		{"drop override ignores rise", domain.AlertThresholds{PriceChangePercentage: 1, PriceDropPercentage: 10}, 10, 10.5, true},
		{"rise override", domain.AlertThresholds{PriceRisePercentage: 2}, 10, 10.1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exceedsThreshold(tt.th, tt.old, tt.cur))
		})
	}
}

func TestMonitor_ResyncPicksUpCompetitorsFromAnotherProcess(t *testing.T) {
	store := memory.NewStore()
	market := newFakeMarket()
	ctx := context.Background()

	// api side never starts its monitor
	api := NewMonitor(store, market, nil, MonitorConfig{OurSellerID: "me"})
	worker := NewMonitor(store, market, nil, MonitorConfig{OurSellerID: "me", Resync: 10 * time.Millisecond})
	require.NoError(t, worker.Start(ctx))
	defer worker.Stop()
	assert.Equal(t, 0, worker.Workers())

	_, err := api.Add(ctx, domain.Competitor{ASIN: "B09", SellerID: "comp", MonitoringFrequency: 60})
	require.NoError(t, err)
	assert.Equal(t, 0, api.Workers())
	assert.Eventually(t, func() bool { return worker.Workers() == 1 }, time.Second, 5*time.Millisecond)

	_, err = api.Update(ctx, domain.Competitor{ASIN: "B09", SellerID: "comp", IsMonitored: true, MonitoringFrequency: 15})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		worker.mu.Lock()
		defer worker.mu.Unlock()
		w, ok := worker.workers[domain.CompetitorKey("B09", "comp")]
		return ok && w.interval == 15*time.Minute
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, api.Remove(ctx, "B09", "comp"))
	assert.Eventually(t, func() bool { return worker.Workers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMonitor_ResyncRestartsOnFrequencyChange(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertCompetitor(ctx, domain.Competitor{
		ASIN: "B10", SellerID: "comp", IsMonitored: true, Status: domain.CompetitorActive, MonitoringFrequency: 60,
	}))
	require.NoError(t, f.mon.Start(ctx))
	defer f.mon.Stop()

	key := domain.CompetitorKey("B10", "comp")
	f.mon.mu.Lock()
	first := f.mon.workers[key]
	f.mon.mu.Unlock()
	require.NotNil(t, first)

	require.NoError(t, f.store.UpsertCompetitor(ctx, domain.Competitor{
		ASIN: "B10", SellerID: "comp", IsMonitored: true, Status: domain.CompetitorActive, MonitoringFrequency: 30,
	}))
	require.NoError(t, f.mon.Resync(ctx))

	f.mon.mu.Lock()
	second := f.mon.workers[key]
	f.mon.mu.Unlock()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Equal(t, 30*time.Minute, second.interval)
	assert.Equal(t, 1, f.mon.Workers())

	// unchanged frequency keeps the running worker
	require.NoError(t, f.mon.Resync(ctx))
	f.mon.mu.Lock()
	assert.Same(t, second, f.mon.workers[key])
	f.mon.mu.Unlock()
}

func TestMonitor_ResyncBeforeStartIsNoop(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertCompetitor(ctx, domain.Competitor{
		ASIN: "B11", SellerID: "comp", IsMonitored: true, Status: domain.CompetitorActive, MonitoringFrequency: 60,
	}))
	require.NoError(t, f.mon.Resync(ctx))
	assert.Equal(t, 0, f.mon.Workers())
}

func TestMonitor_WorkerDropsItsEntryWhenNoLongerPolled(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertCompetitor(ctx, domain.Competitor{
		ASIN: "B12", SellerID: "comp", IsMonitored: true, Status: domain.CompetitorActive, MonitoringFrequency: 60,
	}))
	require.NoError(t, f.mon.Start(ctx))
	defer f.mon.Stop()

	key := domain.CompetitorKey("B12", "comp")
	f.mon.mu.Lock()
	w := f.mon.workers[key]
	f.mon.mu.Unlock()
	require.NotNil(t, w)

	// swap in a short-interval worker, then turn monitoring off behind its back
	f.mon.stopWorker(key)
	require.NoError(t, f.store.UpsertCompetitor(ctx, domain.Competitor{
		ASIN: "B12", SellerID: "comp", IsMonitored: false, Status: domain.CompetitorActive, MonitoringFrequency: 60,
	}))
	f.mon.mu.Lock()
	wctx, cancel := context.WithCancel(f.mon.root)
	short := &monitorWorker{cancel: cancel, interval: 5 * time.Millisecond}
	f.mon.workers[key] = short
	f.mon.wg.Add(1)
	f.mon.mu.Unlock()
	go f.mon.run(wctx, short, "B12", "comp")

	assert.Eventually(t, func() bool { return f.mon.Workers() == 0 }, time.Second, 5*time.Millisecond)

	// a fresh worker can be started for the same key
	require.NoError(t, f.store.UpsertCompetitor(ctx, domain.Competitor{
		ASIN: "B12", SellerID: "comp", IsMonitored: true, Status: domain.CompetitorActive, MonitoringFrequency: 60,
	}))
	require.NoError(t, f.mon.Resync(ctx))
	assert.Equal(t, 1, f.mon.Workers())
}
