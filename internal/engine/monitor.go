package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/logger"
)

// Monitor polls competitor listings, one worker per monitored competitor,
// and emits market signals. It is the only writer of Competitor records.
type Monitor struct {
	store       CompetitorStore
	market      MarketplaceClient
	history     PriceHistory
	ourSellerID string
	emit        func(domain.MarketSignal)
	jitter      float64
	now         func() time.Time
	log         *logger.Logger

	resync      time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	root    context.Context
	cancel  context.CancelFunc
	workers map[string]*monitorWorker
	polling map[string]*sync.Mutex
	wg      sync.WaitGroup
}

type monitorWorker struct {
	cancel   context.CancelFunc
	interval time.Duration
}

// MonitorConfig configures a Monitor. Jitter is the fraction (0..1) by which
// each polling interval is randomly stretched or shrunk. A positive Resync
// re-reads the monitored set from the store on that period, so competitors
// added or changed by another process get workers here.
type MonitorConfig struct {
	OurSellerID string
	Jitter      float64
	History     PriceHistory
	Resync      time.Duration
}

// NewMonitor creates a monitor. emit receives every signal produced by a
// poll; it may block to apply backpressure.
func NewMonitor(store CompetitorStore, market MarketplaceClient, emit func(domain.MarketSignal), cfg MonitorConfig) *Monitor {
	if emit == nil {
		emit = func(domain.MarketSignal) {}
	}
	return &Monitor{
		store:       store,
		market:      market,
		history:     cfg.History,
		ourSellerID: cfg.OurSellerID,
		emit:        emit,
		jitter:      clamp(cfg.Jitter, 0, 1),
		resync:      cfg.Resync,
		now:         time.Now,
		log:         logger.With("component", "monitor"),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		workers:     make(map[string]*monitorWorker),
		polling:     make(map[string]*sync.Mutex),
	}
}

// Start launches a worker for every monitored competitor.
func (m *Monitor) Start(ctx context.Context) error {
	list, err := m.store.ListMonitoredCompetitors(ctx)
	if err != nil {
		return fmt.Errorf("list monitored competitors: %w", err)
	}
	m.mu.Lock()
	if m.root != nil {
		m.mu.Unlock()
		return errors.New("monitor already started")
	}
	m.root, m.cancel = context.WithCancel(ctx)
	root := m.root
	m.mu.Unlock()

	for _, c := range list {
		m.startWorker(c)
	}
	if m.resync > 0 {
		m.wg.Add(1)
		go m.resyncLoop(root)
	}
	m.log.Info("monitor started", "competitors", len(list), "resync", m.resync)
	return nil
}

// Stop cancels every worker and waits for in-flight polls.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for key, w := range m.workers {
		w.cancel()
		delete(m.workers, key)
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.root = nil
	m.mu.Unlock()
	m.wg.Wait()
}

// Resync reconciles running workers with the monitored set in the store.
// Workers are started for new competitors, stopped for ones no longer
// polled and restarted when the monitoring frequency changed.
func (m *Monitor) Resync(ctx context.Context) error {
	list, err := m.store.ListMonitoredCompetitors(ctx)
	if err != nil {
		return fmt.Errorf("list monitored competitors: %w", err)
	}
	want := make(map[string]domain.Competitor, len(list))
	for _, c := range list {
		if c.Polled() {
			want[c.Key()] = c
		}
	}

	m.mu.Lock()
	if m.root == nil {
		m.mu.Unlock()
		return nil
	}
	stopped, restarted := 0, 0
	for key, w := range m.workers {
		c, ok := want[key]
		switch {
		case !ok:
			stopped++
		case c.Interval() != w.interval:
			restarted++
		default:
			continue
		}
		w.cancel()
		delete(m.workers, key)
	}
	before := len(m.workers)
	m.mu.Unlock()

	for _, c := range want {
		m.startWorker(c)
	}
	if started := m.Workers() - before - restarted; stopped+restarted+started > 0 {
		m.log.Info("monitor resynced", "started", started, "stopped", stopped, "restarted", restarted)
	}
	return nil
}

func (m *Monitor) resyncLoop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.resync)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.Resync(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("monitor resync failed", "error", err)
			}
		}
	}
}

// Workers is the number of running polling workers.
func (m *Monitor) Workers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Add registers a new monitored competitor and schedules it.
func (m *Monitor) Add(ctx context.Context, c domain.Competitor) (domain.Competitor, error) {
	if c.MonitoringFrequency == 0 {
		c.MonitoringFrequency = domain.DefaultMonitoringFrequency
	}
	if c.Status == "" {
		c.Status = domain.CompetitorActive
	}
	c.IsMonitored = true
	if err := c.Validate(); err != nil {
		return domain.Competitor{}, err
	}
	now := m.now()
	c.CreatedAt, c.UpdatedAt = now, now
	c.PreviousPrice = 0
	c.LastScrapedAt = nil
	if err := m.store.UpsertCompetitor(ctx, c); err != nil {
		return domain.Competitor{}, fmt.Errorf("add competitor: %w", err)
	}
	m.startWorker(c)
	return c, nil
}

// Update changes the monitoring settings of a competitor. Observed listing
// state is kept; only the poll path changes it.
func (m *Monitor) Update(ctx context.Context, c domain.Competitor) (domain.Competitor, error) {
	lock := m.pollLock(c.Key())
	lock.Lock()
	defer lock.Unlock()

	cur, err := m.store.GetCompetitor(ctx, c.ASIN, c.SellerID)
	if err != nil {
		return domain.Competitor{}, err
	}
	next := *cur
	if c.SellerName != "" {
		next.SellerName = c.SellerName
	}
	if c.MonitoringFrequency != 0 {
		next.MonitoringFrequency = c.MonitoringFrequency
	}
	if c.Status != "" {
		next.Status = c.Status
	}
	next.IsMonitored = c.IsMonitored
	next.AlertSettings = c.AlertSettings
	next.Tags = c.Tags
	if err := next.Validate(); err != nil {
		return domain.Competitor{}, err
	}
	next.UpdatedAt = m.now()
	if err := m.store.UpsertCompetitor(ctx, next); err != nil {
		return domain.Competitor{}, fmt.Errorf("update competitor: %w", err)
	}

	m.stopWorker(next.Key())
	if next.Polled() {
		m.startWorker(next)
	}
	return next, nil
}

// Remove stops monitoring a competitor. The record stays with status REMOVED.
func (m *Monitor) Remove(ctx context.Context, asin, sellerID string) error {
	key := domain.CompetitorKey(asin, sellerID)
	m.stopWorker(key)

	lock := m.pollLock(key)
	lock.Lock()
	defer lock.Unlock()
	c, err := m.store.GetCompetitor(ctx, asin, sellerID)
	if err != nil {
		return err
	}
	c.Status = domain.CompetitorRemoved
	c.IsMonitored = false
	c.UpdatedAt = m.now()
	if err := m.store.UpsertCompetitor(ctx, *c); err != nil {
		return fmt.Errorf("remove competitor: %w", err)
	}
	return nil
}

// ForcePoll polls a competitor immediately, outside its schedule.
func (m *Monitor) ForcePoll(ctx context.Context, asin, sellerID string) ([]domain.MarketSignal, domain.Competitor, error) {
	c, err := m.store.GetCompetitor(ctx, asin, sellerID)
	if err != nil {
		return nil, domain.Competitor{}, err
	}
	if c.Status == domain.CompetitorRemoved {
		return nil, *c, fmt.Errorf("competitor %s removed: %w", c.Key(), domain.ErrNotFound)
	}
	return m.Poll(ctx, *c)
}

// Poll fetches the listing for c, persists the new snapshot and emits any
// signals.
func (m *Monitor) Poll(ctx context.Context, c domain.Competitor) ([]domain.MarketSignal, domain.Competitor, error) {
	lock := m.pollLock(c.Key())
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.market.FetchListingSnapshot(ctx, c.ASIN)
	if err != nil {
		return nil, c, &ExternalCallError{Op: "fetch listing snapshot", Err: err}
	}
	signals, updated := Detect(c, snap, m.ourSellerID, m.now())
	for i := range signals {
		signals[i].ID = uuid.New().String()
	}

	if err := m.store.UpsertCompetitor(ctx, updated); err != nil {
		return nil, c, fmt.Errorf("persist competitor: %w", err)
	}
	if m.history != nil {
		if offer, ok := snap.Offer(c.SellerID); ok {
			obs := domain.PriceObservation{
				ASIN:         c.ASIN,
				SellerID:     c.SellerID,
				Price:        offer.Price,
				BuyBoxWinner: offer.IsBuyBoxWinner,
				Stock:        offer.Stock,
				ObservedAt:   *updated.LastScrapedAt,
			}
			if err := m.history.RecordObservation(ctx, obs); err != nil {
				m.log.Warn("price history write failed", "competitor", c.Key(), "error", err)
			}
		}
	}
	for _, s := range signals {
		m.log.Info("signal emitted", "kind", s.Kind, "asin", s.ASIN, "seller_id", s.SellerID,
			"old_price", s.OldPrice, "new_price", s.NewPrice)
		m.emit(s)
	}
	return signals, updated, nil
}

// Detect compares a stored competitor against a fresh snapshot. The first
// observation only records state. Price is always refreshed; PreviousPrice
// moves only when a PRICE_CHANGE is emitted.
func Detect(c domain.Competitor, snap domain.ListingSnapshot, ourSellerID string, now time.Time) ([]domain.MarketSignal, domain.Competitor) {
	updated := c
	updated.LastScrapedAt = &now
	updated.UpdatedAt = now
	first := c.LastScrapedAt == nil

	base := domain.MarketSignal{
		ASIN:       c.ASIN,
		SellerID:   c.SellerID,
		Offers:     snap.Offers,
		OccurredAt: now,
	}

	offer, present := snap.Offer(c.SellerID)
	if !present {
		updated.Stock = 0
		updated.BuyBoxWinner = false
		if updated.Status == domain.CompetitorActive {
			updated.Status = domain.CompetitorInactive
		}
		if first {
			return nil, updated
		}
		var signals []domain.MarketSignal
		if c.BuyBoxWinner {
			sig := base
			sig.Kind = domain.SignalBuyBoxChange
			sig.PreviousWinner = c.SellerID
			if w, ok := snap.BuyBoxWinner(); ok {
				sig.NewWinner = w.SellerID
			}
			sig.BuyBoxWon = ourSellerID != "" && sig.NewWinner == ourSellerID
			signals = append(signals, sig)
		}
		if c.AlertSettings.Stockout && c.Stock > 0 {
			sig := base
			sig.Kind = domain.SignalStockout
			signals = append(signals, sig)
		}
		return signals, updated
	}

	updated.CurrentPrice = offer.Price
	updated.BuyBoxWinner = offer.IsBuyBoxWinner
	updated.Stock = offer.Stock
	updated.IsPrimeEligible = offer.IsPrimeEligible
	if offer.SellerName != "" {
		updated.SellerName = offer.SellerName
	}
	if offer.FulfillmentType != "" {
		updated.FulfillmentType = offer.FulfillmentType
	}
	if offer.SellerRating > 0 {
		updated.SellerRating = offer.SellerRating
	}
	if updated.Status == domain.CompetitorInactive {
		updated.Status = domain.CompetitorActive
	}
	if first {
		return nil, updated
	}

	var signals []domain.MarketSignal
	old := c.CurrentPrice
	if old > 0 && !domain.SamePrice(old, offer.Price) && exceedsThreshold(c.AlertSettings.Thresholds, old, offer.Price) {
		sig := base
		sig.Kind = domain.SignalPriceChange
		sig.OldPrice = old
		sig.NewPrice = offer.Price
		sig.ChangePercent = domain.PercentChange(old, offer.Price)
		signals = append(signals, sig)
		updated.PreviousPrice = old
	}

	if c.BuyBoxWinner != offer.IsBuyBoxWinner {
		sig := base
		sig.Kind = domain.SignalBuyBoxChange
		if c.BuyBoxWinner {
			sig.PreviousWinner = c.SellerID
		}
		if w, ok := snap.BuyBoxWinner(); ok {
			sig.NewWinner = w.SellerID
		}
		sig.BuyBoxLost = offer.IsBuyBoxWinner && c.SellerID != ourSellerID
		sig.BuyBoxWon = !offer.IsBuyBoxWinner && ourSellerID != "" && sig.NewWinner == ourSellerID
		signals = append(signals, sig)
	}

	if c.AlertSettings.Stockout && c.Stock > 0 && offer.Stock == 0 {
		sig := base
		sig.Kind = domain.SignalStockout
		signals = append(signals, sig)
	}
	return signals, updated
}

// exceedsThreshold applies the debounce. A direction-specific percentage
// replaces the generic one; the percentage and amount thresholds are
// alternatives. With no threshold configured any cent change counts.
func exceedsThreshold(th domain.AlertThresholds, old, cur float64) bool {
	pctTh := th.PriceChangePercentage
	if cur < old && th.PriceDropPercentage > 0 {
		pctTh = th.PriceDropPercentage
	}
	if cur > old && th.PriceRisePercentage > 0 {
		pctTh = th.PriceRisePercentage
	}
	if pctTh <= 0 && th.PriceChangeAmount <= 0 {
		return true
	}
	if pctTh > 0 && math.Abs(domain.PercentChange(old, cur)) >= pctTh {
		return true
	}
	return th.PriceChangeAmount > 0 && math.Abs(cur-old) >= th.PriceChangeAmount-1e-9
}

func (m *Monitor) pollLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.polling[key]
	if !ok {
		l = &sync.Mutex{}
		m.polling[key] = l
	}
	return l
}

func (m *Monitor) startWorker(c domain.Competitor) {
	if !c.Polled() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root == nil {
		return
	}
	key := c.Key()
	if _, running := m.workers[key]; running {
		return
	}
	ctx, cancel := context.WithCancel(m.root)
	w := &monitorWorker{cancel: cancel, interval: c.Interval()}
	m.workers[key] = w
	m.wg.Add(1)
	go m.run(ctx, w, c.ASIN, c.SellerID)
}

func (m *Monitor) stopWorker(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[key]; ok {
		w.cancel()
		delete(m.workers, key)
	}
}

// run polls one competitor until ctx ends or the competitor is no longer
// polled. The interval is re-read from the store on every pass.
func (m *Monitor) run(ctx context.Context, w *monitorWorker, asin, sellerID string) {
	defer m.wg.Done()
	key := domain.CompetitorKey(asin, sellerID)
	m.mu.Lock()
	interval := w.interval
	m.mu.Unlock()
	for {
		t := time.NewTimer(m.jittered(interval))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		c, err := m.store.GetCompetitor(ctx, asin, sellerID)
		if err != nil {
			m.log.Warn("load competitor failed", "asin", asin, "seller_id", sellerID, "error", err)
			continue
		}
		if !c.Polled() {
			m.mu.Lock()
			if m.workers[key] == w {
				delete(m.workers, key)
			}
			m.mu.Unlock()
			w.cancel()
			return
		}
		interval = c.Interval()
		m.mu.Lock()
		w.interval = interval
		m.mu.Unlock()
		if _, _, err := m.Poll(ctx, *c); err != nil && ctx.Err() == nil {
			m.log.Warn("poll failed", "asin", asin, "seller_id", sellerID, "error", err)
		}
	}
}

func (m *Monitor) jittered(d time.Duration) time.Duration {
	if m.jitter == 0 {
		return d
	}
	m.mu.Lock()
	f := 1 + m.jitter*(2*m.rng.Float64()-1)
	m.mu.Unlock()
	return time.Duration(float64(d) * f)
}
