package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/distlock"
	"github.com/ignite/repricer/internal/pkg/logger"
)

// Deps are the collaborators of the engine. Forecast, Archive, History and
// Notifier are optional.
type Deps struct {
	Rules       RuleStore
	Sessions    SessionStore
	Competitors CompetitorStore
	Events      EventLog
	Changes     PriceChangeLog
	Catalog     ProductCatalog
	Marketplace MarketplaceClient
	Forecast    ForecastProvider
	Guard       FiringGuard
	Locks       distlock.Factory
	Archive     Archiver
	History     PriceHistory
	Notifier    *Notifier
}

// Options tune the engine's worker pools.
type Options struct {
	SessionConcurrency int
	SessionLockTTL     time.Duration
	MarketplaceTimeout time.Duration
	SignalBuffer       int
	SignalWorkers      int
	SchedulerTick      time.Duration
	MonitorJitter      float64
	MonitorResync      time.Duration
	OurSellerID        string
	DisableMonitor     bool
	DisableScheduler   bool
}

// TriggerResult is the session a trigger produced, or the RUNNING session
// it ran into (Existing).
type TriggerResult struct {
	Session  *domain.RepricingSession
	Existing bool
}

// Orchestrator connects the monitor, evaluator, optimizer, executor and
// session manager into the signal -> rule -> price change flow.
type Orchestrator struct {
	deps Deps
	opts Options

	evaluator *Evaluator
	optimizer *Optimizer
	pricer    *Pricer
	executor  *Executor
	monitor   *Monitor
	analyzer  *Analyzer
	sessions  *SessionManager
	scheduler *Scheduler
	pairs     *PairTracker
	signals   chan domain.MarketSignal
	log       *logger.Logger

	mu        sync.Mutex
	base      context.Context
	cancel    context.CancelFunc
	running   bool
	timers    map[uint64]*time.Timer
	timerSeq  uint64
	delayUnit time.Duration
	wg        sync.WaitGroup
}

// NewOrchestrator wires the engine components.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if deps.Guard == nil {
		deps.Guard = NewMemoryGuard()
	}
	if deps.Locks == nil {
		deps.Locks = distlock.NewLocalFactory()
	}
	if opts.SignalBuffer <= 0 {
		opts.SignalBuffer = 256
	}
	if opts.SignalWorkers <= 0 {
		opts.SignalWorkers = 4
	}

	o := &Orchestrator{
		deps:    deps,
		opts:    opts,
		pairs:   NewPairTracker(),
		signals: make(chan domain.MarketSignal, opts.SignalBuffer),
		base:    context.Background(),
		timers:  make(map[uint64]*time.Timer),
		log:     logger.With("component", "orchestrator"),
	}
	o.delayUnit = time.Minute
	o.evaluator = NewEvaluator(deps.Guard)
	o.optimizer = NewOptimizer(deps.Forecast)
	o.pricer = NewPricer(o.optimizer)
	o.executor = NewExecutor(deps.Marketplace, deps.Rules, deps.Changes, deps.Catalog, opts.MarketplaceTimeout)
	o.analyzer = NewAnalyzer(deps.Events, deps.Archive, opts.OurSellerID)
	o.sessions = NewSessionManager(deps.Sessions, deps.Locks, opts.SessionConcurrency, opts.SessionLockTTL)
	o.sessions.OnFinish(o.sessionFinished)
	o.monitor = NewMonitor(deps.Competitors, deps.Marketplace, o.enqueue, MonitorConfig{
		OurSellerID: opts.OurSellerID,
		Jitter:      opts.MonitorJitter,
		Resync:      opts.MonitorResync,
		History:     deps.History,
	})
	o.scheduler = NewScheduler(deps.Rules, o.scheduledTrigger, deps.Locks, opts.SchedulerTick)
	return o
}

func (o *Orchestrator) Monitor() *Monitor          { return o.monitor }
func (o *Orchestrator) Analyzer() *Analyzer        { return o.analyzer }
func (o *Orchestrator) Sessions() *SessionManager  { return o.sessions }
func (o *Orchestrator) Pairs() *PairTracker        { return o.pairs }
func (o *Orchestrator) Optimizer() *Optimizer      { return o.optimizer }
func (o *Orchestrator) PriceHistory() PriceHistory { return o.deps.History }

// Start launches the signal workers and, unless disabled, the competitor
// monitor and the rule scheduler.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	o.base, o.cancel, o.running = ctx, cancel, true
	o.mu.Unlock()

	for i := 0; i < o.opts.SignalWorkers; i++ {
		o.wg.Add(1)
		go o.signalWorker(ctx)
	}
	if !o.opts.DisableMonitor {
		if err := o.monitor.Start(ctx); err != nil {
			o.Stop()
			return err
		}
	}
	if !o.opts.DisableScheduler {
		if err := o.scheduler.Start(ctx); err != nil {
			o.Stop()
			return err
		}
	}
	o.log.Info("engine started",
		"signal_workers", o.opts.SignalWorkers,
		"monitor", !o.opts.DisableMonitor,
		"scheduler", !o.opts.DisableScheduler,
	)
	return nil
}

// Stop halts the background loops. Running sessions see their context
// cancelled and skip the products they have not started.
func (o *Orchestrator) Stop() {
	o.scheduler.Stop()
	o.monitor.Stop()

	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	o.running = false
	o.mu.Unlock()

	o.wg.Wait()
	o.log.Info("engine stopped")
}

func (o *Orchestrator) baseContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.base
}

// TriggerRule starts a session for the rule over productIDs, or over every
// product the rule targets when productIDs is empty. The session runs in
// the background; a RUNNING session for the rule is returned instead of
// starting a second one.
func (o *Orchestrator) TriggerRule(ctx context.Context, ruleID string, productIDs []string, source domain.TriggerSource) (TriggerResult, error) {
	rule, err := o.deps.Rules.GetRule(ctx, ruleID)
	if err != nil {
		return TriggerResult{}, err
	}
	if !rule.Evaluable() {
		return TriggerResult{}, fmt.Errorf("rule %s (%s): %w", rule.ID, rule.Status, ErrRuleNotActive)
	}

	targets, err := o.resolveTargets(ctx, rule, productIDs)
	if err != nil {
		s, aerr := o.sessions.Abort(ctx, rule, source, err)
		if errors.Is(aerr, ErrSessionRunning) {
			return TriggerResult{Session: s, Existing: true}, nil
		}
		if aerr != nil {
			return TriggerResult{}, aerr
		}
		return TriggerResult{Session: s}, nil
	}

	s, err := o.sessions.Start(ctx, rule, source, targets)
	if errors.Is(err, ErrSessionRunning) {
		if s == nil {
			return TriggerResult{}, err
		}
		o.log.Info("rule already running", "rule_id", rule.ID, "session_id", s.ID)
		return TriggerResult{Session: s, Existing: true}, nil
	}
	if err != nil {
		return TriggerResult{}, err
	}

	sig := domain.MarketSignal{Kind: domain.SignalManual, OccurredAt: s.StartedAt}
	if source == domain.SourceSchedule {
		sig.Kind = domain.SignalScheduleTick
	}
	o.launch(s.ID, rule, sig, nil)
	return TriggerResult{Session: s}, nil
}

func (o *Orchestrator) scheduledTrigger(ctx context.Context, rule *domain.RepricingRule) error {
	res, err := o.TriggerRule(ctx, rule.ID, nil, domain.SourceSchedule)
	if err != nil {
		return err
	}
	if res.Existing {
		return ErrSessionRunning
	}
	return nil
}

func (o *Orchestrator) resolveTargets(ctx context.Context, rule *domain.RepricingRule, productIDs []string) ([]domain.ProductRef, error) {
	if len(productIDs) > 0 {
		out := make([]domain.ProductRef, 0, len(productIDs))
		for _, id := range productIDs {
			p, err := o.deps.Catalog.GetProduct(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("resolve product %s: %w", id, err)
			}
			out = append(out, *p)
		}
		return out, nil
	}
	all, err := o.deps.Catalog.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	out := make([]domain.ProductRef, 0, len(all))
	for _, p := range all {
		if rule.Target.Selects(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// launch runs a session in the background. pre carries an evaluation that
// was already accepted for the session's single product.
func (o *Orchestrator) launch(sessionID string, rule *domain.RepricingRule, sig domain.MarketSignal, pre *Evaluation) {
	ctx := o.baseContext()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_, err := o.sessions.Run(ctx, sessionID, func(ctx context.Context, p domain.ProductRef) domain.ExecutionResult {
			return o.processProduct(ctx, rule, p, sig, pre)
		})
		if err != nil {
			o.log.Error("session run failed", "session_id", sessionID, "error", err)
		}
	}()
}

// HandleSignal routes one market signal: buy-box flips are recorded, then
// the highest-priority active rule that accepts the signal for the product
// gets an EVENT session.
func (o *Orchestrator) HandleSignal(ctx context.Context, sig domain.MarketSignal) error {
	product, err := o.signalProduct(ctx, sig)
	if err != nil {
		return err
	}
	if sig.Kind == domain.SignalBuyBoxChange {
		if err := o.analyzer.ObserveSignal(ctx, sig, product); err != nil {
			o.log.Warn("buy box event not recorded", "asin", sig.ASIN, "error", err)
		}
	}
	if product == nil {
		return nil
	}

	rules, err := o.deps.Rules.ListRules(ctx, domain.RuleFilter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	for i := range rules {
		rule := &rules[i]
		ev, err := o.evaluator.Evaluate(ctx, rule, *product, sig)
		if err != nil {
			o.log.Error("evaluate failed", "rule_id", rule.ID, "product_id", product.ID, "error", err)
			continue
		}
		if !ev.Matched {
			continue
		}

		s, err := o.sessions.Start(ctx, rule, domain.SourceEvent, []domain.ProductRef{*product})
		if err != nil {
			if rerr := o.evaluator.Release(ctx, rule, product.ID, ev); rerr != nil {
				o.log.Warn("release firing failed", "rule_id", rule.ID, "error", rerr)
			}
			if errors.Is(err, ErrConcurrencyConflict) {
				o.log.Info("signal ignored: rule busy", "rule_id", rule.ID, "signal", sig.Kind)
				continue
			}
			return err
		}
		o.log.Info("signal accepted", "rule_id", rule.ID, "product_id", product.ID, "signal", sig.Kind, "session_id", s.ID)
		o.launch(s.ID, rule, sig, &ev)
		return nil
	}
	return nil
}

func (o *Orchestrator) signalProduct(ctx context.Context, sig domain.MarketSignal) (*domain.ProductRef, error) {
	var (
		p   *domain.ProductRef
		err error
	)
	if sig.ProductID != "" {
		p, err = o.deps.Catalog.GetProduct(ctx, sig.ProductID)
	} else {
		p, err = o.deps.Catalog.GetProductByASIN(ctx, sig.ASIN)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func (o *Orchestrator) enqueue(sig domain.MarketSignal) {
	ctx := o.baseContext()
	select {
	case o.signals <- sig:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) signalWorker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-o.signals:
			if err := o.HandleSignal(ctx, sig); err != nil {
				o.log.Error("signal handling failed", "signal", sig.Kind, "asin", sig.ASIN, "error", err)
			}
		}
	}
}

// processProduct is one session step: evaluate (unless pre-accepted),
// price, execute, notify, then schedule secondary actions.
func (o *Orchestrator) processProduct(ctx context.Context, rule *domain.RepricingRule, p domain.ProductRef, sig domain.MarketSignal, pre *Evaluation) domain.ExecutionResult {
	h := o.pairs.Begin(rule.ID, p.ID)
	if h == nil {
		return o.executor.Skip(ctx, rule, p, "rule already in flight for product", "concurrency")
	}

	if pre == nil {
		ev, err := o.evaluator.Evaluate(ctx, rule, p, sig)
		if err != nil {
			_ = h.Reject()
			return o.finishResult(ctx, rule, o.executor.Fail(ctx, rule, p, err))
		}
		if !ev.Matched {
			_ = h.Reject()
			return o.finishResult(ctx, rule, o.executor.Skip(ctx, rule, p, ev.Reason, "trigger"))
		}
	}
	_ = h.Accept()

	competitors, err := o.deps.Competitors.ListCompetitors(ctx, p.ASIN)
	if err != nil {
		_ = h.Fail()
		return o.finishResult(ctx, rule, o.executor.Fail(ctx, rule, p, fmt.Errorf("list competitors: %w", err)))
	}
	offers := Offers(rule.Constraints.Competition, competitors)

	cand, err := o.pricer.Candidate(ctx, rule, rule.Actions.Primary, p, offers)
	if err != nil {
		var cv *ConstraintViolation
		if errors.As(err, &cv) {
			_ = h.Complete()
			return o.finishResult(ctx, rule, o.executor.Skip(ctx, rule, p, cv.Detail, cv.Constraint))
		}
		_ = h.Fail()
		return o.finishResult(ctx, rule, o.executor.Fail(ctx, rule, p, err))
	}

	_ = h.Executing()
	res := o.executor.Execute(ctx, rule, p, cand, competitors)
	if res.Outcome == domain.OutcomeFailed {
		_ = h.Fail()
	} else {
		_ = h.Complete()
	}
	o.finishResult(ctx, rule, res)

	if res.Outcome == domain.OutcomeSuccess {
		p.CurrentPrice = res.NewPrice
		o.secondary(rule, p, sig)
	}
	return res
}

func (o *Orchestrator) finishResult(ctx context.Context, rule *domain.RepricingRule, res domain.ExecutionResult) domain.ExecutionResult {
	if o.deps.Notifier != nil {
		o.deps.Notifier.NotifyResult(ctx, rule, res)
	}
	return res
}

// secondary runs the rule's follow-up actions whose gate matches. Their
// results update rule counters but are not part of the session.
func (o *Orchestrator) secondary(rule *domain.RepricingRule, p domain.ProductRef, sig domain.MarketSignal) {
	for i, sa := range rule.Actions.Secondary {
		if sa.Condition != nil {
			ok, err := o.evaluator.Match(*sa.Condition, p, sig)
			if err != nil {
				o.log.Warn("secondary condition failed", "rule_id", rule.ID, "index", i, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		action := sa.Action
		run := func() {
			o.runSecondary(o.baseContext(), rule, p.ID, action, i)
		}
		if sa.DelayMinutes <= 0 {
			run()
			continue
		}
		o.after(time.Duration(sa.DelayMinutes)*o.delayUnit, run)
	}
}

// after schedules fn and forgets the timer once it fires.
func (o *Orchestrator) after(d time.Duration, fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timerSeq++
	id := o.timerSeq
	o.timers[id] = time.AfterFunc(d, func() {
		o.mu.Lock()
		delete(o.timers, id)
		o.mu.Unlock()
		fn()
	})
}

func (o *Orchestrator) pendingTimers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.timers)
}

func (o *Orchestrator) runSecondary(ctx context.Context, rule *domain.RepricingRule, productID string, action domain.ActionSpec, index int) {
	if ctx.Err() != nil {
		return
	}
	p, err := o.deps.Catalog.GetProduct(ctx, productID)
	if err != nil {
		o.log.Warn("secondary action: product lookup failed", "rule_id", rule.ID, "product_id", productID, "error", err)
		return
	}
	competitors, err := o.deps.Competitors.ListCompetitors(ctx, p.ASIN)
	if err != nil {
		o.log.Warn("secondary action: competitors lookup failed", "rule_id", rule.ID, "error", err)
		return
	}
	cand, err := o.pricer.Candidate(ctx, rule, action, *p, Offers(rule.Constraints.Competition, competitors))
	if err != nil {
		o.log.Info("secondary action produced no price", "rule_id", rule.ID, "index", index, "error", err)
		return
	}
	res := o.executor.Execute(ctx, rule, *p, cand, competitors)
	o.log.Info("secondary action executed", "rule_id", rule.ID, "index", index, "product_id", productID, "outcome", res.Outcome)
	o.finishResult(ctx, rule, res)
}

func (o *Orchestrator) sessionFinished(s *domain.RepricingSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if o.deps.Archive != nil {
		if err := o.deps.Archive.ArchiveSession(ctx, s); err != nil {
			o.log.Warn("archive session failed", "session_id", s.ID, "error", err)
		}
	}
	rule, err := o.deps.Rules.GetRule(ctx, s.RuleID)
	if err != nil {
		o.log.Warn("session rule lookup failed", "session_id", s.ID, "rule_id", s.RuleID, "error", err)
		return
	}
	if s.SuccessfulUpdates+s.FailedUpdates > 0 {
		var delta float64
		for _, r := range s.Results {
			delta += r.MarginDelta
		}
		if s.SuccessfulUpdates > 0 {
			delta /= float64(s.SuccessfulUpdates)
		}
		perf := rule.Performance.Fold(s.PerformanceMetrics.SuccessRate, delta)
		if err := o.deps.Rules.UpdatePerformance(ctx, rule.ID, perf); err != nil {
			o.log.Warn("update rule performance failed", "rule_id", rule.ID, "error", err)
		}
	}
	if o.deps.Notifier != nil {
		o.deps.Notifier.NotifySession(ctx, rule, s)
	}
}

// OptimizeProduct computes a recommendation without executing it. With a
// rule id the rule's pricing constraints and trust filter apply.
func (o *Orchestrator) OptimizeProduct(ctx context.Context, productID, ruleID string, goals domain.BusinessGoals) (domain.PriceOptimizationResult, error) {
	p, err := o.deps.Catalog.GetProduct(ctx, productID)
	if err != nil {
		return domain.PriceOptimizationResult{}, err
	}
	var rule *domain.RepricingRule
	cc := domain.CompetitionConstraints{}
	if ruleID != "" {
		if rule, err = o.deps.Rules.GetRule(ctx, ruleID); err != nil {
			return domain.PriceOptimizationResult{}, err
		}
		cc = rule.Constraints.Competition
	}
	competitors, err := o.deps.Competitors.ListCompetitors(ctx, p.ASIN)
	if err != nil {
		return domain.PriceOptimizationResult{}, fmt.Errorf("list competitors: %w", err)
	}
	action := domain.ActionSpec{Kind: domain.ActOptimize, Optimize: &domain.OptimizeParams{Goals: goals}}
	if rule != nil && rule.Actions.Primary.Kind == domain.ActOptimize && rule.Actions.Primary.Optimize != nil {
		action.Optimize.TargetMarginPercent = rule.Actions.Primary.Optimize.TargetMarginPercent
	}
	return o.optimizer.Optimize(ctx, OptimizationRequest(rule, action, *p, Offers(cc, competitors)))
}

// GetSession returns the live or stored session.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (*domain.RepricingSession, error) {
	return o.sessions.Get(ctx, id)
}

// StopSession requests cooperative cancellation of a session.
func (o *Orchestrator) StopSession(ctx context.Context, id string) (*domain.RepricingSession, error) {
	return o.sessions.Stop(ctx, id)
}

// RecordBuyBoxEvent records a WIN or LOSS reported by the caller.
func (o *Orchestrator) RecordBuyBoxEvent(ctx context.Context, ev domain.BuyBoxEvent) (domain.BuyBoxEvent, error) {
	switch ev.Type {
	case domain.BuyBoxWin:
		return o.analyzer.RecordWin(ctx, ev)
	case domain.BuyBoxLoss:
		return o.analyzer.RecordLoss(ctx, ev)
	}
	return domain.BuyBoxEvent{}, ev.Validate()
}
