package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/distlock"
	"github.com/ignite/repricer/internal/pkg/logger"
)

// ProcessFunc produces the result for one target product of a session.
type ProcessFunc func(ctx context.Context, product domain.ProductRef) domain.ExecutionResult

// SessionManager owns RepricingSession records: it allows one RUNNING
// session per rule, fans products out to a bounded worker pool and writes
// the terminal fields.
type SessionManager struct {
	store       SessionStore
	locks       distlock.Factory
	lockTTL     time.Duration
	concurrency int
	now         func() time.Time
	log         *logger.Logger

	mu       sync.Mutex
	byRule   map[string]*sessionRun
	byID     map[string]*sessionRun
	onFinish []func(*domain.RepricingSession)
}

type sessionRun struct {
	lock    distlock.DistLock
	targets []domain.ProductRef
	stop    chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	session  *domain.RepricingSession
	recorded map[string]bool
	running  bool
	stopped  bool
	finished bool
	stopOnce sync.Once
}

// NewSessionManager creates a manager running at most concurrency products
// of a session in parallel.
func NewSessionManager(store SessionStore, locks distlock.Factory, concurrency int, lockTTL time.Duration) *SessionManager {
	if concurrency < 1 {
		concurrency = 1
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	if locks == nil {
		locks = distlock.NewLocalFactory()
	}
	return &SessionManager{
		store:       store,
		locks:       locks,
		lockTTL:     lockTTL,
		concurrency: concurrency,
		now:         time.Now,
		log:         logger.With("component", "session"),
		byRule:      make(map[string]*sessionRun),
		byID:        make(map[string]*sessionRun),
	}
}

// OnFinish registers a hook called with a copy of every finished session.
func (m *SessionManager) OnFinish(fn func(*domain.RepricingSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinish = append(m.onFinish, fn)
}

func sessionLockKey(ruleID string) string { return "session:rule:" + ruleID }

// Start opens a RUNNING session for rule over targets, deduplicated by
// product id. If the rule already has a RUNNING session, Start returns that
// session together with ErrSessionRunning.
func (m *SessionManager) Start(ctx context.Context, rule *domain.RepricingRule, source domain.TriggerSource, targets []domain.ProductRef) (*domain.RepricingSession, error) {
	if r, ok := m.active(rule.ID); ok {
		return r.snapshot(), ErrSessionRunning
	}
	lock := m.locks.New(sessionLockKey(rule.ID), m.lockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		existing, ferr := m.store.FindRunningSession(ctx, rule.ID)
		if ferr != nil {
			m.log.Warn("session lock held but no running session found", "rule_id", rule.ID, "error", ferr)
			return nil, ErrSessionRunning
		}
		return existing, ErrSessionRunning
	}
	if other, ok := m.active(rule.ID); ok {
		_ = lock.Release(context.WithoutCancel(ctx))
		return other.snapshot(), ErrSessionRunning
	}

	seen := make(map[string]bool, len(targets))
	unique := make([]domain.ProductRef, 0, len(targets))
	for _, p := range targets {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		unique = append(unique, p)
	}

	s := &domain.RepricingSession{
		ID:            uuid.New().String(),
		RuleID:        rule.ID,
		Status:        domain.SessionRunning,
		TriggerSource: source,
		StartedAt:     m.now(),
		TotalProducts: len(unique),
	}
	if err := m.store.CreateSession(ctx, s.Clone()); err != nil {
		_ = lock.Release(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("create session: %w", err)
	}

	r := &sessionRun{
		lock:     lock,
		targets:  unique,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		session:  s,
		recorded: make(map[string]bool, len(unique)),
	}
	m.mu.Lock()
	m.byRule[rule.ID] = r
	m.byID[s.ID] = r
	m.mu.Unlock()
	m.log.Info("session started", "session_id", s.ID, "rule_id", rule.ID, "source", source, "products", len(unique))
	return s.Clone(), nil
}

// Abort records a session that failed before any product could be
// processed: status FAILED, zero products. A RUNNING session for the rule
// is returned as-is with ErrSessionRunning.
func (m *SessionManager) Abort(ctx context.Context, rule *domain.RepricingRule, source domain.TriggerSource, cause error) (*domain.RepricingSession, error) {
	if r, ok := m.active(rule.ID); ok {
		return r.snapshot(), ErrSessionRunning
	}

	now := m.now()
	s := &domain.RepricingSession{
		ID:            uuid.New().String(),
		RuleID:        rule.ID,
		Status:        domain.SessionFailed,
		TriggerSource: source,
		StartedAt:     now,
		CompletedAt:   &now,
		Error:         cause.Error(),
	}
	if err := m.store.CreateSession(ctx, s.Clone()); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := m.store.FinishSession(ctx, s.Clone()); err != nil {
		return nil, fmt.Errorf("finish session: %w", err)
	}
	m.log.Error("session aborted", "session_id", s.ID, "rule_id", rule.ID, "error", cause)
	m.notify(s)
	return s, nil
}

// Run processes every target through the worker pool and finishes the
// session. Products not started when the session is stopped or ctx is
// cancelled are recorded as SKIPPED.
func (m *SessionManager) Run(ctx context.Context, id string, process ProcessFunc) (*domain.RepricingSession, error) {
	r := m.run(id)
	if r == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionFinished)
	}
	r.mu.Lock()
	if r.running || r.finished {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s already running", id)
	}
	r.running = true
	r.mu.Unlock()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		m.heartbeat(hbCtx, r)
	}()

	jobs := make(chan domain.ProductRef)
	var wg sync.WaitGroup
	workers := m.concurrency
	if len(r.targets) < workers {
		workers = len(r.targets)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				if r.isStopped() || ctx.Err() != nil {
					continue
				}
				m.record(ctx, r, process(ctx, p))
			}
		}()
	}

feed:
	for _, p := range r.targets {
		if r.isStopped() {
			break
		}
		select {
		case jobs <- p:
		case <-r.stop:
			break feed
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	stopHeartbeat()
	<-hbDone

	return m.complete(context.WithoutCancel(ctx), r, ctx.Err())
}

// heartbeat keeps the session lock alive every third of its TTL. Losing the
// lock stops the session so a second RUNNING session cannot overlap it.
func (m *SessionManager) heartbeat(ctx context.Context, r *sessionRun) {
	every := m.lockTTL / 3
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		err := r.lock.Extend(ctx, m.lockTTL)
		switch {
		case err == nil:
		case errors.Is(err, distlock.ErrNotOwner):
			r.mu.Lock()
			r.stopped = true
			r.session.Error = "session lock lost"
			id, ruleID := r.session.ID, r.session.RuleID
			r.mu.Unlock()
			r.stopOnce.Do(func() { close(r.stop) })
			m.log.Error("session lock lost, stopping session", "session_id", id, "rule_id", ruleID)
			return
		case ctx.Err() != nil:
			return
		default:
			m.log.Warn("extend session lock failed", "session_id", r.snapshot().ID, "error", err)
		}
	}
}

// Stop asks a running session to stop. In-flight products finish; the rest
// are skipped. The returned session may still be RUNNING until they do.
func (m *SessionManager) Stop(ctx context.Context, id string) (*domain.RepricingSession, error) {
	r := m.run(id)
	if r == nil {
		s, err := m.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Terminal() {
			return s, ErrSessionFinished
		}
		return s, fmt.Errorf("session %s is not owned by this process", id)
	}

	r.mu.Lock()
	r.stopped = true
	started := r.running
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stop) })
	m.log.Info("session stop requested", "session_id", id)

	if !started {
		return m.complete(ctx, r, nil)
	}
	return r.snapshot(), nil
}

// Complete finishes a session whose products have all produced a result,
// or which was stopped.
func (m *SessionManager) Complete(ctx context.Context, id string) (*domain.RepricingSession, error) {
	r := m.run(id)
	if r == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionFinished)
	}
	r.mu.Lock()
	pending := r.session.Processed() < r.session.TotalProducts && !r.stopped
	r.mu.Unlock()
	if pending {
		return r.snapshot(), ErrSessionPending
	}
	return m.complete(ctx, r, nil)
}

// Get returns the live state of an owned session, else the stored record.
func (m *SessionManager) Get(ctx context.Context, id string) (*domain.RepricingSession, error) {
	if r := m.run(id); r != nil {
		return r.snapshot(), nil
	}
	return m.store.GetSession(ctx, id)
}

// Active returns the RUNNING session of a rule owned by this process.
func (m *SessionManager) Active(ruleID string) (*domain.RepricingSession, bool) {
	r, ok := m.active(ruleID)
	if !ok {
		return nil, false
	}
	return r.snapshot(), true
}

// Wait blocks until the session finishes or ctx is done.
func (m *SessionManager) Wait(ctx context.Context, id string) (*domain.RepricingSession, error) {
	if r := m.run(id); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.store.GetSession(ctx, id)
}

func (m *SessionManager) active(ruleID string) (*sessionRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byRule[ruleID]
	return r, ok
}

func (m *SessionManager) run(id string) *sessionRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

func (m *SessionManager) record(ctx context.Context, r *sessionRun, res domain.ExecutionResult) {
	r.mu.Lock()
	if r.finished || r.recorded[res.ProductID] {
		r.mu.Unlock()
		return
	}
	r.recorded[res.ProductID] = true
	r.session.Record(res)
	id := r.session.ID
	r.mu.Unlock()

	if err := m.store.AppendResult(context.WithoutCancel(ctx), id, res); err != nil {
		m.log.Error("append session result failed", "session_id", id, "product_id", res.ProductID, "error", err)
	}
}

// complete skips whatever was not processed and writes the terminal state.
func (m *SessionManager) complete(ctx context.Context, r *sessionRun, cause error) (*domain.RepricingSession, error) {
	now := m.now()
	reason := "session stopped"
	if cause != nil {
		reason = "session cancelled"
	}
	for _, p := range r.targets {
		r.mu.Lock()
		done := r.recorded[p.ID] || r.finished
		r.mu.Unlock()
		if done {
			continue
		}
		m.record(ctx, r, domain.ExecutionResult{
			ProductID:  p.ID,
			ASIN:       p.ASIN,
			Outcome:    domain.OutcomeSkipped,
			OldPrice:   p.CurrentPrice,
			NewPrice:   p.CurrentPrice,
			Reason:     reason,
			ExecutedAt: now,
		})
	}

	r.mu.Lock()
	if r.finished {
		s := r.session.Clone()
		r.mu.Unlock()
		return s, ErrSessionFinished
	}
	r.finished = true
	s := r.session
	switch {
	case r.stopped || cause != nil:
		s.Status = domain.SessionStopped
		if cause != nil {
			s.Error = cause.Error()
		}
	default:
		s.Status = domain.SessionCompleted
	}
	s.CompletedAt = &now
	s.Summarize(now)
	final := s.Clone()
	r.mu.Unlock()

	if err := m.store.FinishSession(ctx, final.Clone()); err != nil {
		m.log.Error("finish session failed", "session_id", final.ID, "error", err)
	}
	m.mu.Lock()
	delete(m.byRule, final.RuleID)
	delete(m.byID, final.ID)
	m.mu.Unlock()

	if err := r.lock.Release(ctx); err != nil {
		m.log.Warn("release session lock failed", "rule_id", final.RuleID, "error", err)
	}

	m.log.Info("session finished",
		"session_id", final.ID,
		"status", final.Status,
		"successful", final.SuccessfulUpdates,
		"failed", final.FailedUpdates,
		"skipped", final.SkippedUpdates,
	)
	m.notify(final)
	close(r.done)
	return final, nil
}

func (m *SessionManager) notify(s *domain.RepricingSession) {
	m.mu.Lock()
	hooks := append([]func(*domain.RepricingSession){}, m.onFinish...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(s.Clone())
	}
}

func (r *sessionRun) snapshot() *domain.RepricingSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Clone()
}

func (r *sessionRun) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}
