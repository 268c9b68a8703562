package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/distlock"
	"github.com/ignite/repricer/internal/pkg/logger"
)

// TriggerFunc starts a SCHEDULE session for a rule.
type TriggerFunc func(ctx context.Context, rule *domain.RepricingRule) error

// Scheduler fires rules whose nextExecutionTime has passed. Only the
// instance holding the tick lock runs a given tick.
type Scheduler struct {
	rules   RuleStore
	trigger TriggerFunc
	locks   distlock.Factory
	tick    time.Duration
	now     func() time.Time
	log     *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler ticking every tick (default 30s).
func NewScheduler(rules RuleStore, trigger TriggerFunc, locks distlock.Factory, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	if locks == nil {
		locks = distlock.NewLocalFactory()
	}
	return &Scheduler{
		rules:   rules,
		trigger: trigger,
		locks:   locks,
		tick:    tick,
		now:     time.Now,
		log:     logger.With("component", "scheduler"),
	}
}

// Start runs the tick loop until Stop or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.log.Info("scheduler started", "tick", s.tick.String())
	return nil
}

// Stop halts the loop and waits for the current tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunOnce fires every due rule and returns how many were triggered. Rules
// without a nextExecutionTime get one computed and wait for it.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	lock := s.locks.New("scheduler:tick", s.tick)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire scheduler lock: %w", err)
	}
	if !ok {
		return 0, nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release scheduler lock failed", "error", err)
		}
	}()

	rules, err := s.rules.ListRules(ctx, domain.RuleFilter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list rules: %w", err)
	}

	now := s.now()
	fired := 0
	for i := range rules {
		r := &rules[i]
		if r.Schedule == nil || !r.Evaluable() {
			continue
		}
		next := r.Counters.NextExecutionTime
		if next != nil && next.After(now) {
			continue
		}
		if next != nil {
			err := s.trigger(ctx, r)
			switch {
			case err == nil:
				fired++
			case errors.Is(err, ErrConcurrencyConflict):
				s.log.Debug("scheduled trigger skipped", "rule_id", r.ID, "reason", err)
			default:
				s.log.Error("scheduled trigger failed", "rule_id", r.ID, "error", err)
			}
		}
		s.advance(ctx, r, now)
	}
	return fired, nil
}

func (s *Scheduler) advance(ctx context.Context, r *domain.RepricingRule, now time.Time) {
	var next *time.Time
	if t, ok := r.Schedule.NextRun(now); ok {
		next = &t
	}
	if err := s.rules.SetNextExecution(ctx, r.ID, next); err != nil {
		s.log.Error("set next execution failed", "rule_id", r.ID, "error", err)
	}
}
