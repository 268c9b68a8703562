// Package memory holds in-process implementations of the engine's storage
// interfaces. It backs dev mode (no DATABASE_URL) and the tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ignite/repricer/internal/domain"
)

// Store implements every repository the engine and rule service need.
// It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	rules       map[string]*domain.RepricingRule
	sessions    map[string]*domain.RepricingSession
	competitors map[string]domain.Competitor
	events      []domain.BuyBoxEvent
	changes     map[string][]time.Time
	products    map[string]domain.ProductRef
}

func NewStore() *Store {
	return &Store{
		rules:       make(map[string]*domain.RepricingRule),
		sessions:    make(map[string]*domain.RepricingSession),
		competitors: make(map[string]domain.Competitor),
		changes:     make(map[string][]time.Time),
		products:    make(map[string]domain.ProductRef),
	}
}

// copyVia deep-copies through JSON; every domain type round-trips.
func copyVia[T any](v *T) *T {
	b, _ := json.Marshal(v)
	out := new(T)
	_ = json.Unmarshal(b, out)
	return out
}

// ---- rules ----

func (s *Store) CreateRule(_ context.Context, r *domain.RepricingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = copyVia(r)
	return nil
}

func (s *Store) GetRule(_ context.Context, id string) (*domain.RepricingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyVia(r), nil
}

// UpdateRule replaces the definition; counters and performance are kept.
func (s *Store) UpdateRule(_ context.Context, r *domain.RepricingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rules[r.ID]
	if !ok {
		return domain.ErrNotFound
	}
	next := copyVia(r)
	next.Counters = cur.Counters
	next.Performance = cur.Performance
	next.CreatedAt = cur.CreatedAt
	s.rules[r.ID] = next
	return nil
}

// ListRules returns matching rules by descending priority, then creation.
func (s *Store) ListRules(_ context.Context, f domain.RuleFilter) ([]domain.RepricingRule, error) {
	s.mu.RLock()
	out := make([]domain.RepricingRule, 0, len(s.rules))
	for _, r := range s.rules {
		if f.Matches(r) {
			out = append(out, *copyVia(r))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) RecordExecution(_ context.Context, ruleID string, outcome domain.Outcome, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return domain.ErrNotFound
	}
	c := &r.Counters
	c.TotalExecutions++
	switch outcome {
	case domain.OutcomeSuccess:
		c.SuccessfulExecutions++
	case domain.OutcomeFailed:
		c.FailedExecutions++
	default:
		c.SkippedExecutions++
	}
	t := at
	c.LastExecutionTime = &t
	return nil
}

func (s *Store) SetNextExecution(_ context.Context, ruleID string, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return domain.ErrNotFound
	}
	if next == nil {
		r.Counters.NextExecutionTime = nil
		return nil
	}
	t := *next
	r.Counters.NextExecutionTime = &t
	return nil
}

func (s *Store) UpdatePerformance(_ context.Context, ruleID string, perf domain.RulePerformance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return domain.ErrNotFound
	}
	r.Performance = perf
	return nil
}

// ---- sessions ----

func (s *Store) CreateSession(_ context.Context, sess *domain.RepricingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *Store) AppendResult(_ context.Context, sessionID string, r domain.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	sess.Record(r)
	return nil
}

// FinishSession writes the terminal fields. Results already appended are
// kept as-is.
func (s *Store) FinishSession(_ context.Context, sess *domain.RepricingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if !ok {
		return domain.ErrNotFound
	}
	next := sess.Clone()
	if len(cur.Results) > len(next.Results) {
		next.Results = append([]domain.ExecutionResult(nil), cur.Results...)
	}
	s.sessions[sess.ID] = next
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.RepricingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *Store) FindRunningSession(_ context.Context, ruleID string) (*domain.RepricingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.RuleID == ruleID && sess.Status == domain.SessionRunning {
			return sess.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

// ---- competitors ----

func (s *Store) UpsertCompetitor(_ context.Context, c domain.Competitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.competitors[c.Key()] = *copyVia(&c)
	return nil
}

func (s *Store) GetCompetitor(_ context.Context, asin, sellerID string) (*domain.Competitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.competitors[domain.CompetitorKey(asin, sellerID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyVia(&c), nil
}

// ListCompetitors returns the competitors of an ASIN, or all when asin is empty.
func (s *Store) ListCompetitors(_ context.Context, asin string) ([]domain.Competitor, error) {
	return s.competitorsWhere(func(c domain.Competitor) bool {
		return asin == "" || c.ASIN == asin
	}), nil
}

func (s *Store) ListMonitoredCompetitors(_ context.Context) ([]domain.Competitor, error) {
	return s.competitorsWhere(domain.Competitor.Polled), nil
}

func (s *Store) competitorsWhere(keep func(domain.Competitor) bool) []domain.Competitor {
	s.mu.RLock()
	out := make([]domain.Competitor, 0)
	for _, c := range s.competitors {
		if keep(c) {
			out = append(out, *copyVia(&c))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ---- buy box events ----

func (s *Store) AppendEvent(_ context.Context, ev domain.BuyBoxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *copyVia(&ev))
	return nil
}

func (s *Store) LastEvent(_ context.Context, asin string, typ domain.BuyBoxEventType) (*domain.BuyBoxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *domain.BuyBoxEvent
	for i := range s.events {
		ev := &s.events[i]
		if ev.ASIN != asin || ev.Type != typ {
			continue
		}
		if last == nil || !ev.Timestamp.Before(last.Timestamp) {
			last = ev
		}
	}
	if last == nil {
		return nil, domain.ErrNotFound
	}
	return copyVia(last), nil
}

func (s *Store) ListEvents(_ context.Context, asin string, since time.Time) ([]domain.BuyBoxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.BuyBoxEvent
	for i := range s.events {
		ev := s.events[i]
		if ev.ASIN == asin && !ev.Timestamp.Before(since) {
			out = append(out, *copyVia(&ev))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ---- price changes ----

func (s *Store) RecordPriceChange(_ context.Context, productID string, _, _ float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[productID] = append(s.changes[productID], at)
	return nil
}

func (s *Store) CountPriceChanges(_ context.Context, productID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, at := range s.changes[productID] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

// ---- products ----

// UpsertProduct seeds or replaces a catalog entry.
func (s *Store) UpsertProduct(_ context.Context, p domain.ProductRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = *copyVia(&p)
	return nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.ProductRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyVia(&p), nil
}

func (s *Store) GetProductByASIN(_ context.Context, asin string) (*domain.ProductRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.products {
		if p.ASIN == asin {
			return copyVia(&p), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListProducts(_ context.Context) ([]domain.ProductRef, error) {
	s.mu.RLock()
	out := make([]domain.ProductRef, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *copyVia(&p))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateProductPrice(_ context.Context, id string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.CurrentPrice = price
	s.products[id] = p
	return nil
}
