package engine

import (
	"fmt"
	"sync"
)

// PairState is the lifecycle of one (rule, product) firing.
type PairState string

const (
	PairIdle       PairState = "IDLE"
	PairEvaluating PairState = "EVALUATING"
	PairRejected   PairState = "REJECTED"
	PairAccepted   PairState = "ACCEPTED"
	PairExecuting  PairState = "EXECUTING"
	PairCompleted  PairState = "COMPLETED"
	PairFailed     PairState = "FAILED"
)

var pairTransitions = map[PairState][]PairState{
	PairIdle:       {PairEvaluating},
	PairEvaluating: {PairRejected, PairAccepted},
	PairAccepted:   {PairExecuting, PairCompleted, PairFailed},
	PairExecuting:  {PairCompleted, PairFailed},
}

// PairTracker holds in-flight (rule, product) states. Idle pairs are not
// stored, so nothing outlives a firing.
type PairTracker struct {
	mu     sync.Mutex
	states map[string]PairState
}

func NewPairTracker() *PairTracker {
	return &PairTracker{states: make(map[string]PairState)}
}

// PairHandle drives one pair through its states. A nil handle is valid and
// does nothing; Begin returns nil when the pair is already in flight.
type PairHandle struct {
	t   *PairTracker
	key string
}

// Begin moves an idle pair to EVALUATING.
func (t *PairTracker) Begin(ruleID, productID string) *PairHandle {
	key := ruleID + "|" + productID
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.states[key]; busy {
		return nil
	}
	t.states[key] = PairEvaluating
	return &PairHandle{t: t, key: key}
}

// State returns the current state of a pair.
func (t *PairTracker) State(ruleID, productID string) PairState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[ruleID+"|"+productID]; ok {
		return s
	}
	return PairIdle
}

// InFlight is the number of pairs not idle.
func (t *PairTracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

func (h *PairHandle) move(to PairState) error {
	if h == nil {
		return nil
	}
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	from, ok := h.t.states[h.key]
	if !ok {
		from = PairIdle
	}
	for _, allowed := range pairTransitions[from] {
		if allowed == to {
			switch to {
			case PairRejected, PairCompleted, PairFailed:
				delete(h.t.states, h.key)
			default:
				h.t.states[h.key] = to
			}
			return nil
		}
	}
	return fmt.Errorf("pair %s: illegal transition %s -> %s", h.key, from, to)
}

func (h *PairHandle) Reject() error    { return h.move(PairRejected) }
func (h *PairHandle) Accept() error    { return h.move(PairAccepted) }
func (h *PairHandle) Executing() error { return h.move(PairExecuting) }
func (h *PairHandle) Complete() error  { return h.move(PairCompleted) }
func (h *PairHandle) Fail() error      { return h.move(PairFailed) }
