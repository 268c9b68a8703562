package engine

import (
	"errors"
	"fmt"
)

// ErrConcurrencyConflict is the root of every "someone else got there
// first" rejection: cooldown, daily cap, running session.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

var (
	ErrCooldownActive  = fmt.Errorf("%w: cooldown active", ErrConcurrencyConflict)
	ErrDailyCapReached = fmt.Errorf("%w: daily execution cap reached", ErrConcurrencyConflict)
	ErrSessionRunning  = fmt.Errorf("%w: session already running for rule", ErrConcurrencyConflict)

	ErrNoFeasiblePrice = errors.New("no candidate price satisfies the pricing constraints")
	ErrRuleNotActive   = errors.New("rule is not active")
	ErrSessionFinished = errors.New("session already finished")
	ErrSessionPending  = errors.New("session has unprocessed products")
)

// ConstraintViolation names the gate a candidate price failed.
type ConstraintViolation struct {
	Constraint string
	Detail     string
	Err        error
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("constraint %s violated: %s", e.Constraint, e.Detail)
}

func (e *ConstraintViolation) Unwrap() error { return e.Err }

func violation(constraint, format string, args ...interface{}) *ConstraintViolation {
	return &ConstraintViolation{Constraint: constraint, Detail: fmt.Sprintf(format, args...)}
}

// ExternalCallError wraps a failed or timed-out marketplace/data-source call.
type ExternalCallError struct {
	Op  string
	Err error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// IsConstraintViolation reports whether err wraps a *ConstraintViolation.
func IsConstraintViolation(err error) bool {
	var cv *ConstraintViolation
	return errors.As(err, &cv)
}
