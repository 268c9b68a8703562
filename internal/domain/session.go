package domain

import (
	"math"
	"time"
)

// SessionStatus enumerates the lifecycle states of a repricing session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "RUNNING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"
	SessionStopped   SessionStatus = "STOPPED"
)

// TriggerSource records what started a session.
type TriggerSource string

const (
	SourceManual   TriggerSource = "MANUAL"
	SourceSchedule TriggerSource = "SCHEDULE"
	SourceEvent    TriggerSource = "EVENT"
)

// Outcome is the per-product result of a rule firing.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
	OutcomeSkipped Outcome = "SKIPPED"
)

// ExecutionResult is one product's entry in a session.
type ExecutionResult struct {
	ProductID        string    `json:"product_id"`
	ASIN             string    `json:"asin,omitempty"`
	Outcome          Outcome   `json:"outcome"`
	OldPrice         float64   `json:"old_price"`
	NewPrice         float64   `json:"new_price"`
	RecommendedPrice float64   `json:"recommended_price,omitempty"`
	Confidence       float64   `json:"confidence,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	Constraint       string    `json:"constraint,omitempty"`
	MarginDelta      float64   `json:"margin_delta,omitempty"`
	ExecutedAt       time.Time `json:"executed_at"`
	DurationMs       int64     `json:"duration_ms"`
}

// Changed reports whether the result moved the price.
func (r ExecutionResult) Changed() bool {
	return r.Outcome == OutcomeSuccess && !SamePrice(r.OldPrice, r.NewPrice)
}

type PriceChangesSummary struct {
	Increases            int     `json:"increases"`
	Decreases            int     `json:"decreases"`
	Unchanged            int     `json:"unchanged"`
	AverageChangePercent float64 `json:"average_change_percent"`
	MaxIncreasePercent   float64 `json:"max_increase_percent"`
	MaxDecreasePercent   float64 `json:"max_decrease_percent"`
}

type SessionMetrics struct {
	DurationMs         int64   `json:"duration_ms"`
	AverageExecutionMs float64 `json:"average_execution_ms"`
	SuccessRate        float64 `json:"success_rate"`
}

// RepricingSession groups one rule-firing episode across products. Results
// are append-only; only the terminal fields change after creation.
type RepricingSession struct {
	ID                  string              `json:"id"`
	RuleID              string              `json:"rule_id"`
	Status              SessionStatus       `json:"status"`
	TriggerSource       TriggerSource       `json:"trigger_source"`
	StartedAt           time.Time           `json:"started_at"`
	CompletedAt         *time.Time          `json:"completed_at,omitempty"`
	TotalProducts       int                 `json:"total_products"`
	SuccessfulUpdates   int                 `json:"successful_updates"`
	FailedUpdates       int                 `json:"failed_updates"`
	SkippedUpdates      int                 `json:"skipped_updates"`
	Results             []ExecutionResult   `json:"results,omitempty"`
	PriceChangesSummary PriceChangesSummary `json:"price_changes_summary"`
	PerformanceMetrics  SessionMetrics      `json:"performance_metrics"`
	Error               string              `json:"error,omitempty"`
}

// Processed is the number of products with a recorded result.
func (s *RepricingSession) Processed() int {
	return s.SuccessfulUpdates + s.FailedUpdates + s.SkippedUpdates
}

// Terminal reports whether the session has finished.
func (s *RepricingSession) Terminal() bool {
	return s.Status != SessionRunning
}

// Record appends r and bumps the matching counter.
func (s *RepricingSession) Record(r ExecutionResult) {
	s.Results = append(s.Results, r)
	switch r.Outcome {
	case OutcomeSuccess:
		s.SuccessfulUpdates++
	case OutcomeFailed:
		s.FailedUpdates++
	default:
		s.SkippedUpdates++
	}
}

// Summarize derives the aggregate summary and metrics from the results.
func (s *RepricingSession) Summarize(end time.Time) {
	var sum PriceChangesSummary
	var totalPct float64
	var changed int
	var execMs int64
	for _, r := range s.Results {
		execMs += r.DurationMs
		if r.Outcome != OutcomeSuccess {
			continue
		}
		pct := PercentChange(r.OldPrice, r.NewPrice)
		switch {
		case SamePrice(r.OldPrice, r.NewPrice):
			sum.Unchanged++
			continue
		case pct > 0:
			sum.Increases++
			sum.MaxIncreasePercent = math.Max(sum.MaxIncreasePercent, pct)
		default:
			sum.Decreases++
			sum.MaxDecreasePercent = math.Max(sum.MaxDecreasePercent, -pct)
		}
		totalPct += pct
		changed++
	}
	if changed > 0 {
		sum.AverageChangePercent = totalPct / float64(changed)
	}
	s.PriceChangesSummary = sum

	m := SessionMetrics{DurationMs: end.Sub(s.StartedAt).Milliseconds()}
	if n := len(s.Results); n > 0 {
		m.AverageExecutionMs = float64(execMs) / float64(n)
	}
	if attempted := s.SuccessfulUpdates + s.FailedUpdates; attempted > 0 {
		m.SuccessRate = float64(s.SuccessfulUpdates) / float64(attempted)
	}
	s.PerformanceMetrics = m
}

// Clone returns a deep copy safe to hand to readers.
func (s *RepricingSession) Clone() *RepricingSession {
	c := *s
	c.Results = append([]ExecutionResult(nil), s.Results...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
