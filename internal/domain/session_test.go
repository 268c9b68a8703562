package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRepricingSession_RecordAndSummarize(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &RepricingSession{ID: "s1", Status: SessionRunning, StartedAt: start, TotalProducts: 4}

	s.Record(ExecutionResult{ProductID: "a", Outcome: OutcomeSuccess, OldPrice: 20, NewPrice: 19, DurationMs: 10})
	s.Record(ExecutionResult{ProductID: "b", Outcome: OutcomeSuccess, OldPrice: 10, NewPrice: 11, DurationMs: 20})
	s.Record(ExecutionResult{ProductID: "c", Outcome: OutcomeFailed, OldPrice: 5, DurationMs: 30})
	s.Record(ExecutionResult{ProductID: "d", Outcome: OutcomeSkipped, Reason: "cooldown active"})

	assert.Equal(t, 4, s.Processed())
	assert.Equal(t, 2, s.SuccessfulUpdates)
	assert.Equal(t, 1, s.FailedUpdates)
	assert.Equal(t, 1, s.SkippedUpdates)

	s.Summarize(start.Add(2 * time.Second))
	assert.Equal(t, 1, s.PriceChangesSummary.Increases)
	assert.Equal(t, 1, s.PriceChangesSummary.Decreases)
	assert.InDelta(t, 10.0, s.PriceChangesSummary.MaxIncreasePercent, 1e-9)
	assert.InDelta(t, 5.0, s.PriceChangesSummary.MaxDecreasePercent, 1e-9)
	assert.InDelta(t, 2.5, s.PriceChangesSummary.AverageChangePercent, 1e-9)
	assert.Equal(t, int64(2000), s.PerformanceMetrics.DurationMs)
	assert.InDelta(t, 2.0/3.0, s.PerformanceMetrics.SuccessRate, 1e-9)
	assert.InDelta(t, 15.0, s.PerformanceMetrics.AverageExecutionMs, 1e-9)
}

func TestRepricingSession_CloneIsolatesResults(t *testing.T) {
	s := &RepricingSession{ID: "s1"}
	s.Record(ExecutionResult{ProductID: "a", Outcome: OutcomeSkipped})
	c := s.Clone()
	s.Record(ExecutionResult{ProductID: "b", Outcome: OutcomeSkipped})
	assert.Len(t, c.Results, 1)
	assert.Len(t, s.Results, 2)
}
