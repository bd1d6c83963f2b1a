// Package autofix chooses the remediation for a classified step failure:
// retry with backoff, patch, replan, escalate to a human, or give up. The
// selector never mutates persistent state; the orchestrator commits its
// decisions.
package autofix

import "time"

// Default attempt budgets.
const (
	DefaultMaxTotalAttempts   = 6
	DefaultMaxPerStepAttempts = 3
)

// MaxBackoff is the clamp applied to every backoff value, including hints
// extracted from logs.
const MaxBackoff = 60 * time.Second

// RetryState is the orchestrator's per-build retry bookkeeping.
type RetryState struct {
	// TotalAttempts counts retries across all steps of the build.
	TotalAttempts int `json:"total_attempts"`

	// MaxTotalAttempts caps TotalAttempts.
	MaxTotalAttempts int `json:"max_total_attempts"`

	// PerStepAttempts counts retries per step id.
	PerStepAttempts map[string]int `json:"per_step_attempts,omitempty"`

	// MaxPerStepAttempts caps attempts for any single step.
	MaxPerStepAttempts int `json:"max_per_step_attempts"`

	// LastBackoffSeconds is the most recent backoff chosen.
	LastBackoffSeconds float64 `json:"last_backoff_seconds,omitempty"`
}

// NewRetryState returns a RetryState with default budgets.
func NewRetryState() *RetryState {
	return &RetryState{
		MaxTotalAttempts:   DefaultMaxTotalAttempts,
		MaxPerStepAttempts: DefaultMaxPerStepAttempts,
		PerStepAttempts:    make(map[string]int),
	}
}

// Attempts returns the attempt count for a step.
func (rs *RetryState) Attempts(stepID string) int {
	if rs.PerStepAttempts == nil {
		return 0
	}
	return rs.PerStepAttempts[stepID]
}

// RecordAttempt increments the per-step and total counters.
func (rs *RetryState) RecordAttempt(stepID string) {
	if rs.PerStepAttempts == nil {
		rs.PerStepAttempts = make(map[string]int)
	}
	rs.PerStepAttempts[stepID]++
	rs.TotalAttempts++
}
