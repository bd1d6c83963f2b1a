package autofix

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/c360studio/buildplane/classifier"
	"github.com/c360studio/buildplane/registry"
)

// RePlanRequest asks the orchestrator to compile a new plan version.
type RePlanRequest struct {
	// Reason summarizes why a replan is needed.
	Reason string `json:"reason"`

	// Recommendations are derived from the signal history and fed to the
	// architect as a delta goal.
	Recommendations []string `json:"recommendations,omitempty"`
}

// Decision is the selector's output. It carries no side effects.
type Decision struct {
	// Outcome is the chosen remediation.
	Outcome registry.AutoFixOutcome

	// Strategy names the fix strategy for the audit record.
	Strategy string

	// Backoff is the retry sleep, for retried outcomes. Clamped to
	// [0, MaxBackoff].
	Backoff time.Duration

	// PatchCategory selects the fix generator, for patch_applied outcomes.
	PatchCategory string

	// RePlan carries the replan request, for replanned outcomes.
	RePlan *RePlanRequest
}

// Selector implements the first-match-wins decision rules. The jitter
// source is injected so tests are deterministic.
type Selector struct {
	rng *rand.Rand
}

// NewSelector creates a Selector with the given jitter seed.
func NewSelector(seed int64) *Selector {
	return &Selector{rng: rand.New(rand.NewSource(seed))}
}

// Choose picks a remediation for the signal. Rules, first match wins:
//
//  1. critical severity, or neither retryable nor replannable → gave_up
//  2. signal requires replan → replanned
//  3. total attempt budget exhausted → escalated
//  4. per-step attempt budget exhausted → escalated
//  5. transient or rate_limit → retried with hint-or-exponential backoff
//  6. mechanical categories (lint, typecheck, ...) → patch_applied
//  7. security, policy, schema_migration → escalated
//  8. anything else → patch_applied with the generic fix generator
func (s *Selector) Choose(signal classifier.FailureSignal, stepID string, rs *RetryState, hint *classifier.BackoffHint) Decision {
	if signal.Severity == classifier.SeverityCritical || (!signal.CanRetry && !signal.RequiresReplan) {
		return Decision{Outcome: registry.OutcomeGaveUp, Strategy: "unrecoverable"}
	}

	if signal.RequiresReplan {
		return Decision{
			Outcome:  registry.OutcomeReplanned,
			Strategy: "replan",
			RePlan: &RePlanRequest{
				Reason:          fmt.Sprintf("step %s: %s failure requires replan", stepID, signal.Type),
				Recommendations: recommendations(signal),
			},
		}
	}

	if rs.TotalAttempts >= rs.MaxTotalAttempts {
		return Decision{Outcome: registry.OutcomeEscalated, Strategy: "total_budget_exhausted"}
	}
	if rs.Attempts(stepID) >= rs.MaxPerStepAttempts {
		return Decision{Outcome: registry.OutcomeEscalated, Strategy: "step_budget_exhausted"}
	}

	switch signal.Type {
	case classifier.FailureTransient, classifier.FailureRateLimit:
		return Decision{
			Outcome:  registry.OutcomeRetried,
			Strategy: "backoff_retry",
			Backoff:  s.backoff(rs.Attempts(stepID), hint),
		}
	}

	if patchable(signal.Type) {
		return Decision{
			Outcome:       registry.OutcomePatchApplied,
			Strategy:      "patch_" + signal.Type.String(),
			PatchCategory: signal.Type.String(),
		}
	}

	if escalatable(signal.Type) {
		return Decision{Outcome: registry.OutcomeEscalated, Strategy: "sensitive_" + signal.Type.String()}
	}

	return Decision{
		Outcome:       registry.OutcomePatchApplied,
		Strategy:      "patch_generic",
		PatchCategory: "generic",
	}
}

// patchable reports whether a category-specific fix generator exists.
func patchable(t classifier.FailureType) bool {
	switch t {
	case classifier.FailureLint, classifier.FailureTypecheck,
		classifier.FailureMissingImports, classifier.FailureSyntax,
		classifier.FailureDocumentation:
		return true
	default:
		return false
	}
}

// escalatable reports whether the category always needs a human.
func escalatable(t classifier.FailureType) bool {
	switch t {
	case classifier.FailureSecurity, classifier.FailurePolicy,
		classifier.FailureSchemaMigration:
		return true
	default:
		return false
	}
}

// backoff computes the retry sleep: the extracted hint when present, else
// exponential min(60, 2^attempt) seconds, with ±20% jitter. The result is
// clamped to [0, MaxBackoff] either way.
func (s *Selector) backoff(attempt int, hint *classifier.BackoffHint) time.Duration {
	var base time.Duration
	if hint != nil {
		base = hint.Delay
	} else {
		secs := math.Min(float64(MaxBackoff/time.Second), math.Pow(2, float64(attempt)))
		base = time.Duration(secs * float64(time.Second))
	}

	jitter := 1 + (s.rng.Float64()*0.4 - 0.2)
	d := time.Duration(float64(base) * jitter)

	if d < 0 {
		d = 0
	}
	if d > MaxBackoff {
		d = MaxBackoff
	}
	return d
}

// recommendations derives replan guidance from the signal.
func recommendations(signal classifier.FailureSignal) []string {
	recs := []string{
		fmt.Sprintf("previous attempt failed with %s: %s", signal.Type, signal.Message),
	}
	for _, e := range signal.Evidence {
		recs = append(recs, "evidence: "+e)
	}
	return recs
}
