package autofix

import (
	"testing"
	"time"

	"github.com/c360studio/buildplane/classifier"
	"github.com/c360studio/buildplane/registry"
)

func freshState() *RetryState {
	return NewRetryState()
}

func TestChooseGaveUp(t *testing.T) {
	s := NewSelector(1)

	t.Run("critical severity", func(t *testing.T) {
		d := s.Choose(classifier.FailureSignal{
			Type: classifier.FailureTransient, Severity: classifier.SeverityCritical, CanRetry: true,
		}, "s1", freshState(), nil)
		if d.Outcome != registry.OutcomeGaveUp {
			t.Errorf("expected gave_up, got %s", d.Outcome)
		}
	})

	t.Run("neither retryable nor replannable", func(t *testing.T) {
		d := s.Choose(classifier.FailureSignal{
			Type: classifier.FailureRuntime, Severity: classifier.SeverityHigh,
		}, "s1", freshState(), nil)
		if d.Outcome != registry.OutcomeGaveUp {
			t.Errorf("expected gave_up, got %s", d.Outcome)
		}
	})
}

func TestChooseReplanned(t *testing.T) {
	s := NewSelector(1)
	sig := classifier.FailureSignal{
		Type:           classifier.FailureUnknown,
		Severity:       classifier.SeverityMedium,
		Message:        "inexplicable",
		CanRetry:       true,
		RequiresReplan: true,
		Evidence:       []string{"trace line"},
	}

	d := s.Choose(sig, "s1", freshState(), nil)
	if d.Outcome != registry.OutcomeReplanned {
		t.Fatalf("expected replanned, got %s", d.Outcome)
	}
	if d.RePlan == nil {
		t.Fatal("replanned decision must carry a replan request")
	}
	if len(d.RePlan.Recommendations) != 2 {
		t.Errorf("expected signal plus evidence recommendations, got %v", d.RePlan.Recommendations)
	}
}

func TestChooseBudgetEscalation(t *testing.T) {
	s := NewSelector(1)
	retryable := classifier.FailureSignal{
		Type: classifier.FailureTransient, Severity: classifier.SeverityLow, CanRetry: true,
	}

	t.Run("total budget", func(t *testing.T) {
		rs := freshState()
		rs.TotalAttempts = rs.MaxTotalAttempts
		d := s.Choose(retryable, "s1", rs, nil)
		if d.Outcome != registry.OutcomeEscalated || d.Strategy != "total_budget_exhausted" {
			t.Errorf("expected total budget escalation, got %+v", d)
		}
	})

	t.Run("per-step budget", func(t *testing.T) {
		rs := freshState()
		for i := 0; i < rs.MaxPerStepAttempts; i++ {
			rs.RecordAttempt("s1")
		}
		rs.TotalAttempts = 0 // isolate the per-step rule
		d := s.Choose(retryable, "s1", rs, nil)
		if d.Outcome != registry.OutcomeEscalated || d.Strategy != "step_budget_exhausted" {
			t.Errorf("expected per-step escalation, got %+v", d)
		}
	})
}

func TestChooseRetriedBackoff(t *testing.T) {
	s := NewSelector(42)
	sig := classifier.FailureSignal{
		Type: classifier.FailureTransient, Severity: classifier.SeverityLow, CanRetry: true,
	}

	rs := freshState()
	rs.RecordAttempt("s1")

	d := s.Choose(sig, "s1", rs, nil)
	if d.Outcome != registry.OutcomeRetried {
		t.Fatalf("expected retried, got %s", d.Outcome)
	}
	// First retry: 2^1 = 2s base with ±20% jitter.
	if d.Backoff < 1600*time.Millisecond || d.Backoff > 2400*time.Millisecond {
		t.Errorf("backoff %s outside jitter window for attempt 1", d.Backoff)
	}
}

func TestChooseHintHonored(t *testing.T) {
	s := NewSelector(1)
	sig := classifier.FailureSignal{
		Type: classifier.FailureRateLimit, Severity: classifier.SeverityLow, CanRetry: true,
	}

	hint := &classifier.BackoffHint{Delay: 7 * time.Second, Source: "Retry-After"}
	d := s.Choose(sig, "s1", freshState(), hint)
	if d.Outcome != registry.OutcomeRetried {
		t.Fatalf("expected retried, got %s", d.Outcome)
	}
	if d.Backoff < 5600*time.Millisecond || d.Backoff > 8400*time.Millisecond {
		t.Errorf("backoff %s should track the 7s hint within jitter", d.Backoff)
	}
}

func TestBackoffClamp(t *testing.T) {
	s := NewSelector(1)

	t.Run("oversized hint clamps", func(t *testing.T) {
		hint := &classifier.BackoffHint{Delay: 24 * time.Hour, Source: "X-RateLimit-Reset"}
		d := s.backoff(1, hint)
		if d > MaxBackoff {
			t.Errorf("backoff %s exceeds clamp", d)
		}
	})

	t.Run("deep attempt clamps", func(t *testing.T) {
		d := s.backoff(20, nil)
		if d > MaxBackoff {
			t.Errorf("backoff %s exceeds clamp", d)
		}
	})
}

func TestChoosePatchCategories(t *testing.T) {
	s := NewSelector(1)
	patchable := []classifier.FailureType{
		classifier.FailureLint, classifier.FailureTypecheck,
		classifier.FailureMissingImports, classifier.FailureSyntax,
		classifier.FailureDocumentation,
	}
	for _, typ := range patchable {
		d := s.Choose(classifier.FailureSignal{
			Type: typ, Severity: classifier.SeverityLow, CanRetry: true,
		}, "s1", freshState(), nil)
		if d.Outcome != registry.OutcomePatchApplied {
			t.Errorf("%s: expected patch_applied, got %s", typ, d.Outcome)
		}
		if d.PatchCategory != typ.String() {
			t.Errorf("%s: expected category-specific generator, got %s", typ, d.PatchCategory)
		}
	}
}

func TestChooseSensitiveEscalation(t *testing.T) {
	s := NewSelector(1)
	sensitive := []classifier.FailureType{
		classifier.FailureSecurity, classifier.FailurePolicy, classifier.FailureSchemaMigration,
	}
	for _, typ := range sensitive {
		d := s.Choose(classifier.FailureSignal{
			Type: typ, Severity: classifier.SeverityHigh, CanRetry: true,
		}, "s1", freshState(), nil)
		if d.Outcome != registry.OutcomeEscalated {
			t.Errorf("%s: expected escalated, got %s", typ, d.Outcome)
		}
	}
}

func TestChooseGenericPatchFallback(t *testing.T) {
	s := NewSelector(1)
	d := s.Choose(classifier.FailureSignal{
		Type: classifier.FailureUnknown, Severity: classifier.SeverityMedium, CanRetry: true,
	}, "s1", freshState(), nil)
	if d.Outcome != registry.OutcomePatchApplied || d.PatchCategory != "generic" {
		t.Errorf("expected generic patch, got %+v", d)
	}
}

func TestRetryStateAccounting(t *testing.T) {
	rs := NewRetryState()
	if rs.Attempts("s1") != 0 {
		t.Error("fresh state should have zero attempts")
	}
	rs.RecordAttempt("s1")
	rs.RecordAttempt("s1")
	rs.RecordAttempt("s2")
	if rs.Attempts("s1") != 2 || rs.Attempts("s2") != 1 {
		t.Errorf("unexpected per-step counts: %v", rs.PerStepAttempts)
	}
	if rs.TotalAttempts != 3 {
		t.Errorf("expected total 3, got %d", rs.TotalAttempts)
	}
}
