package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsIsolatedRegistries(t *testing.T) {
	// Two bundles must not share collectors; a second New would panic on a
	// shared registry.
	a := New()
	b := New()

	a.BuildsTotal.WithLabelValues("succeeded").Inc()
	a.BuildsTotal.WithLabelValues("succeeded").Inc()
	a.RetriesTotal.WithLabelValues("retried").Inc()
	a.QuotaDenialsTotal.WithLabelValues("preview").Inc()
	a.StepDuration.Observe(0.5)
	a.AgentDuration.WithLabelValues("codegen").Observe(0.1)

	if got := testutil.ToFloat64(a.BuildsTotal.WithLabelValues("succeeded")); got != 2 {
		t.Errorf("expected 2 succeeded builds, got %f", got)
	}
	if got := testutil.ToFloat64(b.BuildsTotal.WithLabelValues("succeeded")); got != 0 {
		t.Errorf("the second bundle must start at zero, got %f", got)
	}

	if a.Registry() == nil || a.Registry() == b.Registry() {
		t.Error("each bundle owns its registry")
	}
}
