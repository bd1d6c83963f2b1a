// Package metrics defines the Prometheus instrumentation for the
// orchestrator. Collectors are registered on a dedicated registry so tests
// can construct isolated instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the orchestrator records into.
type Metrics struct {
	registry *prometheus.Registry

	// BuildsTotal counts finished builds by terminal status.
	BuildsTotal *prometheus.CounterVec

	// StepsTotal counts finished steps by terminal status.
	StepsTotal *prometheus.CounterVec

	// RetriesTotal counts auto-fix decisions by outcome.
	RetriesTotal *prometheus.CounterVec

	// QuotaDenialsTotal counts admission denials by dimension.
	QuotaDenialsTotal *prometheus.CounterVec

	// StepDuration observes step wall-clock seconds.
	StepDuration prometheus.Histogram

	// AgentDuration observes agent invocation seconds by role.
	AgentDuration *prometheus.HistogramVec
}

// New creates a Metrics bundle on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		BuildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buildplane_builds_total",
			Help: "Finished builds by terminal status.",
		}, []string{"status"}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buildplane_steps_total",
			Help: "Finished steps by terminal status.",
		}, []string{"status"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buildplane_retries_total",
			Help: "Auto-fix decisions by outcome.",
		}, []string{"outcome"}),
		QuotaDenialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buildplane_quota_denials_total",
			Help: "Quota admission denials by dimension.",
		}, []string{"dimension"}),
		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "buildplane_step_duration_seconds",
			Help:    "Step wall-clock duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		AgentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buildplane_agent_duration_seconds",
			Help:    "Agent invocation duration by role.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"role"}),
	}
}

// Registry returns the underlying Prometheus registry, for the HTTP
// exposition handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
