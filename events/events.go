// Package events publishes build lifecycle events over NATS. The publisher
// is nil-safe: without a connection every publish is a no-op, so the
// orchestrator runs unchanged with messaging disabled.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the root of all event subjects.
const SubjectPrefix = "buildplane.event"

// Kind names a lifecycle event.
type Kind string

const (
	KindBuildQueued    Kind = "build_queued"
	KindBuildStarted   Kind = "build_started"
	KindBuildFinished  Kind = "build_finished"
	KindStepStarted    Kind = "step_started"
	KindStepFinished   Kind = "step_finished"
	KindAutoFixDecided Kind = "autofix_decided"
	KindGateOpened     Kind = "gate_opened"
	KindGateDecided    Kind = "gate_decided"
	KindReplanned      Kind = "replanned"
)

// Event is the wire shape published for every kind.
type Event struct {
	// Kind names the event.
	Kind Kind `json:"kind"`

	// TenantID is the canonical owner key.
	TenantID string `json:"tenant_id"`

	// BuildID identifies the build.
	BuildID string `json:"build_id"`

	// StepID identifies the step, for step-scoped events.
	StepID string `json:"step_id,omitempty"`

	// Detail carries event-specific fields.
	Detail map[string]string `json:"detail,omitempty"`

	// TS is when the event was emitted.
	TS time.Time `json:"ts"`
}

// Publisher emits events to NATS.
type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewPublisher creates a Publisher. A nil connection is valid and disables
// publishing.
func NewPublisher(nc *nats.Conn, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nc: nc, logger: logger}
}

// Publish emits one event on buildplane.event.<kind>. Publish failures are
// logged and swallowed; eventing never blocks a build.
func (p *Publisher) Publish(kind Kind, tenantID, buildID, stepID string, detail map[string]string) {
	if p == nil || p.nc == nil {
		return
	}

	evt := Event{
		Kind:     kind,
		TenantID: tenantID,
		BuildID:  buildID,
		StepID:   stepID,
		Detail:   detail,
		TS:       time.Now(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Warn("event marshal failed", "kind", kind, "error", err)
		return
	}

	subject := fmt.Sprintf("%s.%s", SubjectPrefix, kind)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}
