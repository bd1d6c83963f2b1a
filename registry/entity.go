// Package registry is the single source of truth for builds, steps, logs,
// and artifacts. It is RAM-authoritative during runtime and crash-survives
// through an append-only JSONL journal; every mutation is journaled under
// the writer lock before the in-memory state is committed.
package registry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LogCapacity is the bounded ring size for per-build log lines. Older lines
// are discarded.
const LogCapacity = 100

// BuildStatus represents the lifecycle state of a build.
type BuildStatus string

const (
	// BuildQueued indicates the build is registered but not yet running.
	BuildQueued BuildStatus = "queued"

	// BuildRunning indicates the orchestrator is executing the build.
	BuildRunning BuildStatus = "running"

	// BuildSucceeded indicates every step reached a successful terminal state.
	BuildSucceeded BuildStatus = "succeeded"

	// BuildFailed indicates the build failed permanently.
	BuildFailed BuildStatus = "failed"

	// BuildCanceled indicates the build was canceled by the caller.
	BuildCanceled BuildStatus = "canceled"
)

// String returns the string representation of the status.
func (s BuildStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known build status.
func (s BuildStatus) IsValid() bool {
	switch s {
	case BuildQueued, BuildRunning, BuildSucceeded, BuildFailed, BuildCanceled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for write-once terminal statuses.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildSucceeded, BuildFailed, BuildCanceled:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status may transition to target.
// Terminal statuses admit no further transitions.
func (s BuildStatus) CanTransitionTo(target BuildStatus) bool {
	switch s {
	case BuildQueued:
		return target == BuildRunning || target == BuildCanceled || target == BuildFailed
	case BuildRunning:
		return target == BuildSucceeded || target == BuildFailed || target == BuildCanceled
	case BuildSucceeded, BuildFailed, BuildCanceled:
		return false
	default:
		return false
	}
}

// StepStatus represents the execution state of a step.
type StepStatus string

const (
	// StepPending indicates the step has not started.
	StepPending StepStatus = "pending"

	// StepRunning indicates the step is executing.
	StepRunning StepStatus = "running"

	// StepSucceeded indicates the step completed and its artifact verified.
	StepSucceeded StepStatus = "succeeded"

	// StepFailed indicates the step failed permanently.
	StepFailed StepStatus = "failed"

	// StepSkipped indicates the step was skipped (unreachable branch).
	StepSkipped StepStatus = "skipped"
)

// String returns the string representation of the status.
func (s StepStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known step status.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepPending, StepRunning, StepSucceeded, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for terminal step statuses.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// ArtifactType classifies step outputs.
type ArtifactType string

const (
	ArtifactCode   ArtifactType = "code"
	ArtifactLogs   ArtifactType = "logs"
	ArtifactDevops ArtifactType = "devops"
	ArtifactFix    ArtifactType = "fix"
	ArtifactReport ArtifactType = "report"
)

// Artifact is an immutable output of a step, addressed by content hash.
type Artifact struct {
	// ID is the unique artifact identifier.
	ID string `json:"id"`

	// BuildID identifies the owning build.
	BuildID string `json:"build_id"`

	// StepID identifies the producing step.
	StepID string `json:"step_id"`

	// Type classifies the artifact.
	Type ArtifactType `json:"type"`

	// Path is the workspace-relative path, when path-addressed.
	Path string `json:"path,omitempty"`

	// ContentHash is the sha256 of the content, hex encoded.
	ContentHash string `json:"content_hash"`

	// BytesWritten is the content size in bytes.
	BytesWritten int `json:"bytes_written"`

	// Created is when the artifact was produced.
	Created time.Time `json:"created"`

	// Content is the artifact body. Carried for pipeline handoff and
	// journal replay; artifacts are never modified after creation.
	Content string `json:"content,omitempty"`
}

// Step records the execution of one task node.
type Step struct {
	// StepID is the unique step identifier (matches the task id).
	StepID string `json:"step_id"`

	// BuildID identifies the owning build.
	BuildID string `json:"build_id"`

	// Name is the human-readable step name.
	Name string `json:"name"`

	// Status is the current execution state.
	Status StepStatus `json:"status"`

	// StartedAt is when the step started running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is when the step reached a terminal state.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// ElapsedMS is the wall-clock duration in milliseconds.
	ElapsedMS int64 `json:"elapsed_ms,omitempty"`

	// ArtifactRef is the primary artifact id produced by the step.
	ArtifactRef string `json:"artifact_ref,omitempty"`

	// SHA256 is the primary artifact content hash.
	SHA256 string `json:"sha256,omitempty"`

	// LinesChanged counts lines written by the step.
	LinesChanged int `json:"lines_changed,omitempty"`

	// AnchorMatched reports whether the node's anchor was found.
	AnchorMatched bool `json:"anchor_matched,omitempty"`

	// Error is the failure message for failed steps.
	Error string `json:"error,omitempty"`
}

// CriterionResult is the evaluator's judgment on one acceptance criterion.
type CriterionResult struct {
	// ID identifies the criterion.
	ID string `json:"id"`

	// Passed reports whether the criterion was satisfied.
	Passed bool `json:"passed"`

	// Reason explains the judgment.
	Reason string `json:"reason,omitempty"`
}

// PassThreshold is the minimum aggregate score for a passing evaluation.
const PassThreshold = 80

// EvaluationReport is the structured judgment on artifacts versus
// acceptance criteria.
type EvaluationReport struct {
	// BuildID identifies the evaluated build.
	BuildID string `json:"build_id"`

	// StepID identifies the evaluated step, when step-scoped.
	StepID string `json:"step_id,omitempty"`

	// Criteria holds per-criterion results.
	Criteria []CriterionResult `json:"criteria_results"`

	// OverallScore is the aggregate score in [0,100].
	OverallScore float64 `json:"overall_score"`

	// Passed is true when OverallScore >= PassThreshold.
	Passed bool `json:"passed"`
}

// AutoFixOutcome is the remediation chosen for a failed step.
type AutoFixOutcome string

const (
	OutcomeRetried      AutoFixOutcome = "retried"
	OutcomePatchApplied AutoFixOutcome = "patch_applied"
	OutcomeReplanned    AutoFixOutcome = "replanned"
	OutcomeEscalated    AutoFixOutcome = "escalated"
	OutcomeGaveUp       AutoFixOutcome = "gave_up"
)

// AutoFixRun records one invocation of the auto-fixer for a failed step.
type AutoFixRun struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// BuildID identifies the owning build.
	BuildID string `json:"build_id"`

	// StepID identifies the failed step.
	StepID string `json:"step_id"`

	// SignalType is the classified failure type that triggered the run.
	SignalType string `json:"signal_type"`

	// Attempt is the per-step attempt number this run considers.
	Attempt int `json:"attempt"`

	// Strategy names the chosen remediation strategy.
	Strategy string `json:"strategy"`

	// Outcome is the selector's decision.
	Outcome AutoFixOutcome `json:"outcome"`

	// BackoffSeconds is the retry sleep chosen, for retried outcomes.
	BackoffSeconds float64 `json:"backoff_seconds,omitempty"`
}

// GateStatus is the state of an approval gate.
type GateStatus string

const (
	// GatePending indicates the gate awaits a human decision.
	GatePending GateStatus = "pending"

	// GateApproved indicates the gate was approved.
	GateApproved GateStatus = "approved"

	// GateRejected indicates the gate was rejected.
	GateRejected GateStatus = "rejected"
)

// IsValid returns true if the gate status is known.
func (s GateStatus) IsValid() bool {
	switch s {
	case GatePending, GateApproved, GateRejected:
		return true
	default:
		return false
	}
}

// ApprovalGate is a pause point requiring human action before the build
// can progress.
type ApprovalGate struct {
	// ID is the unique gate identifier.
	ID string `json:"id"`

	// BuildID identifies the suspended build.
	BuildID string `json:"build_id"`

	// StepID identifies the step awaiting the decision.
	StepID string `json:"step_id"`

	// GateType names the reason for escalation.
	GateType string `json:"gate_type"`

	// Status is pending until a human decides.
	Status GateStatus `json:"status"`

	// Metadata carries the proposed fix and escalation context.
	Metadata map[string]string `json:"metadata,omitempty"`

	// DecidedBy identifies who decided the gate.
	DecidedBy string `json:"decided_by,omitempty"`

	// DecidedAt is when the decision was made.
	DecidedAt *time.Time `json:"decided_at,omitempty"`

	// Notes carries the decider's free-text notes.
	Notes string `json:"notes,omitempty"`
}

// AgentSpan records one agent invocation for observability.
type AgentSpan struct {
	// AgentRole is the invoked role.
	AgentRole string `json:"agent_role"`

	// Action is the invoked action.
	Action string `json:"action"`

	// InputsHash is the sha256 of the request, hex encoded.
	InputsHash string `json:"inputs_hash"`

	// OutputHash is the sha256 of the response, hex encoded.
	OutputHash string `json:"output_hash"`

	// ElapsedMS is the invocation duration in milliseconds.
	ElapsedMS int64 `json:"elapsed_ms"`
}

// Build is the persistent record of one plan execution.
type Build struct {
	// BuildID is the unique build identifier.
	BuildID string `json:"build_id"`

	// TenantID is the canonical owner key.
	TenantID string `json:"tenant_id"`

	// SpecID identifies the source spec.
	SpecID string `json:"spec_id"`

	// PlanID identifies the plan version being executed. Updated on replan.
	PlanID string `json:"plan_id"`

	// IdempotencyKey collapses duplicate start requests per tenant.
	IdempotencyKey string `json:"idempotency_key"`

	// Status is the lifecycle state. Terminal statuses are write-once.
	Status BuildStatus `json:"status"`

	// Iteration counts replans, starting at 1.
	Iteration int `json:"iteration"`

	// MaxIterations caps replans; exceeding it fails the build.
	MaxIterations int `json:"max_iterations"`

	// Bootable is an optional post-verification flag.
	Bootable *bool `json:"bootable,omitempty"`

	// CreatedAt is when the build was registered.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when execution began.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// UpdatedAt is the time of the last mutation.
	UpdatedAt time.Time `json:"updated_at"`

	// RetryState is the orchestrator's serialized retry bookkeeping.
	RetryState json.RawMessage `json:"retry_state,omitempty"`

	// Steps records per-task execution.
	Steps []Step `json:"steps,omitempty"`

	// Artifacts records immutable step outputs.
	Artifacts []Artifact `json:"artifacts,omitempty"`

	// Reports records evaluation reports.
	Reports []EvaluationReport `json:"reports,omitempty"`

	// AutoFixRuns records every auto-fixer invocation.
	AutoFixRuns []AutoFixRun `json:"auto_fix_runs,omitempty"`

	// Gates records approval gates.
	Gates []ApprovalGate `json:"gates,omitempty"`

	// Logs is the bounded ring of recent log lines.
	Logs []string `json:"logs,omitempty"`
}

// NewBuildID returns a fresh build identifier.
func NewBuildID() string {
	return "build-" + uuid.New().String()
}

// Step returns a pointer to the step with the given id, or nil.
func (b *Build) Step(stepID string) *Step {
	for i := range b.Steps {
		if b.Steps[i].StepID == stepID {
			return &b.Steps[i]
		}
	}
	return nil
}

// Gate returns a pointer to the gate with the given id, or nil.
func (b *Build) Gate(gateID string) *ApprovalGate {
	for i := range b.Gates {
		if b.Gates[i].ID == gateID {
			return &b.Gates[i]
		}
	}
	return nil
}

// AppendLogLine appends a line to the bounded log ring, discarding the
// oldest line once LogCapacity is reached.
func (b *Build) AppendLogLine(line string) {
	b.Logs = append(b.Logs, line)
	if len(b.Logs) > LogCapacity {
		b.Logs = b.Logs[len(b.Logs)-LogCapacity:]
	}
}

// Clone returns a deep copy of the build, used for lock-free read snapshots
// and for applying mutations without exposing intermediate state.
func (b *Build) Clone() *Build {
	out := *b
	out.RetryState = append(json.RawMessage(nil), b.RetryState...)
	out.Steps = append([]Step(nil), b.Steps...)
	out.Artifacts = append([]Artifact(nil), b.Artifacts...)
	out.Reports = make([]EvaluationReport, len(b.Reports))
	for i, r := range b.Reports {
		out.Reports[i] = r
		out.Reports[i].Criteria = append([]CriterionResult(nil), r.Criteria...)
	}
	out.AutoFixRuns = append([]AutoFixRun(nil), b.AutoFixRuns...)
	out.Gates = make([]ApprovalGate, len(b.Gates))
	for i, g := range b.Gates {
		out.Gates[i] = g
		if g.Metadata != nil {
			out.Gates[i].Metadata = make(map[string]string, len(g.Metadata))
			for k, v := range g.Metadata {
				out.Gates[i].Metadata[k] = v
			}
		}
	}
	out.Logs = append([]string(nil), b.Logs...)
	if b.Bootable != nil {
		v := *b.Bootable
		out.Bootable = &v
	}
	return &out
}
