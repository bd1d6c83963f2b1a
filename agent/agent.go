// Package agent implements the staged execution pipeline. Agents share a
// capability contract: each exposes Execute over a typed request and is
// polymorphic over the role set. Agents never return Go errors for domain
// failures; they return typed outcomes the orchestrator classifies.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/buildplane/parser"
	"github.com/c360studio/buildplane/plan"
	"github.com/c360studio/buildplane/registry"
	"github.com/c360studio/buildplane/workspace"
)

// Role identifies an agent within the pipeline.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleDesigner  Role = "designer"
	RoleSecurity  Role = "security"
	RoleCodegen   Role = "codegen"
	RoleEvaluator Role = "evaluator"
	RoleAutoFixer Role = "auto_fixer"
	RoleDevops    Role = "devops"
	RoleReviewer  Role = "reviewer"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid returns true if the role is part of the pipeline set.
func (r Role) IsValid() bool {
	switch r {
	case RoleArchitect, RoleDesigner, RoleSecurity, RoleCodegen,
		RoleEvaluator, RoleAutoFixer, RoleDevops, RoleReviewer:
		return true
	default:
		return false
	}
}

// Request is the typed input to an agent invocation.
type Request struct {
	// Action names the requested operation (e.g. "generate", "evaluate").
	Action string `json:"action"`

	// BuildID identifies the running build.
	BuildID string `json:"build_id"`

	// TenantID is the canonical owner key.
	TenantID string `json:"tenant_id"`

	// Node is the task node being executed, for step-scoped stages.
	Node *plan.TaskNode `json:"node,omitempty"`

	// Plan is the full plan, for plan-scoped stages.
	Plan *plan.Plan `json:"plan,omitempty"`

	// SpecText is the source spec content, for the architect.
	SpecText string `json:"spec_text,omitempty"`

	// Artifacts are the accumulated outputs of prior stages. Stages must
	// not mutate them.
	Artifacts []registry.Artifact `json:"artifacts,omitempty"`

	// Feedback carries auto-fix or replan guidance into the stage.
	Feedback string `json:"feedback,omitempty"`

	// PatchCategory selects the fix generator for the auto-fixer.
	PatchCategory string `json:"patch_category,omitempty"`
}

// Response is the typed outcome of an agent invocation. Agents never
// panic outward and never return transport errors; failures are carried in
// Success and Logs.
type Response struct {
	// Success reports whether the stage completed.
	Success bool `json:"success"`

	// Artifacts are the stage's immutable outputs.
	Artifacts []registry.Artifact `json:"artifacts,omitempty"`

	// Report is the evaluation report, for evaluator stages.
	Report *registry.EvaluationReport `json:"report,omitempty"`

	// Graph is the produced task graph, for architect/designer stages.
	Graph *plan.TaskGraph `json:"graph,omitempty"`

	// RiskScore is the architect's risk estimate in [0,1].
	RiskScore float64 `json:"risk_score,omitempty"`

	// Logs is the stage's raw output, used for failure classification.
	Logs string `json:"logs,omitempty"`
}

// Agent is the capability contract shared by all pipeline roles.
type Agent interface {
	// Role identifies the agent.
	Role() Role

	// Execute performs the requested action. Implementations observe ctx
	// at every blocking point and return a failed Response rather than an
	// error for domain failures.
	Execute(ctx context.Context, req *Request) *Response
}

// Registry maps roles to agent implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[Role]Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[Role]Agent)}
}

// NewDefaultRegistry creates a registry with all eight built-in agents. The
// devops agent materializes into ws; a nil workspace disables that.
func NewDefaultRegistry(ws *workspace.Workspace) *Registry {
	r := NewRegistry()
	r.Register(NewArchitect(parser.New()))
	r.Register(&Designer{})
	r.Register(&Security{})
	r.Register(&Codegen{})
	r.Register(&Evaluator{})
	r.Register(&AutoFixer{})
	r.Register(NewDevops(ws))
	r.Register(&Reviewer{})
	return r
}

// Register adds or replaces an agent.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Role()] = a
}

// Get returns the agent for a role.
func (r *Registry) Get(role Role) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[role]
	if !ok {
		return nil, fmt.Errorf("no agent registered for role %s", role)
	}
	return a, nil
}

// InvokeTimeouts carries the per-invocation deadlines.
type InvokeTimeouts struct {
	// Model is the deadline for a single agent action.
	Model time.Duration

	// Total is the overall deadline including internal stage work.
	Total time.Duration
}

// DefaultTimeouts returns the standard agent deadlines.
func DefaultTimeouts() InvokeTimeouts {
	return InvokeTimeouts{Model: 30 * time.Second, Total: 90 * time.Second}
}

// Invoke runs one agent action under a deadline and records a span. A panic
// inside the agent is recovered into a failed response so the crash enters
// the normal classification path. Deadline expiry produces a failed
// response whose logs classify as transient.
func Invoke(ctx context.Context, a Agent, req *Request, timeouts InvokeTimeouts) (resp *Response, span registry.AgentSpan) {
	total := timeouts.Total
	if total <= 0 {
		total = DefaultTimeouts().Total
	}
	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	start := time.Now()
	span = registry.AgentSpan{
		AgentRole:  a.Role().String(),
		Action:     req.Action,
		InputsHash: hashJSON(req),
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				resp = &Response{
					Success: false,
					Logs:    fmt.Sprintf("agent %s panicked: %v", a.Role(), r),
				}
			}
		}()
		resp = a.Execute(ctx, req)
	}()

	if resp == nil {
		resp = &Response{Success: false, Logs: "agent returned no response"}
	}
	if ctx.Err() == context.DeadlineExceeded {
		resp = &Response{
			Success: false,
			Logs:    fmt.Sprintf("agent %s deadline exceeded after %s", a.Role(), total),
		}
	}

	span.OutputHash = hashJSON(resp)
	span.ElapsedMS = time.Since(start).Milliseconds()
	return resp, span
}

// hashJSON returns the hex sha256 of the JSON encoding of v.
func hashJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
