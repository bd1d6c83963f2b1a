// Package api is the programmatic surface of the build orchestrator. Every
// operation is tenant-scoped; the HTTP layer around the service maps 1:1
// onto these methods and adds nothing but transport.
package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/buildplane/agent"
	"github.com/c360studio/buildplane/buildspec"
	"github.com/c360studio/buildplane/classifier"
	"github.com/c360studio/buildplane/events"
	"github.com/c360studio/buildplane/metrics"
	"github.com/c360studio/buildplane/orchestrator"
	"github.com/c360studio/buildplane/plan"
	"github.com/c360studio/buildplane/quota"
	"github.com/c360studio/buildplane/registry"
	"github.com/c360studio/buildplane/tenant"
)

// DefaultMaxIterations caps replans for builds that do not set their own.
const DefaultMaxIterations = 3

// Deps carries the service's collaborators. Specs, Plans, Registry, Quotas,
// Agents, and Orchestrator are required; the rest default sensibly.
type Deps struct {
	Specs        *buildspec.Store
	Plans        *plan.Store
	Registry     *registry.Registry
	Quotas       *quota.Manager
	Agents       *agent.Registry
	Classifier   *classifier.Classifier
	Orchestrator *orchestrator.Orchestrator
	Events       *events.Publisher
	Metrics      *metrics.Metrics
	Logger       *slog.Logger

	// AgentTimeouts bounds plan-compilation agent calls. Zero values use
	// the defaults.
	AgentTimeouts agent.InvokeTimeouts

	// MaxIterations is the default replan cap for new builds.
	MaxIterations int
}

// Service implements the tenant-scoped operation surface.
type Service struct {
	specs   *buildspec.Store
	plans   *plan.Store
	reg     *registry.Registry
	quotas  *quota.Manager
	agents  *agent.Registry
	cls     *classifier.Classifier
	orch    *orchestrator.Orchestrator
	events  *events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	timeouts      agent.InvokeTimeouts
	maxIterations int
}

// New creates a Service from its dependencies.
func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cls := deps.Classifier
	if cls == nil {
		cls = classifier.New()
	}
	timeouts := deps.AgentTimeouts
	if timeouts.Model <= 0 || timeouts.Total <= 0 {
		timeouts = agent.DefaultTimeouts()
	}
	maxIter := deps.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	return &Service{
		specs:         deps.Specs,
		plans:         deps.Plans,
		reg:           deps.Registry,
		quotas:        deps.Quotas,
		agents:        deps.Agents,
		cls:           cls,
		orch:          deps.Orchestrator,
		events:        deps.Events,
		metrics:       deps.Metrics,
		logger:        logger,
		timeouts:      timeouts,
		maxIterations: maxIter,
	}
}

// CreateSpecInput is the input to CreateSpec.
type CreateSpecInput struct {
	// Title is the human-readable spec title. Required.
	Title string `json:"title"`

	// Mode describes how the spec was authored.
	Mode buildspec.Mode `json:"mode"`

	// Description is the free-text body.
	Description string `json:"description,omitempty"`

	// Guided holds the structured input for guided specs.
	Guided *buildspec.GuidedInput `json:"guided_input,omitempty"`

	// Attachments holds opaque blob references.
	Attachments []string `json:"attachments,omitempty"`
}

// CreateSpec stores a new spec. Guided specs allocate a preview environment
// and are admitted against the preview quota before anything is stored; a
// denial mutates nothing.
func (s *Service) CreateSpec(tenantID string, in CreateSpecInput) (string, error) {
	key, err := tenant.Normalize(tenantID)
	if err != nil {
		return "", wrapError(KindInvalidInput, err)
	}

	if in.Mode == buildspec.ModeGuided {
		d := s.quotas.CheckPreviewQuota(key.Canonical)
		if !d.Allowed {
			if s.metrics != nil {
				s.metrics.QuotaDenialsTotal.WithLabelValues(string(d.Dimension)).Inc()
			}
			s.logger.Info("preview quota denied",
				slog.String("tenant_id", key.Canonical),
				slog.Float64("current", d.Current),
				slog.Float64("limit", d.Limit))
			return "", quotaDenied(d)
		}
	}

	spec := &buildspec.Spec{
		TenantID:    key.Canonical,
		Title:       in.Title,
		Mode:        in.Mode,
		Description: in.Description,
		Guided:      in.Guided,
		Attachments: in.Attachments,
	}
	if err := s.specs.Create(spec); err != nil {
		return "", mapErr(err)
	}
	if in.Mode == buildspec.ModeGuided {
		s.quotas.IncrementPreview(key.Canonical, 1)
	}

	s.logger.Info("spec created",
		slog.String("tenant_id", key.Canonical),
		slog.String("spec_id", spec.ID),
		slog.String("mode", spec.Mode.String()))
	return spec.ID, nil
}

// PlanResult is the output of GeneratePlan.
type PlanResult struct {
	// PlanID identifies the compiled plan.
	PlanID string `json:"plan_id"`

	// Version is the plan version, starting at 1 per spec.
	Version int `json:"version"`

	// RiskScore is the combined architect and security risk in [0,1].
	RiskScore float64 `json:"risk_score"`
}

// GeneratePlan compiles a spec through the architect, designer, and
// security stages and stores the resulting plan version. The spec is frozen
// on the first successful compilation.
func (s *Service) GeneratePlan(ctx context.Context, tenantID, specID string) (*PlanResult, error) {
	key, err := tenant.Normalize(tenantID)
	if err != nil {
		return nil, wrapError(KindInvalidInput, err)
	}

	spec, err := s.specs.Get(key.Canonical, specID)
	if err != nil {
		return nil, mapErr(err)
	}

	architect, err := s.agents.Get(agent.RoleArchitect)
	if err != nil {
		return nil, internalError(err)
	}
	resp, span := agent.Invoke(ctx, architect, &agent.Request{
		Action:   "compile",
		TenantID: key.Canonical,
		SpecText: spec.SourceText(),
	}, s.timeouts)
	s.observeSpan(span)
	if !resp.Success || resp.Graph == nil {
		return nil, newError(KindInvalidSpec, "spec %s did not compile: %s", specID, firstLine(resp.Logs))
	}

	draft := &plan.Plan{
		ID:        plan.NewID(),
		SpecID:    spec.ID,
		TenantID:  key.Canonical,
		Version:   s.plans.NextVersion(key.Canonical, spec.ID),
		Graph:     *resp.Graph,
		RiskScore: resp.RiskScore,
		Summary:   "plan for " + spec.Title,
		CreatedAt: time.Now(),
	}

	designer, err := s.agents.Get(agent.RoleDesigner)
	if err != nil {
		return nil, internalError(err)
	}
	dresp, dspan := agent.Invoke(ctx, designer, &agent.Request{
		Action:   "refine",
		TenantID: key.Canonical,
		Plan:     draft,
	}, s.timeouts)
	s.observeSpan(dspan)
	if !dresp.Success || dresp.Graph == nil {
		return nil, internalError(errors.New("designer refine failed: " + firstLine(dresp.Logs)))
	}
	draft.Graph = *dresp.Graph
	draft.DiffPreview = dresp.Logs

	security, err := s.agents.Get(agent.RoleSecurity)
	if err != nil {
		return nil, internalError(err)
	}
	sresp, sspan := agent.Invoke(ctx, security, &agent.Request{
		Action:   "screen",
		TenantID: key.Canonical,
		Plan:     draft,
	}, s.timeouts)
	s.observeSpan(sspan)
	if !sresp.Success {
		return nil, newError(KindInvalidSpec, "security screen rejected plan: %s", firstLine(sresp.Logs))
	}
	draft.RiskScore += sresp.RiskScore
	if draft.RiskScore > 1 {
		draft.RiskScore = 1
	}

	if err := s.plans.Put(draft); err != nil {
		return nil, mapErr(err)
	}
	if err := s.specs.MarkPlanGenerated(key.Canonical, spec.ID); err != nil {
		return nil, mapErr(err)
	}

	s.logger.Info("plan generated",
		slog.String("tenant_id", key.Canonical),
		slog.String("spec_id", spec.ID),
		slog.String("plan_id", draft.ID),
		slog.Int("version", draft.Version),
		slog.Float64("risk_score", draft.RiskScore))
	return &PlanResult{PlanID: draft.ID, Version: draft.Version, RiskScore: draft.RiskScore}, nil
}

// StartBuildInput is the input to StartBuild.
type StartBuildInput struct {
	// SpecID identifies the source spec. Required.
	SpecID string `json:"spec_id"`

	// PlanID selects the plan version; empty means the latest.
	PlanID string `json:"plan_id,omitempty"`

	// IdempotencyKey collapses duplicate start requests. Required.
	IdempotencyKey string `json:"idempotency_key"`

	// MaxIterations caps replans; zero uses the service default.
	MaxIterations int `json:"max_iterations,omitempty"`
}

// StartBuild registers a build and launches its execution. Registration is
// idempotent on (tenant, idempotency key): a duplicate call returns the
// existing build id without starting a second execution. The context bounds
// the execution's lifetime; callers pass a process-lifetime context, not a
// request context.
func (s *Service) StartBuild(ctx context.Context, tenantID string, in StartBuildInput) (string, error) {
	key, err := tenant.Normalize(tenantID)
	if err != nil {
		return "", wrapError(KindInvalidInput, err)
	}
	if in.IdempotencyKey == "" {
		return "", newError(KindInvalidInput, "idempotency key is required")
	}

	spec, err := s.specs.Get(key.Canonical, in.SpecID)
	if err != nil {
		return "", mapErr(err)
	}

	var p *plan.Plan
	if in.PlanID != "" {
		p, err = s.plans.Get(key.Canonical, in.PlanID)
		if err != nil {
			return "", mapErr(err)
		}
	} else {
		versions := s.plans.ListBySpec(key.Canonical, spec.ID)
		if len(versions) == 0 {
			return "", newError(KindNotFound, "no plan compiled for spec %s", spec.ID)
		}
		p = versions[len(versions)-1]
	}

	maxIter := in.MaxIterations
	if maxIter <= 0 {
		maxIter = s.maxIterations
	}

	b := &registry.Build{
		TenantID:       key.Canonical,
		SpecID:         spec.ID,
		PlanID:         p.ID,
		IdempotencyKey: in.IdempotencyKey,
		Iteration:      1,
		MaxIterations:  maxIter,
	}
	buildID, err := s.reg.Register(b)
	if err != nil {
		return "", mapErr(err)
	}
	if buildID != b.BuildID {
		// Idempotent replay of an earlier start; exactly one execution runs.
		return buildID, nil
	}

	s.events.Publish(events.KindBuildQueued, key.Canonical, buildID, "", map[string]string{
		"plan_id": p.ID,
	})
	s.orch.Start(ctx, key.Canonical, buildID)

	s.logger.Info("build started",
		slog.String("tenant_id", key.Canonical),
		slog.String("build_id", buildID),
		slog.String("plan_id", p.ID))
	return buildID, nil
}

// GetBuild returns a deep-copy snapshot of a build with its steps,
// artifacts, and the bounded log tail.
func (s *Service) GetBuild(tenantID, buildID string) (*registry.Build, error) {
	key, err := tenant.Normalize(tenantID)
	if err != nil {
		return nil, wrapError(KindInvalidInput, err)
	}

	b, err := s.reg.Get(buildID, key.Canonical)
	if err != nil {
		return nil, mapErr(err)
	}
	return b, nil
}

// ListBuilds returns the tenant's builds, newest first. The limit is
// clamped to [1,100].
func (s *Service) ListBuilds(tenantID string, limit int) ([]*registry.Build, error) {
	key, err := tenant.Normalize(tenantID)
	if err != nil {
		return nil, wrapError(KindInvalidInput, err)
	}
	return s.reg.List(key.Canonical, limit), nil
}

// Cancel transitions a queued or running build to canceled and signals the
// executing run to unwind.
func (s *Service) Cancel(tenantID, buildID string) error {
	key, err := tenant.Normalize(tenantID)
	if err != nil {
		return wrapError(KindInvalidInput, err)
	}
	return mapErr(s.orch.Cancel(key.Canonical, buildID))
}

// Approve records an approved gate decision and resumes the suspended run.
func (s *Service) Approve(tenantID, gateID, decidedBy, notes string) error {
	return s.decideGate(tenantID, gateID, true, decidedBy, notes)
}

// Reject records a rejected gate decision. The suspended run unwinds and
// the build fails; with no active run the build is failed directly.
func (s *Service) Reject(tenantID, gateID, decidedBy, notes string) error {
	return s.decideGate(tenantID, gateID, false, decidedBy, notes)
}

func (s *Service) decideGate(tenantID, gateID string, approved bool, decidedBy, notes string) error {
	key, err := tenant.Normalize(tenantID)
	if err != nil {
		return wrapError(KindInvalidInput, err)
	}

	b, _, err := s.reg.FindGate(key.Canonical, gateID)
	if err != nil {
		return mapErr(err)
	}

	status := registry.GateRejected
	if approved {
		status = registry.GateApproved
	}
	if err := s.reg.DecideGate(b.BuildID, key.Canonical, gateID, status, decidedBy, notes); err != nil {
		return mapErr(err)
	}

	if err := s.orch.ResolveGate(b.BuildID, gateID, approved); err != nil {
		if !errors.Is(err, orchestrator.ErrNoActiveRun) {
			return internalError(err)
		}
		// The run that opened the gate is gone (process restart). The
		// decision is recorded; a rejection still has to fail the build.
		s.logger.Warn("gate decided with no active run",
			slog.String("build_id", b.BuildID),
			slog.String("gate_id", gateID),
			slog.Bool("approved", approved))
		if !approved {
			if serr := s.reg.SetStatus(b.BuildID, key.Canonical, registry.BuildFailed); serr != nil &&
				!errors.Is(serr, registry.ErrTerminal) {
				return mapErr(serr)
			}
		}
	}
	return nil
}

// Retry registers a fresh execution of a terminal build against the same
// spec and plan. The new build gets a derived idempotency key so the
// original record is preserved untouched.
func (s *Service) Retry(ctx context.Context, tenantID, buildID string) (string, error) {
	key, err := tenant.Normalize(tenantID)
	if err != nil {
		return "", wrapError(KindInvalidInput, err)
	}

	prev, err := s.reg.Get(buildID, key.Canonical)
	if err != nil {
		return "", mapErr(err)
	}
	if !prev.Status.IsTerminal() {
		return "", newError(KindNotTerminal, "build %s is %s", buildID, prev.Status)
	}

	next := &registry.Build{
		TenantID:       key.Canonical,
		SpecID:         prev.SpecID,
		PlanID:         prev.PlanID,
		IdempotencyKey: prev.IdempotencyKey + "/retry-" + uuid.New().String(),
		Iteration:      1,
		MaxIterations:  prev.MaxIterations,
	}
	newID, err := s.reg.Register(next)
	if err != nil {
		return "", mapErr(err)
	}

	s.events.Publish(events.KindBuildQueued, key.Canonical, newID, "", map[string]string{
		"retry_of": buildID,
	})
	s.orch.Start(ctx, key.Canonical, newID)

	s.logger.Info("build retried",
		slog.String("tenant_id", key.Canonical),
		slog.String("build_id", newID),
		slog.String("retry_of", buildID))
	return newID, nil
}

// ClassifyFailure classifies raw step output. Pure passthrough to the
// classifier; no state is touched.
func (s *Service) ClassifyFailure(stepName, logs string, artifacts []string, prior []classifier.FailureSignal) classifier.FailureSignal {
	return s.cls.Classify(stepName, logs, artifacts, prior)
}

func (s *Service) observeSpan(span registry.AgentSpan) {
	if s.metrics == nil {
		return
	}
	s.metrics.AgentDuration.WithLabelValues(span.AgentRole).Observe(float64(span.ElapsedMS) / 1000)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
