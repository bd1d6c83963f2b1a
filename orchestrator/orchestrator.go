// Package orchestrator drives builds to completion: it executes every step
// of a plan to a terminal state while respecting dependencies, retry
// budgets, approval gates, and the global worker-pool bound.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360studio/buildplane/agent"
	"github.com/c360studio/buildplane/autofix"
	"github.com/c360studio/buildplane/buildspec"
	"github.com/c360studio/buildplane/classifier"
	"github.com/c360studio/buildplane/events"
	"github.com/c360studio/buildplane/metrics"
	"github.com/c360studio/buildplane/plan"
	"github.com/c360studio/buildplane/quota"
	"github.com/c360studio/buildplane/registry"
	"github.com/c360studio/buildplane/workspace"
)

// Sentinel errors for orchestration.
var (
	ErrNoActiveRun  = errors.New("no active run for build")
	ErrBuildRunning = errors.New("build already has an active run")
)

// Config holds the execution knobs.
type Config struct {
	// MaxConcurrentSteps bounds in-flight steps across all builds.
	MaxConcurrentSteps int

	// ParallelBranches enables concurrent execution of independent DAG
	// branches within one build.
	ParallelBranches bool

	// MaxIterations caps replans per build.
	MaxIterations int

	// AgentTimeouts carries the per-invocation agent deadlines.
	AgentTimeouts agent.InvokeTimeouts

	// MaxTotalAttempts caps auto-fix attempts across all steps of a build.
	MaxTotalAttempts int

	// MaxPerStepAttempts caps auto-fix attempts for any single step.
	MaxPerStepAttempts int
}

// DefaultConfig returns the standard execution knobs.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSteps: 4,
		ParallelBranches:   false,
		MaxIterations:      3,
		AgentTimeouts:      agent.DefaultTimeouts(),
		MaxTotalAttempts:   autofix.DefaultMaxTotalAttempts,
		MaxPerStepAttempts: autofix.DefaultMaxPerStepAttempts,
	}
}

// Deps bundles the injected singletons. Registry, plans, specs, agents, and
// selector are required; the rest are optional and nil-safe.
type Deps struct {
	Registry   *registry.Registry
	Plans      *plan.Store
	Specs      *buildspec.Store
	Agents     *agent.Registry
	Classifier *classifier.Classifier
	Selector   *autofix.Selector
	Quotas     *quota.Manager
	Workspace  *workspace.Workspace
	Events     *events.Publisher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// RunContext is the per-build in-memory execution state.
type RunContext struct {
	// Build is the snapshot the run started from. The registry stays
	// authoritative; this copy is for identity fields only.
	Build *registry.Build

	// Spec is the source spec.
	Spec *buildspec.Spec

	// Plan is the plan version currently executing. Replaced on replan.
	Plan *plan.Plan

	// Iteration counts replans, starting at 1.
	Iteration int

	// Artifacts accumulates stage outputs across the whole run.
	Artifacts []registry.Artifact

	// Reports accumulates evaluation reports.
	Reports []registry.EvaluationReport

	// Retry is the build's attempt bookkeeping.
	Retry *autofix.RetryState

	// Signals is the classified failure history.
	Signals []classifier.FailureSignal

	// Spans records every agent invocation.
	Spans []registry.AgentSpan

	// previewReleased guards the one-time preview quota release at build
	// termination.
	previewReleased bool

	// mu guards the accumulated slices and the retry state when parallel
	// branches are enabled.
	mu sync.Mutex
}

// gateDecision is delivered to a suspended run when a human decides a gate.
type gateDecision struct {
	approved bool
}

// runHandle tracks one active execution and a decision channel per open
// gate. Parallel branches can each hold a gate open at once; keying the
// channels by gate id guarantees every decision reaches exactly its waiter.
type runHandle struct {
	cancel context.CancelFunc

	mu    sync.Mutex
	gates map[string]chan gateDecision
}

func newRunHandle(cancel context.CancelFunc) *runHandle {
	return &runHandle{cancel: cancel, gates: make(map[string]chan gateDecision)}
}

// openGate registers the decision channel for a gate about to be persisted.
// The channel is buffered so delivery never blocks the decider.
func (h *runHandle) openGate(gateID string) chan gateDecision {
	ch := make(chan gateDecision, 1)
	h.mu.Lock()
	h.gates[gateID] = ch
	h.mu.Unlock()
	return ch
}

func (h *runHandle) closeGate(gateID string) {
	h.mu.Lock()
	delete(h.gates, gateID)
	h.mu.Unlock()
}

// deliver hands a decision to the gate's waiter.
func (h *runHandle) deliver(gateID string, approved bool) error {
	h.mu.Lock()
	ch, ok := h.gates[gateID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no open gate %s", gateID)
	}
	select {
	case ch <- gateDecision{approved: approved}:
		return nil
	default:
		return fmt.Errorf("gate %s already has a decision in flight", gateID)
	}
}

// Orchestrator executes builds. All dependencies are injected at
// construction; the orchestrator owns no storage of its own beyond the set
// of active run handles.
type Orchestrator struct {
	cfg Config

	reg      *registry.Registry
	plans    *plan.Store
	specs    *buildspec.Store
	agents   *agent.Registry
	cls      *classifier.Classifier
	selector *autofix.Selector
	quotas   *quota.Manager
	ws       *workspace.Workspace
	pub      *events.Publisher
	met      *metrics.Metrics
	logger   *slog.Logger

	sem *semaphore.Weighted

	mu   sync.Mutex
	runs map[string]*runHandle // build id -> active run
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxConcurrentSteps < 1 {
		cfg.MaxConcurrentSteps = 1
	}
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 1
	}
	if cfg.MaxTotalAttempts < 1 {
		cfg.MaxTotalAttempts = autofix.DefaultMaxTotalAttempts
	}
	if cfg.MaxPerStepAttempts < 1 {
		cfg.MaxPerStepAttempts = autofix.DefaultMaxPerStepAttempts
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cls := deps.Classifier
	if cls == nil {
		cls = classifier.New()
	}

	return &Orchestrator{
		cfg:      cfg,
		reg:      deps.Registry,
		plans:    deps.Plans,
		specs:    deps.Specs,
		agents:   deps.Agents,
		cls:      cls,
		selector: deps.Selector,
		quotas:   deps.Quotas,
		ws:       deps.Workspace,
		pub:      deps.Events,
		met:      deps.Metrics,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentSteps)),
		runs:     make(map[string]*runHandle),
	}
}

// Start launches the build's execution on its own goroutine.
func (o *Orchestrator) Start(ctx context.Context, tenantID, buildID string) {
	go func() {
		if err := o.Execute(ctx, tenantID, buildID); err != nil &&
			!errors.Is(err, context.Canceled) {
			o.logger.Error("build execution failed",
				slog.String("build_id", buildID), slog.String("error", err.Error()))
		}
	}()
}

// Execute runs the build to a terminal state. It returns once every step is
// terminal, the build is terminal, or the context is canceled.
func (o *Orchestrator) Execute(ctx context.Context, tenantID, buildID string) error {
	b, err := o.reg.Get(buildID, tenantID)
	if err != nil {
		return err
	}
	if b.Status.IsTerminal() {
		return nil
	}

	pl, err := o.plans.Get(tenantID, b.PlanID)
	if err != nil {
		return fmt.Errorf("load plan for build %s: %w", buildID, err)
	}
	var sp *buildspec.Spec
	if o.specs != nil {
		sp, _ = o.specs.Get(tenantID, b.SpecID)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := newRunHandle(cancel)
	if err := o.registerRun(buildID, h); err != nil {
		cancel()
		return err
	}
	defer o.unregisterRun(buildID)
	defer cancel()

	rc := &RunContext{
		Build:     b,
		Spec:      sp,
		Plan:      pl,
		Iteration: b.Iteration,
		Retry:     o.restoreRetryState(b),
	}
	if rc.Iteration < 1 {
		rc.Iteration = 1
	}

	if err := o.seedSteps(rc); err != nil {
		return err
	}
	if err := o.reg.SetStatus(buildID, tenantID, registry.BuildRunning); err != nil {
		return err
	}
	o.pub.Publish(events.KindBuildStarted, tenantID, buildID, "", nil)

	return o.run(ctx, h, rc)
}

// run is the outer scheduling loop. It executes ready batches until every
// step is terminal, handling replans by restarting against the new plan
// version.
func (o *Orchestrator) run(ctx context.Context, h *runHandle, rc *RunContext) error {
	for {
		if ctx.Err() != nil {
			return o.finishCanceled(rc)
		}

		state, err := o.stepStates(rc)
		if err != nil {
			return err
		}

		// Steps whose dependencies can never succeed are skipped.
		if err := o.skipUnreachable(rc, state); err != nil {
			return err
		}

		done := make(map[string]bool, len(state))
		allTerminal := true
		anyFailed := false
		for id, st := range state {
			if st == registry.StepSucceeded {
				done[id] = true
			}
			if !st.IsTerminal() {
				allTerminal = false
			}
			if st == registry.StepFailed {
				anyFailed = true
			}
		}

		ready := rc.Plan.Graph.Ready(done)
		var runnable []string
		for _, id := range ready {
			if !state[id].IsTerminal() {
				runnable = append(runnable, id)
			}
		}

		if len(runnable) == 0 {
			if !allTerminal {
				// The skip pass already ran, so pending steps blocked here
				// mean the graph validated a dependency that cannot make
				// progress. Fail loudly rather than spin.
				return fmt.Errorf("build %s: no runnable steps but %d not terminal", rc.Build.BuildID, pendingCount(state))
			}
			if anyFailed {
				return o.finish(rc, registry.BuildFailed)
			}
			return o.finish(rc, registry.BuildSucceeded)
		}

		outcome, err := o.executeBatch(ctx, h, rc, runnable)
		if err != nil {
			return err
		}
		switch outcome {
		case batchReplanned:
			// rc.Plan was replaced; loop restarts from the first
			// not-succeeded step of the new version.
			continue
		case batchBuildFailed:
			return o.finish(rc, registry.BuildFailed)
		case batchCanceled:
			return o.finishCanceled(rc)
		}
	}
}

func pendingCount(state map[string]registry.StepStatus) int {
	n := 0
	for _, st := range state {
		if !st.IsTerminal() {
			n++
		}
	}
	return n
}

// registerRun claims the single active run slot for a build.
func (o *Orchestrator) registerRun(buildID string, h *runHandle) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.runs[buildID]; ok {
		return fmt.Errorf("%w: %s", ErrBuildRunning, buildID)
	}
	o.runs[buildID] = h
	return nil
}

func (o *Orchestrator) unregisterRun(buildID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, buildID)
}

// Cancel transitions the build to canceled and signals the executing run to
// unwind. Journal writes initiated before cancellation complete normally.
func (o *Orchestrator) Cancel(tenantID, buildID string) error {
	if err := o.reg.SetStatus(buildID, tenantID, registry.BuildCanceled); err != nil {
		return err
	}

	o.mu.Lock()
	h, ok := o.runs[buildID]
	o.mu.Unlock()
	if ok {
		h.cancel()
	}

	o.pub.Publish(events.KindBuildFinished, tenantID, buildID, "",
		map[string]string{"status": string(registry.BuildCanceled)})
	if o.met != nil {
		o.met.BuildsTotal.WithLabelValues(string(registry.BuildCanceled)).Inc()
	}
	return nil
}

// ResolveGate delivers a human gate decision to the suspended run. The
// registry record must already be decided; this only resumes execution.
func (o *Orchestrator) ResolveGate(buildID, gateID string, approved bool) error {
	o.mu.Lock()
	h, ok := o.runs[buildID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveRun, buildID)
	}
	return h.deliver(gateID, approved)
}

// restoreRetryState deserializes the build's retry bookkeeping, falling back
// to fresh budgets from config.
func (o *Orchestrator) restoreRetryState(b *registry.Build) *autofix.RetryState {
	rs := autofix.NewRetryState()
	rs.MaxTotalAttempts = o.cfg.MaxTotalAttempts
	rs.MaxPerStepAttempts = o.cfg.MaxPerStepAttempts
	if len(b.RetryState) > 0 {
		if err := json.Unmarshal(b.RetryState, rs); err != nil {
			o.logger.Warn("discarding undecodable retry state",
				slog.String("build_id", b.BuildID), slog.String("error", err.Error()))
		}
	}
	return rs
}

// persistRetryState writes the retry bookkeeping back onto the build record.
// Callers must not hold rc.mu.
func (o *Orchestrator) persistRetryState(rc *RunContext) error {
	rc.mu.Lock()
	data, err := json.Marshal(rc.Retry)
	rc.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal retry state: %w", err)
	}
	return o.reg.Update(rc.Build.BuildID, rc.Build.TenantID, func(b *registry.Build) error {
		b.RetryState = data
		return nil
	})
}

// seedSteps ensures the build record carries a pending step per plan node.
// Steps that already exist (resumed or replanned builds) are left untouched.
func (o *Orchestrator) seedSteps(rc *RunContext) error {
	return o.reg.Update(rc.Build.BuildID, rc.Build.TenantID, func(b *registry.Build) error {
		for _, n := range rc.Plan.Graph.Nodes {
			if b.Step(n.TaskID) == nil {
				b.Steps = append(b.Steps, registry.Step{
					StepID:  n.TaskID,
					BuildID: b.BuildID,
					Name:    n.Type.String() + " " + n.TargetPath(),
					Status:  registry.StepPending,
				})
			}
		}
		return nil
	})
}

// stepStates reads the current status of every step of the active plan.
func (o *Orchestrator) stepStates(rc *RunContext) (map[string]registry.StepStatus, error) {
	b, err := o.reg.Get(rc.Build.BuildID, rc.Build.TenantID)
	if err != nil {
		return nil, err
	}
	state := make(map[string]registry.StepStatus, len(rc.Plan.Graph.Nodes))
	for _, n := range rc.Plan.Graph.Nodes {
		if s := b.Step(n.TaskID); s != nil {
			state[n.TaskID] = s.Status
		} else {
			state[n.TaskID] = registry.StepPending
		}
	}
	return state, nil
}

// skipUnreachable marks steps whose dependencies failed or were skipped.
func (o *Orchestrator) skipUnreachable(rc *RunContext, state map[string]registry.StepStatus) error {
	for changed := true; changed; {
		changed = false
		for _, n := range rc.Plan.Graph.Nodes {
			if state[n.TaskID].IsTerminal() {
				continue
			}
			for _, dep := range n.DependsOn {
				if st := state[dep]; st == registry.StepFailed || st == registry.StepSkipped {
					if err := o.markStepSkipped(rc, n.TaskID, "dependency "+dep+" did not succeed"); err != nil {
						return err
					}
					state[n.TaskID] = registry.StepSkipped
					changed = true
					break
				}
			}
		}
	}
	return nil
}

// finish drives the build to a terminal status and performs terminal
// bookkeeping exactly once.
func (o *Orchestrator) finish(rc *RunContext, status registry.BuildStatus) error {
	if err := o.persistRetryState(rc); err != nil {
		return err
	}
	if err := o.reg.SetStatus(rc.Build.BuildID, rc.Build.TenantID, status); err != nil {
		if !errors.Is(err, registry.ErrTerminal) {
			return err
		}
	}
	o.releasePreview(rc)

	o.pub.Publish(events.KindBuildFinished, rc.Build.TenantID, rc.Build.BuildID, "",
		map[string]string{"status": string(status)})
	if o.met != nil {
		o.met.BuildsTotal.WithLabelValues(string(status)).Inc()
	}
	o.logger.Info("build finished",
		slog.String("build_id", rc.Build.BuildID),
		slog.String("tenant_id", rc.Build.TenantID),
		slog.String("status", string(status)),
		slog.Int("iteration", rc.Iteration),
		slog.Int("total_attempts", rc.Retry.TotalAttempts))
	return nil
}

// finishCanceled settles a run that observed cancellation. The canceling
// status update was already written by Cancel.
func (o *Orchestrator) finishCanceled(rc *RunContext) error {
	if err := o.persistRetryState(rc); err != nil {
		o.logger.Warn("persist retry state after cancel",
			slog.String("build_id", rc.Build.BuildID), slog.String("error", err.Error()))
	}
	o.releasePreview(rc)
	return context.Canceled
}

// releasePreview decrements the tenant's active preview counter once per
// build, at termination.
//
// TODO: confirm whether canceled builds that never allocated a preview slot
// (freeform specs) can reach this path with a guided spec attached via
// Retry; if so the flag must move onto the build record.
func (o *Orchestrator) releasePreview(rc *RunContext) {
	if rc.previewReleased || o.quotas == nil {
		return
	}
	if rc.Spec == nil || rc.Spec.Mode != buildspec.ModeGuided {
		return
	}
	o.quotas.IncrementPreview(rc.Build.TenantID, -1)
	rc.previewReleased = true
}

// markStepSkipped records a skipped step.
func (o *Orchestrator) markStepSkipped(rc *RunContext, stepID, reason string) error {
	return o.reg.Update(rc.Build.BuildID, rc.Build.TenantID, func(b *registry.Build) error {
		s := b.Step(stepID)
		if s == nil || s.Status.IsTerminal() {
			return nil
		}
		now := time.Now()
		s.Status = registry.StepSkipped
		s.EndedAt = &now
		s.Error = reason
		return nil
	})
}
