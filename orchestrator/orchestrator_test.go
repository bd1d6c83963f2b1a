package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/buildplane/agent"
	"github.com/c360studio/buildplane/autofix"
	"github.com/c360studio/buildplane/buildspec"
	"github.com/c360studio/buildplane/parser"
	"github.com/c360studio/buildplane/plan"
	"github.com/c360studio/buildplane/registry"
	"github.com/c360studio/buildplane/workspace"
)

// testEnv wires an orchestrator against a real journal-backed registry and
// in-memory stores.
type testEnv struct {
	reg         *registry.Registry
	plans       *plan.Store
	specs       *buildspec.Store
	orch        *Orchestrator
	journalPath string
}

func newTestEnv(t *testing.T, cfg Config, agents *agent.Registry) *testEnv {
	return newTestEnvWorkspace(t, cfg, agents, nil)
}

func newTestEnvWorkspace(t *testing.T, cfg Config, agents *agent.Registry, ws *workspace.Workspace) *testEnv {
	t.Helper()

	path := filepath.Join(t.TempDir(), "builds.journal")
	reg, err := registry.New(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	env := &testEnv{
		reg:         reg,
		plans:       plan.NewStore(),
		specs:       buildspec.NewStore(),
		journalPath: path,
	}
	env.orch = New(cfg, Deps{
		Registry:  reg,
		Plans:     env.plans,
		Specs:     env.specs,
		Agents:    agents,
		Selector:  autofix.NewSelector(42),
		Workspace: ws,
	})
	return env
}

// seedBuild stores a freeform spec, a v1 plan compiled from its text, and a
// queued build.
func (env *testEnv) seedBuild(t *testing.T, tenant, specText string) (buildID, planID string) {
	t.Helper()

	spec := &buildspec.Spec{TenantID: tenant, Title: "test spec", Mode: buildspec.ModeFreeform, Description: specText}
	require.NoError(t, env.specs.Create(spec))

	graph, err := parser.New().Parse(specText)
	require.NoError(t, err)
	pl := &plan.Plan{
		ID:        plan.NewID(),
		SpecID:    spec.ID,
		TenantID:  tenant,
		Version:   1,
		Graph:     *graph,
		CreatedAt: time.Now(),
	}
	require.NoError(t, env.plans.Put(pl))

	buildID, err = env.reg.Register(&registry.Build{
		TenantID:       tenant,
		SpecID:         spec.ID,
		PlanID:         pl.ID,
		IdempotencyKey: "key-" + t.Name(),
		Iteration:      1,
		MaxIterations:  3,
	})
	require.NoError(t, err)
	return buildID, pl.ID
}

// seedGraphBuild stores a spec, a v1 plan with the given nodes, and a queued
// build, bypassing the parser.
func (env *testEnv) seedGraphBuild(t *testing.T, tenant string, nodes []plan.TaskNode) (buildID, planID string) {
	t.Helper()

	spec := &buildspec.Spec{TenantID: tenant, Title: "test spec", Mode: buildspec.ModeFreeform, Description: "custom graph"}
	require.NoError(t, env.specs.Create(spec))

	pl := &plan.Plan{
		ID:        plan.NewID(),
		SpecID:    spec.ID,
		TenantID:  tenant,
		Version:   1,
		Graph:     plan.TaskGraph{Nodes: nodes},
		CreatedAt: time.Now(),
	}
	require.NoError(t, pl.Graph.Validate())
	require.NoError(t, env.plans.Put(pl))

	buildID, err := env.reg.Register(&registry.Build{
		TenantID:       tenant,
		SpecID:         spec.ID,
		PlanID:         pl.ID,
		IdempotencyKey: "key-" + t.Name(),
		Iteration:      1,
		MaxIterations:  3,
	})
	require.NoError(t, err)
	return buildID, pl.ID
}

// flakyCodegen wraps the real codegen with a per-step queue of scripted
// failures, consumed in order before delegating.
type flakyCodegen struct {
	inner    agent.Agent
	mu       sync.Mutex
	failures map[string][]string
}

func newFlakyCodegen(failures map[string][]string) *flakyCodegen {
	return &flakyCodegen{inner: &agent.Codegen{}, failures: failures}
}

func (f *flakyCodegen) Role() agent.Role { return agent.RoleCodegen }

func (f *flakyCodegen) Execute(ctx context.Context, req *agent.Request) *agent.Response {
	if req.Node != nil {
		f.mu.Lock()
		if q := f.failures[req.Node.TaskID]; len(q) > 0 {
			logs := q[0]
			f.failures[req.Node.TaskID] = q[1:]
			f.mu.Unlock()
			return &agent.Response{Success: false, Logs: logs}
		}
		f.mu.Unlock()
	}
	return f.inner.Execute(ctx, req)
}

func TestExecuteHelloWorld(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), agent.NewDefaultRegistry(nil))
	buildID, _ := env.seedBuild(t, "acme", "hello world")

	require.NoError(t, env.orch.Execute(context.Background(), "acme", buildID))

	b, err := env.reg.Get(buildID, "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.BuildSucceeded, b.Status)

	require.Len(t, b.Steps, 2)
	for _, s := range b.Steps {
		assert.Equal(t, registry.StepSucceeded, s.Status, "step %s", s.StepID)
		assert.NotNil(t, s.StartedAt)
		assert.NotNil(t, s.EndedAt)
	}
	assert.NotEmpty(t, b.Artifacts, "step outputs are recorded on the build")

	// The whole lifecycle is journaled: registration, step transitions, the
	// terminal status.
	data, err := os.ReadFile(env.journalPath)
	require.NoError(t, err)
	lines := strings.Count(strings.TrimSpace(string(data)), "\n") + 1
	assert.GreaterOrEqual(t, lines, 4)
}

func TestExecuteTransientRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerStepAttempts = 2

	agents := agent.NewDefaultRegistry(nil)
	agents.Register(newFlakyCodegen(map[string][]string{
		"file_hello_main": {"Connection timeout"},
	}))
	env := newTestEnv(t, cfg, agents)
	buildID, _ := env.seedBuild(t, "acme", "hello world")

	require.NoError(t, env.orch.Execute(context.Background(), "acme", buildID))

	b, err := env.reg.Get(buildID, "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.BuildSucceeded, b.Status, "the retry recovers the build")

	require.Len(t, b.AutoFixRuns, 1)
	run := b.AutoFixRuns[0]
	assert.Equal(t, registry.OutcomeRetried, run.Outcome)
	assert.Equal(t, "transient", run.SignalType)
	assert.Equal(t, 1, run.Attempt)
	assert.LessOrEqual(t, run.BackoffSeconds, 4.0, "first retry backs off around 2s")
	assert.Positive(t, run.BackoffSeconds)
}

func TestExecuteEscalationRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 1 // a replan request must escalate instead

	agents := agent.NewDefaultRegistry(nil)
	agents.Register(newFlakyCodegen(map[string][]string{
		"dir_hello": {"something inexplicable happened", "something inexplicable happened"},
	}))
	env := newTestEnv(t, cfg, agents)
	buildID, _ := env.seedBuild(t, "acme", "hello world")

	done := make(chan error, 1)
	go func() { done <- env.orch.Execute(context.Background(), "acme", buildID) }()

	var gateID string
	require.Eventually(t, func() bool {
		b, err := env.reg.Get(buildID, "acme")
		if err != nil {
			return false
		}
		for _, g := range b.Gates {
			if g.Status == registry.GatePending {
				gateID = g.ID
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "the second consecutive unknown opens a gate")

	// The run is suspended, not terminal.
	b, err := env.reg.Get(buildID, "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.BuildRunning, b.Status)
	gate := b.Gate(gateID)
	require.NotNil(t, gate)
	assert.Equal(t, "iteration_budget_exhausted", gate.GateType)

	require.NoError(t, env.reg.DecideGate(buildID, "acme", gateID, registry.GateRejected, "reviewer", "not worth pursuing"))
	require.NoError(t, env.orch.ResolveGate(buildID, gateID, false))
	require.NoError(t, <-done)

	b, err = env.reg.Get(buildID, "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.BuildFailed, b.Status)
	step := b.Step("dir_hello")
	require.NotNil(t, step)
	assert.Equal(t, registry.StepFailed, step.Status)
	// The dependent step never ran.
	assert.NotEqual(t, registry.StepSucceeded, b.Step("file_hello_main").Status)
}

func TestExecuteReplanProducesNewVersion(t *testing.T) {
	agents := agent.NewDefaultRegistry(nil)
	agents.Register(newFlakyCodegen(map[string][]string{
		"file_hello_main": {"something inexplicable happened", "something inexplicable happened"},
	}))
	env := newTestEnv(t, DefaultConfig(), agents)
	buildID, v1ID := env.seedBuild(t, "acme", "hello world")

	require.NoError(t, env.orch.Execute(context.Background(), "acme", buildID))

	b, err := env.reg.Get(buildID, "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.BuildSucceeded, b.Status)
	assert.Equal(t, 2, b.Iteration, "the replan starts iteration 2")
	assert.NotEqual(t, v1ID, b.PlanID, "the build executes the new plan version")

	versions := env.plans.ListBySpec("acme", b.SpecID)
	require.Len(t, versions, 2)
	v2 := versions[1]
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1ID, v2.OriginalPlanID, "version 2 links back to its predecessor")
	assert.Equal(t, b.PlanID, v2.ID)

	// Steps that succeeded before the replan are not re-executed; both end
	// terminal-succeeded under the same ids.
	for _, s := range b.Steps {
		assert.Equal(t, registry.StepSucceeded, s.Status, "step %s", s.StepID)
	}
}

// blockingCodegen parks until the context ends so a cancel can interrupt a
// running step.
type blockingCodegen struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingCodegen) Role() agent.Role { return agent.RoleCodegen }

func (b *blockingCodegen) Execute(ctx context.Context, _ *agent.Request) *agent.Response {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return &agent.Response{Success: false, Logs: "codegen: " + ctx.Err().Error()}
}

func TestCancelInterruptsRun(t *testing.T) {
	blocking := &blockingCodegen{started: make(chan struct{})}
	agents := agent.NewDefaultRegistry(nil)
	agents.Register(blocking)
	env := newTestEnv(t, DefaultConfig(), agents)
	buildID, _ := env.seedBuild(t, "acme", "hello world")

	done := make(chan error, 1)
	go func() { done <- env.orch.Execute(context.Background(), "acme", buildID) }()

	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatal("step never started")
	}

	require.NoError(t, env.orch.Cancel("acme", buildID))
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	b, err := env.reg.Get(buildID, "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.BuildCanceled, b.Status)
}

func TestFailedDependencySkipsDownstream(t *testing.T) {
	agents := agent.NewDefaultRegistry(nil)
	agents.Register(newFlakyCodegen(map[string][]string{
		"dir_hello": {"panic: nil pointer dereference"},
	}))
	env := newTestEnv(t, DefaultConfig(), agents)
	buildID, _ := env.seedBuild(t, "acme", "hello world")

	require.NoError(t, env.orch.Execute(context.Background(), "acme", buildID))

	b, err := env.reg.Get(buildID, "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.BuildFailed, b.Status)

	failed := b.Step("dir_hello")
	require.NotNil(t, failed)
	assert.Equal(t, registry.StepFailed, failed.Status)
	assert.NotEmpty(t, failed.Error)

	skipped := b.Step("file_hello_main")
	require.NotNil(t, skipped)
	assert.Equal(t, registry.StepSkipped, skipped.Status)
	assert.Contains(t, skipped.Error, "dependency")
}

func TestResolveGateWithoutRun(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), agent.NewDefaultRegistry(nil))
	err := env.orch.ResolveGate("build-ghost", "gate-1", true)
	assert.ErrorIs(t, err, ErrNoActiveRun)
}

// twoFileNodes returns two independent create_file nodes.
func twoFileNodes() []plan.TaskNode {
	return []plan.TaskNode{
		{TaskID: "file_a", Type: plan.TaskCreateFile, File: "a.txt", Content: "alpha\n"},
		{TaskID: "file_b", Type: plan.TaskCreateFile, File: "b.txt", Content: "beta\n"},
	}
}

// trackingCodegen counts overlapping codegen executions. With a barrier it
// also holds each call until a second one arrives, so genuinely parallel
// batches are observed as such instead of racing past each other.
type trackingCodegen struct {
	inner   agent.Agent
	barrier chan struct{}

	mu        sync.Mutex
	active    int
	maxActive int
}

func newTrackingCodegen(withBarrier bool) *trackingCodegen {
	tc := &trackingCodegen{inner: &agent.Codegen{}}
	if withBarrier {
		tc.barrier = make(chan struct{})
	}
	return tc
}

func (tc *trackingCodegen) Role() agent.Role { return agent.RoleCodegen }

func (tc *trackingCodegen) Execute(ctx context.Context, req *agent.Request) *agent.Response {
	tc.mu.Lock()
	tc.active++
	if tc.active > tc.maxActive {
		tc.maxActive = tc.active
	}
	if tc.active == 2 && tc.barrier != nil {
		close(tc.barrier)
	}
	barrier := tc.barrier
	tc.mu.Unlock()

	if barrier != nil {
		select {
		case <-barrier:
		case <-time.After(2 * time.Second):
		}
	}

	resp := tc.inner.Execute(ctx, req)
	tc.mu.Lock()
	tc.active--
	tc.mu.Unlock()
	return resp
}

func (tc *trackingCodegen) max() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.maxActive
}

func TestParallelBranchesRunIndependentSteps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ParallelBranches = true

	tracking := newTrackingCodegen(true)
	agents := agent.NewDefaultRegistry(nil)
	agents.Register(tracking)
	env := newTestEnv(t, cfg, agents)
	buildID, _ := env.seedGraphBuild(t, "acme", twoFileNodes())

	require.NoError(t, env.orch.Execute(context.Background(), "acme", buildID))

	b, err := env.reg.Get(buildID, "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.BuildSucceeded, b.Status)
	for _, id := range []string{"file_a", "file_b"} {
		step := b.Step(id)
		require.NotNil(t, step)
		assert.Equal(t, registry.StepSucceeded, step.Status, "step %s", id)
	}
	assert.Equal(t, 2, tracking.max(), "independent branches run concurrently")
}

func TestRequiresExclusiveForcesSerialBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ParallelBranches = true

	nodes := twoFileNodes()
	nodes[1].RequiresExclusive = true

	tracking := newTrackingCodegen(false)
	agents := agent.NewDefaultRegistry(nil)
	agents.Register(tracking)
	env := newTestEnv(t, cfg, agents)
	buildID, _ := env.seedGraphBuild(t, "acme", nodes)

	require.NoError(t, env.orch.Execute(context.Background(), "acme", buildID))

	b, err := env.reg.Get(buildID, "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.BuildSucceeded, b.Status)
	for _, id := range []string{"file_a", "file_b"} {
		assert.Equal(t, registry.StepSucceeded, b.Step(id).Status, "step %s", id)
	}
	assert.Equal(t, 1, tracking.max(), "an exclusive step demotes the batch to serial")
}

func TestParallelScopeConflictDefersStep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ParallelBranches = true

	// Both nodes write the same path; the scope guard must keep them out of
	// the same batch.
	nodes := []plan.TaskNode{
		{TaskID: "file_a", Type: plan.TaskCreateFile, File: "shared.txt", Content: "alpha\n"},
		{TaskID: "file_b", Type: plan.TaskCreateFile, File: "shared.txt", Content: "beta\n"},
	}

	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	tracking := newTrackingCodegen(false)
	agents := agent.NewDefaultRegistry(nil)
	agents.Register(tracking)
	env := newTestEnvWorkspace(t, cfg, agents, ws)
	buildID, _ := env.seedGraphBuild(t, "acme", nodes)

	require.NoError(t, env.orch.Execute(context.Background(), "acme", buildID))

	b, err := env.reg.Get(buildID, "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.BuildSucceeded, b.Status)
	for _, id := range []string{"file_a", "file_b"} {
		assert.Equal(t, registry.StepSucceeded, b.Step(id).Status, "step %s", id)
	}
	assert.Equal(t, 1, tracking.max(), "overlapping scopes never execute together")
}

func TestConcurrentGateDecisionsBothResume(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ParallelBranches = true

	// Policy failures escalate immediately, so both branches open a gate.
	agents := agent.NewDefaultRegistry(nil)
	agents.Register(newFlakyCodegen(map[string][]string{
		"file_a": {"policy violation in generated content"},
		"file_b": {"policy violation in generated content"},
	}))
	env := newTestEnv(t, cfg, agents)
	buildID, _ := env.seedGraphBuild(t, "acme", twoFileNodes())

	done := make(chan error, 1)
	go func() { done <- env.orch.Execute(context.Background(), "acme", buildID) }()

	var gateIDs []string
	require.Eventually(t, func() bool {
		b, err := env.reg.Get(buildID, "acme")
		if err != nil {
			return false
		}
		gateIDs = gateIDs[:0]
		for _, g := range b.Gates {
			if g.Status == registry.GatePending {
				gateIDs = append(gateIDs, g.ID)
			}
		}
		return len(gateIDs) == 2
	}, 5*time.Second, 20*time.Millisecond, "both branches suspend on their own gate")

	// Decide both gates back to back. Each decision must land on its own
	// waiter; neither call may be refused.
	for _, id := range gateIDs {
		require.NoError(t, env.reg.DecideGate(buildID, "acme", id, registry.GateApproved, "reviewer", "proceed"))
	}
	require.NoError(t, env.orch.ResolveGate(buildID, gateIDs[0], true))
	require.NoError(t, env.orch.ResolveGate(buildID, gateIDs[1], true))

	require.NoError(t, <-done)

	b, err := env.reg.Get(buildID, "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.BuildSucceeded, b.Status)
	for _, id := range []string{"file_a", "file_b"} {
		assert.Equal(t, registry.StepSucceeded, b.Step(id).Status, "step %s", id)
	}
}
