package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/buildplane/agent"
	"github.com/c360studio/buildplane/autofix"
	"github.com/c360studio/buildplane/classifier"
	"github.com/c360studio/buildplane/events"
	"github.com/c360studio/buildplane/plan"
	"github.com/c360studio/buildplane/registry"

	"github.com/google/uuid"
)

// batchOutcome summarizes one scheduling batch.
type batchOutcome int

const (
	batchAdvanced batchOutcome = iota
	batchReplanned
	batchBuildFailed
	batchCanceled
)

// stepOutcome summarizes one step execution including its auto-fix loop.
type stepOutcome int

const (
	stepSucceeded stepOutcome = iota
	stepFailed
	stepReplanned
	stepBuildFailed
	stepCanceled
)

// errReplanned unwinds a parallel batch when one branch decides to replan.
var errReplanned = errors.New("replan requested")

// executeBatch runs the runnable steps. Independent branches run
// concurrently only when configured and no step in the batch requires
// exclusivity; path scopes guard against overlapping writes.
func (o *Orchestrator) executeBatch(ctx context.Context, h *runHandle, rc *RunContext, runnable []string) (batchOutcome, error) {
	parallel := o.cfg.ParallelBranches && len(runnable) > 1
	if parallel {
		for _, id := range runnable {
			if n := rc.Plan.Graph.Node(id); n != nil && n.RequiresExclusive {
				parallel = false
				break
			}
		}
	}

	if !parallel {
		for _, id := range runnable {
			node := rc.Plan.Graph.Node(id)
			outcome, err := o.executeStep(ctx, h, rc, node)
			if err != nil {
				return batchAdvanced, err
			}
			switch outcome {
			case stepReplanned:
				return batchReplanned, nil
			case stepBuildFailed:
				return batchBuildFailed, nil
			case stepCanceled:
				return batchCanceled, nil
			}
		}
		return batchAdvanced, nil
	}

	// Parallel branches must not write overlapping paths; steps whose scope
	// conflicts with the batch fall back to the next scheduling round.
	claimed := runnable
	if o.ws != nil {
		claimed = nil
		var scopes []string
		for _, id := range runnable {
			node := rc.Plan.Graph.Node(id)
			scope := node.TargetPath()
			if scope == "" {
				scope = id
			}
			if err := o.ws.AcquireScope(rc.Build.BuildID, []string{scope}); err != nil {
				continue
			}
			claimed = append(claimed, id)
			scopes = append(scopes, scope)
		}
		defer o.ws.ReleaseScope(rc.Build.BuildID, scopes)
	}

	var (
		flagMu      sync.Mutex
		replanned   bool
		buildFailed bool
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range claimed {
		node := rc.Plan.Graph.Node(id)
		g.Go(func() error {
			outcome, err := o.executeStep(gctx, h, rc, node)
			if err != nil {
				return err
			}
			switch outcome {
			case stepReplanned:
				flagMu.Lock()
				replanned = true
				flagMu.Unlock()
				return errReplanned
			case stepBuildFailed:
				flagMu.Lock()
				buildFailed = true
				flagMu.Unlock()
				return errReplanned // unwind the batch either way
			case stepCanceled:
				return context.Canceled
			}
			return nil
		})
	}
	err := g.Wait()
	switch {
	case buildFailed:
		return batchBuildFailed, nil
	case replanned:
		return batchReplanned, nil
	case errors.Is(err, context.Canceled):
		return batchCanceled, nil
	case errors.Is(err, errReplanned):
		return batchReplanned, nil
	case err != nil:
		return batchAdvanced, err
	}
	return batchAdvanced, nil
}

// executeStep drives one task node to a terminal state, looping through the
// auto-fix path on failure.
func (o *Orchestrator) executeStep(ctx context.Context, h *runHandle, rc *RunContext, node *plan.TaskNode) (stepOutcome, error) {
	var feedback string
	for {
		if ctx.Err() != nil {
			return stepCanceled, nil
		}

		started := time.Now()
		if err := o.markStepRunning(rc, node.TaskID); err != nil {
			return stepFailed, err
		}
		// Every execution counts against both attempt budgets, the first
		// included.
		rc.mu.Lock()
		rc.Retry.RecordAttempt(node.TaskID)
		rc.mu.Unlock()
		if err := o.persistRetryState(rc); err != nil {
			return stepFailed, err
		}
		o.pub.Publish(events.KindStepStarted, rc.Build.TenantID, rc.Build.BuildID, node.TaskID, nil)

		failLogs, ok := o.runStages(ctx, rc, node, feedback)
		if ok {
			if err := o.commitStepSuccess(rc, node, started); err != nil {
				return stepFailed, err
			}
			return stepSucceeded, nil
		}
		if ctx.Err() != nil {
			return stepCanceled, nil
		}

		outcome, newFeedback, err := o.handleFailure(ctx, h, rc, node, failLogs, started)
		if err != nil {
			return stepFailed, err
		}
		if outcome == stepSucceeded {
			// The fix path asks for a re-execution.
			feedback = newFeedback
			continue
		}
		return outcome, nil
	}
}

// runStages walks the task type's agent path. It returns the failure logs
// and false on the first failing stage.
func (o *Orchestrator) runStages(ctx context.Context, rc *RunContext, node *plan.TaskNode, feedback string) (string, bool) {
	for _, stage := range agent.StagesFor(node.Type) {
		a, err := o.agents.Get(stage.Role)
		if err != nil {
			return err.Error(), false
		}

		if err := o.sem.Acquire(ctx, 1); err != nil {
			return err.Error(), false
		}
		rc.mu.Lock()
		artifacts := rc.Artifacts
		pl := rc.Plan
		rc.mu.Unlock()
		req := &agent.Request{
			Action:    stage.Action,
			BuildID:   rc.Build.BuildID,
			TenantID:  rc.Build.TenantID,
			Node:      node,
			Plan:      pl,
			Artifacts: artifacts,
			Feedback:  feedback,
		}
		resp, span := agent.Invoke(ctx, a, req, o.cfg.AgentTimeouts)
		o.sem.Release(1)

		o.recordSpan(rc, span)

		if !resp.Success {
			return resp.Logs, false
		}
		if len(resp.Artifacts) > 0 {
			rc.mu.Lock()
			rc.Artifacts = append(rc.Artifacts, resp.Artifacts...)
			rc.mu.Unlock()
		}
		if resp.Report != nil {
			rc.mu.Lock()
			rc.Reports = append(rc.Reports, *resp.Report)
			rc.mu.Unlock()
			if err := o.recordReport(rc, *resp.Report); err != nil {
				return err.Error(), false
			}
			if !resp.Report.Passed {
				return resp.Logs, false
			}
		}
	}
	return "", true
}

func (o *Orchestrator) recordSpan(rc *RunContext, span registry.AgentSpan) {
	rc.mu.Lock()
	rc.Spans = append(rc.Spans, span)
	rc.mu.Unlock()
	if o.met != nil {
		o.met.AgentDuration.WithLabelValues(span.AgentRole).
			Observe(float64(span.ElapsedMS) / 1000)
	}
}

func (o *Orchestrator) recordReport(rc *RunContext, report registry.EvaluationReport) error {
	return o.reg.Update(rc.Build.BuildID, rc.Build.TenantID, func(b *registry.Build) error {
		b.Reports = append(b.Reports, report)
		return nil
	})
}

// handleFailure runs the failure-handling subroutine. The returned outcome
// is stepSucceeded when the step should be re-executed; the accompanying
// feedback is handed to the next attempt.
func (o *Orchestrator) handleFailure(ctx context.Context, h *runHandle, rc *RunContext, node *plan.TaskNode, failLogs string, started time.Time) (stepOutcome, string, error) {
	buildID := rc.Build.BuildID
	tenantID := rc.Build.TenantID
	stepID := node.TaskID

	var hint *classifier.BackoffHint
	if bh, ok := classifier.ExtractBackoffHint(failLogs); ok {
		hint = &bh
	}

	// 1. The raw failure output becomes a logs artifact.
	// 2. Classify against the accumulated signal history.
	// 3+4. Record the auto-fix consideration and choose a remediation.
	rc.mu.Lock()
	logsArtifact := registry.NewArtifact(buildID, stepID, registry.ArtifactLogs, "", failLogs)
	rc.Artifacts = append(rc.Artifacts, logsArtifact)

	artifactNames := make([]string, 0, len(rc.Artifacts))
	for _, a := range rc.Artifacts {
		artifactNames = append(artifactNames, a.Path)
	}
	signal := o.cls.Classify(node.TaskID, failLogs, artifactNames, rc.Signals)
	rc.Signals = append(rc.Signals, signal)

	attempt := rc.Retry.Attempts(stepID)
	decision := o.selector.Choose(signal, stepID, rc.Retry, hint)
	iteration := rc.Iteration
	rc.mu.Unlock()

	if err := o.reg.AppendLog(buildID, tenantID, fmt.Sprintf("step %s failed: %s", stepID, firstLine(failLogs))); err != nil {
		return stepFailed, "", err
	}

	// A replan that would exceed the iteration budget escalates instead of
	// failing the build outright; a human can still rescue it.
	if decision.Outcome == registry.OutcomeReplanned && iteration >= o.cfg.MaxIterations {
		decision = autofix.Decision{
			Outcome:  registry.OutcomeEscalated,
			Strategy: "iteration_budget_exhausted",
		}
	}

	run := registry.AutoFixRun{
		ID:             "autofix-" + uuid.New().String(),
		BuildID:        buildID,
		StepID:         stepID,
		SignalType:     signal.Type.String(),
		Attempt:        attempt,
		Strategy:       decision.Strategy,
		Outcome:        decision.Outcome,
		BackoffSeconds: decision.Backoff.Seconds(),
	}
	if err := o.reg.Update(buildID, tenantID, func(b *registry.Build) error {
		b.AutoFixRuns = append(b.AutoFixRuns, run)
		return nil
	}); err != nil {
		return stepFailed, "", err
	}
	if o.met != nil {
		o.met.RetriesTotal.WithLabelValues(string(decision.Outcome)).Inc()
	}
	o.pub.Publish(events.KindAutoFixDecided, tenantID, buildID, stepID, map[string]string{
		"outcome":  string(decision.Outcome),
		"strategy": decision.Strategy,
		"signal":   signal.Type.String(),
	})
	o.logger.Info("autofix decision",
		slog.String("build_id", buildID),
		slog.String("step_id", stepID),
		slog.String("signal", signal.Type.String()),
		slog.String("outcome", string(decision.Outcome)),
		slog.Int("attempt", attempt))

	rc.mu.Lock()
	rc.Retry.LastBackoffSeconds = decision.Backoff.Seconds()
	rc.mu.Unlock()
	if err := o.persistRetryState(rc); err != nil {
		return stepFailed, "", err
	}

	// 5. Dispatch on outcome.
	switch decision.Outcome {
	case registry.OutcomeRetried:
		select {
		case <-time.After(decision.Backoff):
		case <-ctx.Done():
			return stepCanceled, "", nil
		}
		return stepSucceeded, "", nil

	case registry.OutcomePatchApplied:
		feedback, err := o.applyPatch(ctx, rc, node, decision.PatchCategory, failLogs)
		if err != nil {
			return stepFailed, "", err
		}
		return stepSucceeded, feedback, nil

	case registry.OutcomeReplanned:
		if err := o.replan(ctx, rc, decision.RePlan); err != nil {
			return stepFailed, "", err
		}
		return stepReplanned, "", nil

	case registry.OutcomeEscalated:
		return o.escalate(ctx, h, rc, node, signal, decision.Strategy, failLogs)

	default: // gave_up
		if err := o.markStepFailed(rc, stepID, failLogs, started); err != nil {
			return stepFailed, "", err
		}
		rc.mu.Lock()
		exhausted := rc.Retry.TotalAttempts >= rc.Retry.MaxTotalAttempts
		rc.mu.Unlock()
		if exhausted || signal.Severity == classifier.SeverityCritical {
			return stepBuildFailed, "", nil
		}
		return stepFailed, "", nil
	}
}

// applyPatch invokes the auto-fixer's category generator and merges the fix
// artifacts into the run context.
func (o *Orchestrator) applyPatch(ctx context.Context, rc *RunContext, node *plan.TaskNode, category, failLogs string) (string, error) {
	fixer, err := o.agents.Get(agent.RoleAutoFixer)
	if err != nil {
		return "", err
	}
	rc.mu.Lock()
	artifacts := rc.Artifacts
	pl := rc.Plan
	rc.mu.Unlock()
	req := &agent.Request{
		Action:        "fix",
		BuildID:       rc.Build.BuildID,
		TenantID:      rc.Build.TenantID,
		Node:          node,
		Plan:          pl,
		Artifacts:     artifacts,
		Feedback:      failLogs,
		PatchCategory: category,
	}
	resp, span := agent.Invoke(ctx, fixer, req, o.cfg.AgentTimeouts)
	o.recordSpan(rc, span)
	if !resp.Success {
		return "", fmt.Errorf("auto-fixer failed: %s", firstLine(resp.Logs))
	}
	rc.mu.Lock()
	rc.Artifacts = append(rc.Artifacts, resp.Artifacts...)
	rc.mu.Unlock()
	return "fix applied for " + category, nil
}

// replan reruns the architect and designer on a delta goal, stores the new
// plan version, and points the build at it.
func (o *Orchestrator) replan(ctx context.Context, rc *RunContext, req *autofix.RePlanRequest) error {
	specText := ""
	if rc.Spec != nil {
		specText = rc.Spec.SourceText()
	}
	feedback := ""
	if req != nil {
		feedback = req.Reason
	}
	rc.mu.Lock()
	prev := rc.Plan
	rc.mu.Unlock()

	architect, err := o.agents.Get(agent.RoleArchitect)
	if err != nil {
		return err
	}
	aresp, aspan := agent.Invoke(ctx, architect, &agent.Request{
		Action:   "plan",
		BuildID:  rc.Build.BuildID,
		TenantID: rc.Build.TenantID,
		SpecText: specText,
		Feedback: feedback,
	}, o.cfg.AgentTimeouts)
	o.recordSpan(rc, aspan)
	if !aresp.Success || aresp.Graph == nil {
		return fmt.Errorf("replan: architect failed: %s", firstLine(aresp.Logs))
	}

	next := &plan.Plan{
		ID:             plan.NewID(),
		SpecID:         prev.SpecID,
		TenantID:       prev.TenantID,
		Version:        o.plans.NextVersion(prev.TenantID, prev.SpecID),
		OriginalPlanID: prev.ID,
		Graph:          *aresp.Graph,
		RiskScore:      aresp.RiskScore,
		Summary:        "replanned: " + firstLine(feedback),
		CreatedAt:      time.Now(),
	}

	designer, err := o.agents.Get(agent.RoleDesigner)
	if err != nil {
		return err
	}
	dresp, dspan := agent.Invoke(ctx, designer, &agent.Request{
		Action:   "refine",
		BuildID:  rc.Build.BuildID,
		TenantID: rc.Build.TenantID,
		Plan:     next,
	}, o.cfg.AgentTimeouts)
	o.recordSpan(rc, dspan)
	if dresp.Success && dresp.Graph != nil {
		next.Graph = *dresp.Graph
		next.DiffPreview = dresp.Logs
	}

	if err := o.plans.Put(next); err != nil {
		return fmt.Errorf("store replanned version: %w", err)
	}

	rc.mu.Lock()
	rc.Plan = next
	rc.Iteration++
	iteration := rc.Iteration
	rc.mu.Unlock()
	if err := o.reg.Update(rc.Build.BuildID, rc.Build.TenantID, func(b *registry.Build) error {
		b.PlanID = next.ID
		b.Iteration = iteration
		return nil
	}); err != nil {
		return err
	}
	if err := o.seedSteps(rc); err != nil {
		return err
	}

	o.pub.Publish(events.KindReplanned, rc.Build.TenantID, rc.Build.BuildID, "", map[string]string{
		"plan_id":   next.ID,
		"version":   fmt.Sprintf("%d", next.Version),
		"iteration": fmt.Sprintf("%d", iteration),
	})
	o.logger.Info("replanned",
		slog.String("build_id", rc.Build.BuildID),
		slog.String("plan_id", next.ID),
		slog.Int("version", next.Version),
		slog.Int("iteration", iteration))
	return nil
}

// escalate opens a pending approval gate and suspends the run until a human
// decides. Approval applies the proposed fix and re-executes the step;
// rejection fails the build.
func (o *Orchestrator) escalate(ctx context.Context, h *runHandle, rc *RunContext, node *plan.TaskNode, signal classifier.FailureSignal, strategy, failLogs string) (stepOutcome, string, error) {
	gate := registry.ApprovalGate{
		ID:       "gate-" + uuid.New().String(),
		BuildID:  rc.Build.BuildID,
		StepID:   node.TaskID,
		GateType: strategy,
		Status:   registry.GatePending,
		Metadata: map[string]string{
			"signal":       signal.Type.String(),
			"severity":     signal.Severity.String(),
			"proposed_fix": "re-execute " + node.TaskID + " with manual guidance",
		},
	}
	// The decision channel must exist before the gate is visible in the
	// registry, or a fast decider could race the suspension.
	decisions := h.openGate(gate.ID)
	defer h.closeGate(gate.ID)
	if err := o.reg.Update(rc.Build.BuildID, rc.Build.TenantID, func(b *registry.Build) error {
		b.Gates = append(b.Gates, gate)
		return nil
	}); err != nil {
		return stepFailed, "", err
	}
	o.pub.Publish(events.KindGateOpened, rc.Build.TenantID, rc.Build.BuildID, node.TaskID,
		map[string]string{"gate_id": gate.ID, "gate_type": strategy})
	o.logger.Info("approval gate opened",
		slog.String("build_id", rc.Build.BuildID),
		slog.String("gate_id", gate.ID),
		slog.String("step_id", node.TaskID))

	// Suspend until the gate is decided or the run is canceled.
	select {
	case <-ctx.Done():
		return stepCanceled, "", nil
	case d := <-decisions:
		o.pub.Publish(events.KindGateDecided, rc.Build.TenantID, rc.Build.BuildID, node.TaskID,
			map[string]string{"gate_id": gate.ID, "approved": fmt.Sprintf("%t", d.approved)})
		if !d.approved {
			if err := o.markStepFailed(rc, node.TaskID, "gate rejected: "+failLogs, time.Now()); err != nil {
				return stepFailed, "", err
			}
			return stepBuildFailed, "", nil
		}
		feedback, err := o.applyPatch(ctx, rc, node, "generic", failLogs)
		if err != nil {
			return stepFailed, "", err
		}
		return stepSucceeded, feedback, nil
	}
}

// markStepRunning transitions a step to running and stamps its start time.
func (o *Orchestrator) markStepRunning(rc *RunContext, stepID string) error {
	return o.reg.Update(rc.Build.BuildID, rc.Build.TenantID, func(b *registry.Build) error {
		s := b.Step(stepID)
		if s == nil {
			return fmt.Errorf("%w: step %s", registry.ErrNotFound, stepID)
		}
		now := time.Now()
		s.Status = registry.StepRunning
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
		s.Error = ""
		return nil
	})
}

// commitStepSuccess records the step's terminal success together with its
// primary artifact and appends the step's new artifacts to the build record.
func (o *Orchestrator) commitStepSuccess(rc *RunContext, node *plan.TaskNode, started time.Time) error {
	stepID := node.TaskID
	var primary *registry.Artifact
	var fresh []registry.Artifact
	rc.mu.Lock()
	for _, a := range rc.Artifacts {
		if a.StepID != stepID {
			continue
		}
		fresh = append(fresh, a)
		if a.Type == registry.ArtifactCode || a.Type == registry.ArtifactDevops || a.Type == registry.ArtifactFix {
			cp := a
			primary = &cp
		}
	}
	rc.mu.Unlock()

	err := o.reg.Update(rc.Build.BuildID, rc.Build.TenantID, func(b *registry.Build) error {
		s := b.Step(stepID)
		if s == nil {
			return fmt.Errorf("%w: step %s", registry.ErrNotFound, stepID)
		}
		now := time.Now()
		s.Status = registry.StepSucceeded
		s.EndedAt = &now
		s.ElapsedMS = time.Since(started).Milliseconds()
		if primary != nil {
			s.ArtifactRef = primary.ID
			s.SHA256 = primary.ContentHash
			s.LinesChanged = registry.LineCount(primary.Content)
			s.AnchorMatched = node.Anchor == ""
		}
		for _, a := range fresh {
			if b.Step(a.StepID) != nil && !containsArtifact(b.Artifacts, a.ID) {
				b.Artifacts = append(b.Artifacts, a)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if o.met != nil {
		o.met.StepsTotal.WithLabelValues(string(registry.StepSucceeded)).Inc()
		o.met.StepDuration.Observe(time.Since(started).Seconds())
	}
	o.pub.Publish(events.KindStepFinished, rc.Build.TenantID, rc.Build.BuildID, stepID,
		map[string]string{"status": string(registry.StepSucceeded)})
	return nil
}

// markStepFailed records a step's terminal failure.
func (o *Orchestrator) markStepFailed(rc *RunContext, stepID, reason string, started time.Time) error {
	err := o.reg.Update(rc.Build.BuildID, rc.Build.TenantID, func(b *registry.Build) error {
		s := b.Step(stepID)
		if s == nil {
			return fmt.Errorf("%w: step %s", registry.ErrNotFound, stepID)
		}
		now := time.Now()
		s.Status = registry.StepFailed
		s.EndedAt = &now
		s.ElapsedMS = time.Since(started).Milliseconds()
		s.Error = firstLine(reason)
		return nil
	})
	if err != nil {
		return err
	}

	if o.met != nil {
		o.met.StepsTotal.WithLabelValues(string(registry.StepFailed)).Inc()
	}
	o.pub.Publish(events.KindStepFinished, rc.Build.TenantID, rc.Build.BuildID, stepID,
		map[string]string{"status": string(registry.StepFailed)})
	return nil
}

func containsArtifact(artifacts []registry.Artifact, id string) bool {
	for _, a := range artifacts {
		if a.ID == id {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
