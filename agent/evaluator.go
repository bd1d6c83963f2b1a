package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/buildplane/registry"
)

// Evaluator judges accumulated artifacts against acceptance criteria and
// produces a structured report. The overall score is the passed fraction
// scaled to [0,100]; the pass flag applies the registry threshold.
type Evaluator struct{}

// Role identifies the agent.
func (e *Evaluator) Role() Role { return RoleEvaluator }

// Execute evaluates req.Artifacts against the criteria of req.Node (when
// step-scoped) or the whole plan. A failing evaluation is still a successful
// agent invocation; the report carries the verdict.
func (e *Evaluator) Execute(ctx context.Context, req *Request) *Response {
	if err := ctx.Err(); err != nil {
		return &Response{Success: false, Logs: "evaluator: " + err.Error()}
	}

	criteria := collectCriteria(req)
	report := &registry.EvaluationReport{BuildID: req.BuildID}
	if req.Node != nil {
		report.StepID = req.Node.TaskID
	}

	if len(criteria) == 0 {
		// Nothing to judge; an empty criteria set passes vacuously.
		report.OverallScore = 100
		report.Passed = true
		return &Response{Success: true, Report: report}
	}

	passed := 0
	for i, criterion := range criteria {
		result := judge(criterion, req.Artifacts)
		result.ID = fmt.Sprintf("criterion_%d", i+1)
		if result.Passed {
			passed++
		}
		report.Criteria = append(report.Criteria, result)
	}

	report.OverallScore = float64(passed) / float64(len(criteria)) * 100
	report.Passed = report.OverallScore >= registry.PassThreshold

	var logs string
	if !report.Passed {
		var failed []string
		for _, r := range report.Criteria {
			if !r.Passed {
				failed = append(failed, r.Reason)
			}
		}
		logs = fmt.Sprintf("assertion failed: %d of %d criteria failed: %s",
			len(criteria)-passed, len(criteria), strings.Join(failed, "; "))
	}

	return &Response{Success: true, Report: report, Logs: logs}
}

func collectCriteria(req *Request) []string {
	if req.Node != nil && len(req.Node.AcceptanceCriteria) > 0 {
		return req.Node.AcceptanceCriteria
	}
	if req.Plan != nil {
		var all []string
		for _, n := range req.Plan.Graph.Nodes {
			all = append(all, n.AcceptanceCriteria...)
		}
		return all
	}
	return nil
}

// judge checks one criterion against the artifact set. Criteria of the form
// "<path> exists and is non-empty" are checked structurally; free-text
// criteria pass when any artifact mentions their key terms.
func judge(criterion string, artifacts []registry.Artifact) registry.CriterionResult {
	if path, ok := strings.CutSuffix(criterion, " exists and is non-empty"); ok {
		for _, a := range artifacts {
			if a.Path == path || a.Path == strings.TrimSuffix(path, "/") {
				if a.BytesWritten > 0 || a.Type == registry.ArtifactDevops {
					return registry.CriterionResult{Passed: true}
				}
				return registry.CriterionResult{Passed: false, Reason: path + " is empty"}
			}
		}
		return registry.CriterionResult{Passed: false, Reason: path + " was not produced"}
	}

	terms := keyTerms(criterion)
	for _, a := range artifacts {
		content := strings.ToLower(a.Content + " " + a.Path)
		matched := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				matched++
			}
		}
		if len(terms) > 0 && matched*2 >= len(terms) {
			return registry.CriterionResult{Passed: true}
		}
	}
	return registry.CriterionResult{Passed: false, Reason: "no artifact satisfies: " + criterion}
}

// keyTerms extracts the significant lowercase words of a criterion.
func keyTerms(criterion string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(criterion)) {
		w = strings.Trim(w, ".,:;`\"'")
		if len(w) > 3 {
			terms = append(terms, w)
		}
	}
	return terms
}
