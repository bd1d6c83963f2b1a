package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/buildplane/registry"
)

// Reviewer audits generated artifacts for structural problems a generator
// can miss: empty output and unbalanced delimiters. A finding fails the
// stage so the failure enters classification.
type Reviewer struct{}

// Role identifies the agent.
func (r *Reviewer) Role() Role { return RoleReviewer }

// Execute reviews the artifacts of req.Node's step.
func (r *Reviewer) Execute(ctx context.Context, req *Request) *Response {
	if err := ctx.Err(); err != nil {
		return &Response{Success: false, Logs: "reviewer: " + err.Error()}
	}

	var stepID string
	if req.Node != nil {
		stepID = req.Node.TaskID
	}

	reviewed := 0
	for _, a := range req.Artifacts {
		if stepID != "" && a.StepID != stepID {
			continue
		}
		if a.Type != registry.ArtifactCode && a.Type != registry.ArtifactFix {
			continue
		}
		reviewed++
		if a.BytesWritten == 0 {
			return &Response{
				Success: false,
				Logs:    fmt.Sprintf("reviewer: lint error: artifact %s for %s is empty", a.Path, a.StepID),
			}
		}
		if finding := delimiterFinding(a.Content); finding != "" {
			return &Response{
				Success: false,
				Logs:    fmt.Sprintf("reviewer: syntax error in %s: %s", a.Path, finding),
			}
		}
	}

	if reviewed == 0 {
		return &Response{Success: false, Logs: "reviewer: lint error: no artifacts to review for step " + stepID}
	}
	return &Response{Success: true, Logs: fmt.Sprintf("reviewer: %d artifact(s) clean", reviewed)}
}

// delimiterFinding reports the first unbalanced delimiter pair, or "".
func delimiterFinding(content string) string {
	pairs := []struct{ open, close string }{
		{"{", "}"}, {"(", ")"}, {"[", "]"},
	}
	for _, p := range pairs {
		if strings.Count(content, p.open) != strings.Count(content, p.close) {
			return fmt.Sprintf("unbalanced %s%s", p.open, p.close)
		}
	}
	return ""
}
