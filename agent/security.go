package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Security screens a plan before execution. Findings do not block the plan;
// they raise its risk score and are surfaced in the logs so the caller can
// gate on them.
type Security struct{}

// Role identifies the agent.
func (s *Security) Role() Role { return RoleSecurity }

var (
	secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*\S+`)

	// Paths a generated plan must never write.
	forbiddenPrefixes = []string{"/etc/", "/usr/", "/bin/", "../"}
)

// Execute screens req.Plan. The response is successful unless a node targets
// a forbidden path; embedded secrets add risk but do not fail the screen.
func (s *Security) Execute(ctx context.Context, req *Request) *Response {
	if err := ctx.Err(); err != nil {
		return &Response{Success: false, Logs: "security: " + err.Error()}
	}
	if req.Plan == nil {
		return &Response{Success: false, Logs: "security: no plan to screen"}
	}

	var findings []string
	var risk float64

	for _, n := range req.Plan.Graph.Nodes {
		target := n.TargetPath()
		for _, prefix := range forbiddenPrefixes {
			if strings.HasPrefix(target, prefix) || strings.Contains(target, "/../") {
				return &Response{
					Success: false,
					Logs:    fmt.Sprintf("security: policy violation: task %s targets forbidden path %s", n.TaskID, target),
				}
			}
		}
		if secretPattern.MatchString(n.Content) {
			findings = append(findings, fmt.Sprintf("task %s: possible hardcoded credential in content", n.TaskID))
			risk += 0.2
		}
	}

	if risk > 1 {
		risk = 1
	}
	return &Response{
		Success:   true,
		RiskScore: risk,
		Logs:      strings.Join(findings, "\n"),
	}
}
