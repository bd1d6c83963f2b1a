package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/buildplane/parser"
	"github.com/c360studio/buildplane/plan"
)

// Architect compiles spec text into a task graph and estimates its risk.
type Architect struct {
	parser *parser.Parser
}

// NewArchitect creates an Architect using the given parser.
func NewArchitect(p *parser.Parser) *Architect {
	return &Architect{parser: p}
}

// Role identifies the agent.
func (a *Architect) Role() Role { return RoleArchitect }

// Execute compiles req.SpecText. Replan requests carry the prior failure
// guidance in req.Feedback; the architect folds it into the graph metadata
// so downstream stages can see what changed.
func (a *Architect) Execute(ctx context.Context, req *Request) *Response {
	if err := ctx.Err(); err != nil {
		return &Response{Success: false, Logs: "architect: " + err.Error()}
	}

	p := a.parser
	if p == nil {
		p = parser.New()
	}

	graph, err := p.Parse(req.SpecText)
	if err != nil {
		return &Response{
			Success: false,
			Logs:    fmt.Sprintf("architect: spec compile failed: %v", err),
		}
	}

	if req.Feedback != "" {
		for i := range graph.Nodes {
			if graph.Nodes[i].Metadata == nil {
				graph.Nodes[i].Metadata = make(map[string]string)
			}
			graph.Nodes[i].Metadata["replan_feedback"] = firstLine(req.Feedback)
		}
	}

	return &Response{
		Success:   true,
		Graph:     graph,
		RiskScore: riskScore(graph),
	}
}

// riskScore estimates execution risk in [0,1] from graph shape: size, fan-in
// depth, and the share of schema or module tasks, which touch more surface
// than plain file writes.
func riskScore(g *plan.TaskGraph) float64 {
	if len(g.Nodes) == 0 {
		return 0
	}

	score := float64(len(g.Nodes)) * 0.02
	for _, n := range g.Nodes {
		switch n.Type {
		case plan.TaskCreateSchema, plan.TaskGenerateModule:
			score += 0.08
		case plan.TaskRunAcceptance:
			score += 0.03
		}
		score += float64(len(n.DependsOn)) * 0.01
	}

	if score > 1 {
		score = 1
	}
	return score
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
