package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/buildplane/plan"
)

// Designer refines an architect graph: it fills in default acceptance
// criteria, marks schema tasks exclusive, and renders the diff preview shown
// to the caller before a build starts.
type Designer struct{}

// Role identifies the agent.
func (d *Designer) Role() Role { return RoleDesigner }

// Execute refines req.Plan's graph in place on a copy and returns it.
func (d *Designer) Execute(ctx context.Context, req *Request) *Response {
	if err := ctx.Err(); err != nil {
		return &Response{Success: false, Logs: "designer: " + err.Error()}
	}
	if req.Plan == nil {
		return &Response{Success: false, Logs: "designer: no plan to refine"}
	}

	graph := plan.TaskGraph{Nodes: append([]plan.TaskNode(nil), req.Plan.Graph.Nodes...)}
	for i := range graph.Nodes {
		n := &graph.Nodes[i]
		if n.Type == plan.TaskCreateSchema {
			n.RequiresExclusive = true
		}
		if len(n.AcceptanceCriteria) == 0 && n.TargetPath() != "" {
			n.AcceptanceCriteria = []string{fmt.Sprintf("%s exists and is non-empty", n.TargetPath())}
		}
	}

	return &Response{
		Success: true,
		Graph:   &graph,
		Logs:    diffPreview(&graph),
	}
}

// diffPreview renders a compact, deterministic sketch of what the plan will
// create, in graph order.
func diffPreview(g *plan.TaskGraph) string {
	var b strings.Builder
	for _, n := range g.Nodes {
		switch n.Type {
		case plan.TaskCreateDirectory:
			fmt.Fprintf(&b, "+ %s/\n", strings.TrimSuffix(n.Directory, "/"))
		case plan.TaskCreateFile, plan.TaskCreateSchema, plan.TaskCreateTest:
			fmt.Fprintf(&b, "+ %s\n", n.File)
		case plan.TaskGenerateModule:
			fmt.Fprintf(&b, "+ module %s\n", n.TaskID)
		case plan.TaskRunAcceptance:
			fmt.Fprintf(&b, "~ acceptance %s\n", n.TaskID)
		case plan.TaskSetupRepo:
			fmt.Fprintf(&b, "+ repo scaffold\n")
		}
	}
	return b.String()
}
