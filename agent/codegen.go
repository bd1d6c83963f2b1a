package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/buildplane/plan"
	"github.com/c360studio/buildplane/registry"
)

// Codegen produces file content for producing task types. Output is a pure
// function of the node, so re-executions after a retry are reproducible.
type Codegen struct{}

// Role identifies the agent.
func (c *Codegen) Role() Role { return RoleCodegen }

// Execute generates the artifact for req.Node. Nodes with literal content
// emit it verbatim; generator nodes render from their type template. Fix
// feedback, when present, is applied before emitting.
func (c *Codegen) Execute(ctx context.Context, req *Request) *Response {
	if err := ctx.Err(); err != nil {
		return &Response{Success: false, Logs: "codegen: " + err.Error()}
	}
	if req.Node == nil {
		return &Response{Success: false, Logs: "codegen: no task node"}
	}

	node := req.Node
	artifactType := registry.ArtifactCode
	path := node.TargetPath()
	var content string

	switch node.Type {
	case plan.TaskCreateFile:
		content = node.Content
		if content == "" {
			content = fmt.Sprintf("// %s\n", node.File)
		}
	case plan.TaskCreateDirectory:
		if node.Directory == "" {
			return &Response{Success: false, Logs: "codegen: directory task has no target"}
		}
		artifactType = registry.ArtifactDevops
		path = strings.TrimSuffix(node.Directory, "/")
	case plan.TaskGenerateModule:
		content = moduleTemplate(node)
	case plan.TaskCreateSchema:
		content = schemaTemplate(node)
	case plan.TaskCreateTest:
		content = testTemplate(node)
	case plan.TaskSetupRepo:
		artifactType = registry.ArtifactDevops
		path = ".buildplane/manifest.txt"
		content = repoManifest(req.Plan)
	default:
		return &Response{
			Success: false,
			Logs:    fmt.Sprintf("codegen: unsupported task type %s for task %s", node.Type, node.TaskID),
		}
	}

	if req.Feedback != "" && content != "" {
		content = applyFeedback(content, req.Feedback)
	}

	artifact := registry.NewArtifact(req.BuildID, node.TaskID, artifactType, path, content)
	return &Response{Success: true, Artifacts: []registry.Artifact{artifact}}
}

// repoManifest lists every path the plan will produce, one per line.
func repoManifest(p *plan.Plan) string {
	var b strings.Builder
	b.WriteString("# repository manifest\n")
	if p == nil {
		return b.String()
	}
	for _, n := range p.Graph.Nodes {
		if target := n.TargetPath(); target != "" {
			fmt.Fprintf(&b, "%s\n", target)
		}
	}
	return b.String()
}

func moduleTemplate(node *plan.TaskNode) string {
	name := node.Metadata["module"]
	if name == "" {
		name = strings.TrimPrefix(node.TaskID, "module_")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# module: %s\n\n", name)
	fmt.Fprintf(&b, "name: %s\n", name)
	b.WriteString("operations:\n  - create\n  - get\n  - list\n")
	if len(node.AcceptanceCriteria) > 0 {
		b.WriteString("acceptance:\n")
		for _, c := range node.AcceptanceCriteria {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}
	return b.String()
}

func schemaTemplate(node *plan.TaskNode) string {
	name := node.Metadata["schema"]
	if name == "" {
		name = strings.TrimPrefix(node.TaskID, "schema_")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "schema: %s\nversion: 1\nfields:\n", name)
	b.WriteString("  - name: id\n    type: string\n    required: true\n")
	b.WriteString("  - name: created_at\n    type: timestamp\n    required: true\n")
	return b.String()
}

func testTemplate(node *plan.TaskNode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# test: %s\n", node.TaskID)
	for _, c := range node.AcceptanceCriteria {
		fmt.Fprintf(&b, "assert: %s\n", c)
	}
	if len(node.AcceptanceCriteria) == 0 {
		b.WriteString("assert: output is produced\n")
	}
	return b.String()
}

// applyFeedback folds fix guidance into regenerated content as a trailing
// annotation, keeping the original body intact.
func applyFeedback(content, feedback string) string {
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + "# revised: " + firstLine(feedback) + "\n"
}
