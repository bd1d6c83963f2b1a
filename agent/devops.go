package agent

import (
	"context"
	"fmt"

	"github.com/c360studio/buildplane/registry"
	"github.com/c360studio/buildplane/workspace"
)

// Devops materializes step artifacts in the build workspace and verifies
// them. Without a workspace it is a no-op stage, which keeps the pipeline
// runnable in registry-only deployments.
type Devops struct {
	ws *workspace.Workspace
}

// NewDevops creates a Devops agent writing into ws. A nil workspace
// disables materialization.
func NewDevops(ws *workspace.Workspace) *Devops {
	return &Devops{ws: ws}
}

// Role identifies the agent.
func (d *Devops) Role() Role { return RoleDevops }

// Execute writes the step's artifacts under the build directory and
// verifies each one: directories must exist, files must exist and be
// non-empty. A verification failure fails the stage.
func (d *Devops) Execute(ctx context.Context, req *Request) *Response {
	if err := ctx.Err(); err != nil {
		return &Response{Success: false, Logs: "devops: " + err.Error()}
	}
	if d.ws == nil {
		return &Response{Success: true, Logs: "devops: no workspace configured, skipping materialization"}
	}

	var stepID string
	if req.Node != nil {
		stepID = req.Node.TaskID
	}

	written := 0
	for i := range req.Artifacts {
		a := &req.Artifacts[i]
		if stepID != "" && a.StepID != stepID {
			continue
		}
		if a.Type == registry.ArtifactLogs || a.Type == registry.ArtifactReport || a.Path == "" {
			continue
		}
		if err := d.ws.WriteArtifact(req.TenantID, a); err != nil {
			return &Response{
				Success: false,
				Logs:    fmt.Sprintf("devops: write %s: %v", a.Path, err),
			}
		}
		if err := d.ws.VerifyArtifact(req.TenantID, a); err != nil {
			return &Response{
				Success: false,
				Logs:    fmt.Sprintf("devops: verify %s: %v", a.Path, err),
			}
		}
		written++
	}

	return &Response{Success: true, Logs: fmt.Sprintf("devops: materialized %d artifact(s)", written)}
}
