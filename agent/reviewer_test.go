package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/c360studio/buildplane/plan"
	"github.com/c360studio/buildplane/registry"
)

func TestReviewerCleanArtifacts(t *testing.T) {
	resp := (&Reviewer{}).Execute(context.Background(), &Request{
		Node: &plan.TaskNode{TaskID: "s1"},
		Artifacts: []registry.Artifact{
			registry.NewArtifact("b1", "s1", registry.ArtifactCode, "a.txt", "fn main() { ok }\n"),
		},
	})
	if !resp.Success {
		t.Errorf("balanced, non-empty artifacts pass review: %s", resp.Logs)
	}
}

func TestReviewerFindings(t *testing.T) {
	r := &Reviewer{}
	node := &plan.TaskNode{TaskID: "s1"}

	t.Run("empty artifact", func(t *testing.T) {
		resp := r.Execute(context.Background(), &Request{
			Node:      node,
			Artifacts: []registry.Artifact{registry.NewArtifact("b1", "s1", registry.ArtifactCode, "a.txt", "")},
		})
		if resp.Success || !strings.Contains(resp.Logs, "lint error") {
			t.Errorf("empty artifacts are a lint finding: %+v", resp)
		}
	})

	t.Run("unbalanced delimiters", func(t *testing.T) {
		resp := r.Execute(context.Background(), &Request{
			Node:      node,
			Artifacts: []registry.Artifact{registry.NewArtifact("b1", "s1", registry.ArtifactCode, "a.txt", "open { never closed\n")},
		})
		if resp.Success || !strings.Contains(resp.Logs, "syntax error") {
			t.Errorf("unbalanced delimiters are a syntax finding: %+v", resp)
		}
	})

	t.Run("nothing to review", func(t *testing.T) {
		resp := r.Execute(context.Background(), &Request{Node: node})
		if resp.Success {
			t.Error("review with no candidate artifacts must fail")
		}
	})
}

func TestReviewerScopesToStep(t *testing.T) {
	// Another step's broken artifact must not fail this step's review.
	resp := (&Reviewer{}).Execute(context.Background(), &Request{
		Node: &plan.TaskNode{TaskID: "s2"},
		Artifacts: []registry.Artifact{
			registry.NewArtifact("b1", "s1", registry.ArtifactCode, "bad.txt", "{{{"),
			registry.NewArtifact("b1", "s2", registry.ArtifactCode, "good.txt", "clean\n"),
		},
	})
	if !resp.Success {
		t.Errorf("review is scoped to the requested step: %s", resp.Logs)
	}
}
