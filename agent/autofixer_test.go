package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/c360studio/buildplane/plan"
	"github.com/c360studio/buildplane/registry"
)

func TestAutoFixerLintNormalizes(t *testing.T) {
	resp := (&AutoFixer{}).Execute(context.Background(), &Request{
		BuildID:       "b1",
		Node:          &plan.TaskNode{TaskID: "s1", Type: plan.TaskCreateFile, File: "a.txt"},
		PatchCategory: "lint",
		Artifacts: []registry.Artifact{
			registry.NewArtifact("b1", "s1", registry.ArtifactCode, "a.txt", "line one   \nline two\t"),
		},
	})
	if !resp.Success {
		t.Fatalf("unexpected failure: %s", resp.Logs)
	}
	fix := resp.Artifacts[0]
	if fix.Type != registry.ArtifactFix {
		t.Errorf("expected a fix artifact, got %s", fix.Type)
	}
	if fix.Content != "line one\nline two\n" {
		t.Errorf("lint fix trims trailing whitespace and ends with a newline: %q", fix.Content)
	}
}

func TestAutoFixerSyntaxBalances(t *testing.T) {
	resp := (&AutoFixer{}).Execute(context.Background(), &Request{
		Node:          &plan.TaskNode{TaskID: "s1", Type: plan.TaskCreateFile, File: "a.txt"},
		PatchCategory: "syntax",
		Artifacts: []registry.Artifact{
			registry.NewArtifact("b1", "s1", registry.ArtifactCode, "a.txt", "block {\n"),
		},
	})
	content := resp.Artifacts[0].Content
	if strings.Count(content, "{") != strings.Count(content, "}") {
		t.Errorf("syntax fix must balance delimiters: %q", content)
	}
}

func TestAutoFixerGenericCarriesFeedback(t *testing.T) {
	resp := (&AutoFixer{}).Execute(context.Background(), &Request{
		Node:     &plan.TaskNode{TaskID: "s1", Type: plan.TaskCreateFile, File: "a.txt"},
		Feedback: "upstream said no\ndetails",
		Artifacts: []registry.Artifact{
			registry.NewArtifact("b1", "s1", registry.ArtifactCode, "a.txt", "body\n"),
		},
	})
	content := resp.Artifacts[0].Content
	if !strings.Contains(content, "upstream said no") || strings.Contains(content, "details") {
		t.Errorf("generic fix annotates with the first feedback line only: %q", content)
	}
	if !strings.Contains(resp.Logs, "generic") {
		t.Errorf("logs should name the generator: %q", resp.Logs)
	}
}

func TestAutoFixerPatchesLatestArtifact(t *testing.T) {
	// A prior fix supersedes the original code artifact as the patch base.
	resp := (&AutoFixer{}).Execute(context.Background(), &Request{
		Node:          &plan.TaskNode{TaskID: "s1", Type: plan.TaskCreateFile, File: "a.txt"},
		PatchCategory: "documentation",
		Artifacts: []registry.Artifact{
			registry.NewArtifact("b1", "s1", registry.ArtifactCode, "a.txt", "v1\n"),
			registry.NewArtifact("b1", "s1", registry.ArtifactFix, "a.txt", "v2\n"),
		},
	})
	if !strings.HasPrefix(resp.Artifacts[0].Content, "v2\n") {
		t.Errorf("fix should build on the newest artifact: %q", resp.Artifacts[0].Content)
	}
}
