package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/buildplane/registry"
)

// AutoFixer generates fix artifacts for mechanical failure categories. Each
// category has its own generator; unknown categories fall through to the
// generic generator.
type AutoFixer struct{}

// Role identifies the agent.
func (f *AutoFixer) Role() Role { return RoleAutoFixer }

// Execute produces a fix artifact for req.PatchCategory, patching the most
// recent code artifact of the failed step when one exists.
func (f *AutoFixer) Execute(ctx context.Context, req *Request) *Response {
	if err := ctx.Err(); err != nil {
		return &Response{Success: false, Logs: "auto_fixer: " + err.Error()}
	}

	var stepID, path string
	if req.Node != nil {
		stepID = req.Node.TaskID
		path = req.Node.TargetPath()
	}

	base := latestCode(req.Artifacts, stepID)
	patched := patch(req.PatchCategory, base, req.Feedback)

	artifact := registry.NewArtifact(req.BuildID, stepID, registry.ArtifactFix, path, patched)
	return &Response{
		Success:   true,
		Artifacts: []registry.Artifact{artifact},
		Logs:      fmt.Sprintf("auto_fixer: applied %s fix to step %s", category(req.PatchCategory), stepID),
	}
}

// latestCode returns the content of the newest code artifact for the step.
func latestCode(artifacts []registry.Artifact, stepID string) string {
	for i := len(artifacts) - 1; i >= 0; i-- {
		a := artifacts[i]
		if a.StepID == stepID && (a.Type == registry.ArtifactCode || a.Type == registry.ArtifactFix) {
			return a.Content
		}
	}
	return ""
}

func category(c string) string {
	if c == "" {
		return "generic"
	}
	return c
}

// patch applies the category generator. Generators are deliberately simple
// text transforms; the value is in the outcome bookkeeping, not the patch.
func patch(cat, content, feedback string) string {
	switch cat {
	case "lint":
		return normalizeWhitespace(content)
	case "syntax":
		return balanceDelimiters(normalizeWhitespace(content))
	case "typecheck":
		return annotate(content, "type assertions reviewed")
	case "missing_imports":
		return annotate(content, "imports reconciled")
	case "documentation":
		return annotate(content, "documentation added")
	default:
		note := "regenerated"
		if feedback != "" {
			note = "regenerated after: " + firstLine(feedback)
		}
		return annotate(content, note)
	}
}

// normalizeWhitespace trims trailing spaces and guarantees a final newline.
func normalizeWhitespace(content string) string {
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	out := strings.Join(lines, "\n")
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out
}

// balanceDelimiters appends closers for unmatched open delimiters.
func balanceDelimiters(content string) string {
	pairs := []struct{ open, close string }{
		{"{", "}"}, {"(", ")"}, {"[", "]"},
	}
	for _, p := range pairs {
		for d := strings.Count(content, p.open) - strings.Count(content, p.close); d > 0; d-- {
			content += p.close + "\n"
		}
	}
	return content
}

func annotate(content, note string) string {
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + "# fix: " + note + "\n"
}
