package parser

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/c360studio/buildplane/plan"
)

// Recognized section names, matched case-insensitively against header lines.
const (
	sectionRepoSkeleton = "repo skeleton"
	sectionSpec         = "spec"
	sectionGenerators   = "generators"
	sectionAcceptance   = "acceptance criteria"
	sectionRoadmap      = "roadmap"
)

// headerPattern matches markdown headers (## Name) and bare "Name:" headers.
var headerPattern = regexp.MustCompile(`^(?:#{1,4}\s+(.+?)|([A-Za-z][A-Za-z ]+):)\s*$`)

// pathPattern extracts path-like tokens from skeleton lines. Directories end
// with a slash; files contain an extension.
var pathPattern = regexp.MustCompile(`[A-Za-z0-9_./-]*[A-Za-z0-9_-]+(?:/|\.[A-Za-z0-9]+)`)

// identifierPattern extracts schema/module identifiers: a leading word on a
// list line, or a word followed by a colon.
var identifierPattern = regexp.MustCompile(`^[-*]?\s*\x60?([A-Za-z][A-Za-z0-9_]*)\x60?\s*(?::|$|\s)`)

// section is a named run of content lines between two headers.
type section struct {
	name  string
	lines []string
}

// parseSections extracts named sections and dispatches each to its
// sub-parser. Returns (graph, false) when no recognized section is present.
func (p *Parser) parseSections(input string) (*plan.TaskGraph, bool) {
	sections := splitSections(input)
	if len(sections) == 0 {
		return nil, false
	}

	g := &plan.TaskGraph{}
	for _, sec := range sections {
		switch sec.name {
		case sectionRepoSkeleton:
			parseRepoSkeleton(g, sec.lines)
		case sectionSpec:
			parseSpecSection(g, sec.lines)
		case sectionGenerators:
			parseGenerators(g, sec.lines)
		case sectionAcceptance:
			parseAcceptance(g, sec.lines)
		case sectionRoadmap:
			// Roadmap entries inform humans, not the task graph.
		}
	}

	if len(g.Nodes) == 0 {
		return nil, false
	}
	return g, true
}

// splitSections walks the input line by line, collecting content under each
// recognized header. Unrecognized headers end the current section without
// starting a new one.
func splitSections(input string) []section {
	var sections []section
	var current *section

	for _, raw := range strings.Split(input, "\n") {
		line := strings.TrimSpace(raw)

		if m := headerPattern.FindStringSubmatch(line); m != nil {
			name := m[1]
			if name == "" {
				name = m[2]
			}
			current = nil
			if canonical, ok := recognizeSection(name); ok {
				sections = append(sections, section{name: canonical})
				current = &sections[len(sections)-1]
			}
			continue
		}

		if current != nil && line != "" {
			current.lines = append(current.lines, line)
		}
	}
	return sections
}

// recognizeSection matches a header against the known section names,
// case-insensitively and tolerant of surrounding words.
func recognizeSection(header string) (string, bool) {
	h := strings.ToLower(strings.TrimSpace(header))
	for _, name := range []string{
		sectionRepoSkeleton, sectionAcceptance, sectionGenerators,
		sectionRoadmap, sectionSpec,
	} {
		if h == name || strings.Contains(h, name) {
			return name, true
		}
	}
	return "", false
}

// parseRepoSkeleton emits create_directory and create_file nodes from
// path-like tokens. A file under an emitted directory depends on it.
func parseRepoSkeleton(g *plan.TaskGraph, lines []string) {
	dirs := make(map[string]string) // dir path -> task id
	for _, line := range lines {
		for _, token := range pathPattern.FindAllString(line, -1) {
			if strings.HasSuffix(token, "/") {
				dir := strings.TrimSuffix(token, "/")
				if _, seen := dirs[dir]; seen {
					continue
				}
				id := fmt.Sprintf("dir_%d", len(g.Nodes))
				dirs[dir] = id
				g.Nodes = append(g.Nodes, plan.TaskNode{
					TaskID:    id,
					Type:      plan.TaskCreateDirectory,
					Directory: dir,
				})
				continue
			}

			node := plan.TaskNode{
				TaskID: fmt.Sprintf("file_%d", len(g.Nodes)),
				Type:   plan.TaskCreateFile,
				File:   token,
			}
			// Depend on the closest emitted parent directory.
			for dir, id := range dirs {
				if strings.HasPrefix(token, dir+"/") {
					node.DependsOn = append(node.DependsOn, id)
				}
			}
			g.Nodes = append(g.Nodes, node)
		}
	}
}

// parseSpecSection emits create_schema nodes keyed by identifier.
func parseSpecSection(g *plan.TaskGraph, lines []string) {
	seen := make(map[string]bool)
	for _, line := range lines {
		m := identifierPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ident := m[1]
		if seen[ident] {
			continue
		}
		seen[ident] = true
		g.Nodes = append(g.Nodes, plan.TaskNode{
			TaskID:  "schema_" + strings.ToLower(ident),
			Type:    plan.TaskCreateSchema,
			Content: line,
			Metadata: map[string]string{
				"identifier": ident,
			},
		})
	}
}

// parseGenerators emits generate_module nodes.
func parseGenerators(g *plan.TaskGraph, lines []string) {
	seen := make(map[string]bool)
	for _, line := range lines {
		m := identifierPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		g.Nodes = append(g.Nodes, plan.TaskNode{
			TaskID:  "module_" + strings.ToLower(name),
			Type:    plan.TaskGenerateModule,
			Content: line,
			Metadata: map[string]string{
				"module": name,
			},
		})
	}
}

// parseAcceptance emits create_test nodes, one per criterion line, with the
// criterion text preserved and a stable content-derived identifier.
func parseAcceptance(g *plan.TaskGraph, lines []string) {
	for _, line := range lines {
		criterion := strings.TrimLeft(line, "-* ")
		if criterion == "" {
			continue
		}
		g.Nodes = append(g.Nodes, plan.TaskNode{
			TaskID:             "test_" + stableHash(criterion),
			Type:               plan.TaskCreateTest,
			AcceptanceCriteria: []string{criterion},
		})
	}
}

// stableHash returns a short stable hash of a criterion, used so test task
// ids survive re-parsing unchanged.
func stableHash(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}
