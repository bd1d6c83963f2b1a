package parser

import (
	"regexp"
	"strings"

	"github.com/c360studio/buildplane/plan"
)

// domainPattern maps a recognized free-text request to a pre-canned task
// sequence with domain metadata attached.
type domainPattern struct {
	// name labels the domain for metadata.
	name string

	// match recognizes the request.
	match *regexp.Regexp

	// expand builds the task sequence.
	expand func() []plan.TaskNode
}

// domainPatterns is consulted in order; the first match wins.
var domainPatterns = []domainPattern{
	{
		name:  "hello-world",
		match: regexp.MustCompile(`(?i)\bhello[ ,-]?world\b|^hello world$`),
		expand: func() []plan.TaskNode {
			return []plan.TaskNode{
				{
					TaskID:    "dir_hello",
					Type:      plan.TaskCreateDirectory,
					Directory: "/hello",
				},
				{
					TaskID:    "file_hello_main",
					Type:      plan.TaskCreateFile,
					File:      "hello/main.txt",
					Content:   "hello world\n",
					DependsOn: []string{"dir_hello"},
				},
			}
		},
	},
	{
		name:  "rest-api",
		match: regexp.MustCompile(`(?i)\brest(ful)?\s+api\b`),
		expand: func() []plan.TaskNode {
			return []plan.TaskNode{
				{TaskID: "setup_repo", Type: plan.TaskSetupRepo},
				{TaskID: "schema_api", Type: plan.TaskCreateSchema, Content: "api resource schema", DependsOn: []string{"setup_repo"}},
				{TaskID: "module_handlers", Type: plan.TaskGenerateModule, Content: "http handlers", DependsOn: []string{"schema_api"}},
				{TaskID: "test_api", Type: plan.TaskCreateTest, AcceptanceCriteria: []string{"endpoints respond"}, DependsOn: []string{"module_handlers"}},
			}
		},
	},
	{
		name:  "cli-tool",
		match: regexp.MustCompile(`(?i)\bcli\b|\bcommand[- ]line\b`),
		expand: func() []plan.TaskNode {
			return []plan.TaskNode{
				{TaskID: "setup_repo", Type: plan.TaskSetupRepo},
				{TaskID: "module_commands", Type: plan.TaskGenerateModule, Content: "cli commands", DependsOn: []string{"setup_repo"}},
				{TaskID: "test_cli", Type: plan.TaskCreateTest, AcceptanceCriteria: []string{"commands parse flags"}, DependsOn: []string{"module_commands"}},
			}
		},
	},
}

// parseFreeText matches the whole message against the domain pattern
// library. An unrecognized message degrades to a single create_file node
// carrying the message as content.
func (p *Parser) parseFreeText(input string) *plan.TaskGraph {
	message := strings.TrimSpace(input)

	for _, dp := range domainPatterns {
		if !dp.match.MatchString(message) {
			continue
		}
		nodes := dp.expand()
		for i := range nodes {
			if nodes[i].Metadata == nil {
				nodes[i].Metadata = map[string]string{}
			}
			nodes[i].Metadata["domain"] = dp.name
		}
		return &plan.TaskGraph{Nodes: nodes}
	}

	return &plan.TaskGraph{Nodes: []plan.TaskNode{
		{
			TaskID:  "file_0",
			Type:    plan.TaskCreateFile,
			File:    "NOTES.md",
			Content: message + "\n",
		},
	}}
}
