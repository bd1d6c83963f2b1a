// Package parser compiles heterogeneous build input (free text, structured
// plan documents with named sections, or domain spec documents) into a
// validated task graph. Section documents are dispatched to per-section
// sub-parsers; anything that fails section extraction falls back to the
// domain pattern library.
package parser

import (
	"errors"
	"fmt"

	"github.com/c360studio/buildplane/plan"
)

// Sentinel errors for parsing.
var (
	ErrEmptyInput = errors.New("input is empty")
)

// Parser converts input text into task graphs.
type Parser struct{}

// New creates a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse compiles input into a task graph. Structured documents with
// recognized section headers are parsed section by section; otherwise the
// free-text fallback applies. The returned graph is always validated:
// unknown dependencies or cycles are a hard error, never a silent empty
// graph.
func (p *Parser) Parse(input string) (*plan.TaskGraph, error) {
	if isBlank(input) {
		return nil, ErrEmptyInput
	}

	graph, sectioned := p.parseSections(input)
	if !sectioned {
		graph = p.parseFreeText(input)
	}

	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task graph: %w", err)
	}
	return graph, nil
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
