// Package classifier converts raw step output into typed failure signals.
// Classification is deterministic: the same (step name, logs, artifacts,
// prior signals) always yields the same signal.
package classifier

import (
	"strings"
)

// FailureType is the failure taxonomy.
type FailureType string

const (
	FailureTransient       FailureType = "transient"
	FailureInfra           FailureType = "infra"
	FailureTestAssert      FailureType = "test_assert"
	FailureLint            FailureType = "lint"
	FailureTypecheck       FailureType = "typecheck"
	FailureMissingImports  FailureType = "missing_imports"
	FailureSyntax          FailureType = "syntax"
	FailureDocumentation   FailureType = "documentation"
	FailureSecurity        FailureType = "security"
	FailurePolicy          FailureType = "policy"
	FailureRuntime         FailureType = "runtime"
	FailureSchemaMigration FailureType = "schema_migration"
	FailureRateLimit       FailureType = "rate_limit"
	FailureUnknown         FailureType = "unknown"
)

// String returns the string representation of the failure type.
func (t FailureType) String() string {
	return string(t)
}

// Severity grades a failure signal.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// FailureSignal is a classified failure.
type FailureSignal struct {
	// Type is the classified failure type.
	Type FailureType `json:"type"`

	// Source names where the failure surfaced (step name).
	Source string `json:"source"`

	// Message is a short description of the failure.
	Message string `json:"message"`

	// Severity grades the failure.
	Severity Severity `json:"severity"`

	// CanRetry reports whether a plain retry is sensible.
	CanRetry bool `json:"can_retry"`

	// RequiresReplan reports whether the plan itself needs rework.
	RequiresReplan bool `json:"requires_replan"`

	// Evidence holds the matched log fragments.
	Evidence []string `json:"evidence,omitempty"`

	// Confidence is the classifier's confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// minConfidence is the floor below which the winning candidate is discarded
// and the signal degrades to unknown.
const minConfidence = 0.3

// Classifier classifies step failures against the pattern table.
type Classifier struct{}

// New creates a Classifier.
func New() *Classifier {
	return &Classifier{}
}

// Classify scores the pattern table against the logs and applies the
// meta-rules over the signal history. It is a pure function of its inputs.
func (c *Classifier) Classify(stepName, logs string, artifacts []string, prior []FailureSignal) FailureSignal {
	signal := c.scorePatterns(stepName, logs)
	return applyMetaRules(signal, prior)
}

// scorePatterns consults the pattern table in order. Each pattern's base
// confidence is raised by repeated matches and lowered by alternation
// complexity (more alternatives means a less specific pattern). The best
// candidate wins only with final confidence >= minConfidence.
func (c *Classifier) scorePatterns(stepName, logs string) FailureSignal {
	best := FailureSignal{
		Type:     FailureUnknown,
		Source:   stepName,
		Message:  firstLine(logs),
		Severity: SeverityMedium,
		CanRetry: true,
	}
	bestConf := 0.0

	for _, p := range patternTable {
		matches := p.re.FindAllString(logs, -1)
		if len(matches) == 0 {
			continue
		}

		conf := p.baseConfidence
		extra := len(matches) - 1
		if extra > 4 {
			extra = 4
		}
		conf += 0.05 * float64(extra)
		conf -= 0.03 * float64(p.alternations())
		if conf > 1 {
			conf = 1
		}
		if conf < 0 {
			conf = 0
		}

		if conf > bestConf {
			bestConf = conf
			best = p.template
			best.Source = stepName
			best.Message = firstLine(logs)
			best.Evidence = dedupe(matches, 5)
			best.Confidence = conf
		}
	}

	if bestConf < minConfidence {
		return FailureSignal{
			Type:       FailureUnknown,
			Source:     stepName,
			Message:    firstLine(logs),
			Severity:   SeverityMedium,
			CanRetry:   true,
			Confidence: bestConf,
		}
	}
	return best
}

// applyMetaRules overrides the scored signal based on history:
//   - the second consecutive unknown stays unknown but demands a replan
//   - more than three distinct failure types collapse to runtime with a
//     replan, since the step is failing in too many different ways
func applyMetaRules(signal FailureSignal, prior []FailureSignal) FailureSignal {
	if signal.Type == FailureUnknown && trailingUnknowns(prior) >= 1 {
		signal.RequiresReplan = true
	}

	distinct := map[FailureType]bool{signal.Type: true}
	for _, s := range prior {
		distinct[s.Type] = true
	}
	if len(distinct) > 3 {
		signal.Type = FailureRuntime
		signal.RequiresReplan = true
		signal.CanRetry = false
	}

	return signal
}

// trailingUnknowns counts consecutive unknown signals at the end of the
// history.
func trailingUnknowns(prior []FailureSignal) int {
	n := 0
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].Type != FailureUnknown {
			break
		}
		n++
	}
	return n
}

func firstLine(logs string) string {
	logs = strings.TrimSpace(logs)
	if i := strings.IndexByte(logs, '\n'); i >= 0 {
		logs = logs[:i]
	}
	if len(logs) > 200 {
		logs = logs[:200]
	}
	return logs
}

func dedupe(matches []string, limit int) []string {
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out
}
