package classifier

import (
	"regexp"
	"strings"
)

// patternRule pairs a log pattern with the signal template it produces.
type patternRule struct {
	re             *regexp.Regexp
	baseConfidence float64
	template       FailureSignal
}

// alternations counts the alternatives in the pattern source. More
// alternatives make a pattern less specific, which lowers its confidence.
func (p *patternRule) alternations() int {
	return strings.Count(p.re.String(), "|")
}

// patternTable is consulted in order; ties in confidence keep the earlier
// entry. Rate limiting is listed before transient so a 429 with a timeout
// in the same log classifies as rate_limit.
var patternTable = []patternRule{
	{
		re:             regexp.MustCompile(`(?i)429 Too Many Requests|rate limit exceeded|too many requests`),
		baseConfidence: 0.95,
		template: FailureSignal{
			Type:     FailureRateLimit,
			Severity: SeverityLow,
			CanRetry: true,
		},
	},
	{
		re:             regexp.MustCompile(`(?i)connection (timeout|refused|reset)|request timed out|temporarily unavailable|deadline exceeded`),
		baseConfidence: 0.85,
		template: FailureSignal{
			Type:     FailureTransient,
			Severity: SeverityLow,
			CanRetry: true,
		},
	},
	{
		re:             regexp.MustCompile(`(?i)no space left on device|disk full|out of memory|cannot allocate memory|dns resolution failed`),
		baseConfidence: 0.85,
		template: FailureSignal{
			Type:     FailureInfra,
			Severity: SeverityHigh,
			CanRetry: true,
		},
	},
	{
		re:             regexp.MustCompile(`(?i)vulnerability detected|CVE-\d{4}-\d+|secret detected|hardcoded credential`),
		baseConfidence: 0.9,
		template: FailureSignal{
			Type:     FailureSecurity,
			Severity: SeverityHigh,
			CanRetry: true,
		},
	},
	{
		re:             regexp.MustCompile(`(?i)policy violation|forbidden by policy|disallowed license`),
		baseConfidence: 0.9,
		template: FailureSignal{
			Type:     FailurePolicy,
			Severity: SeverityHigh,
			CanRetry: true,
		},
	},
	{
		re:             regexp.MustCompile(`(?i)migration failed|schema mismatch|column .{1,60} does not exist|relation .{1,60} does not exist`),
		baseConfidence: 0.85,
		template: FailureSignal{
			Type:     FailureSchemaMigration,
			Severity: SeverityHigh,
			CanRetry: true,
		},
	},
	{
		re:             regexp.MustCompile(`(?i)assertion failed|expected .{1,80} got|FAIL: Test|\d+ tests? failed`),
		baseConfidence: 0.8,
		template: FailureSignal{
			Type:     FailureTestAssert,
			Severity: SeverityMedium,
			CanRetry: true,
		},
	},
	{
		re:             regexp.MustCompile(`(?i)cannot find (module|package)|unresolved import|import .{1,80} not found`),
		baseConfidence: 0.8,
		template: FailureSignal{
			Type:     FailureMissingImports,
			Severity: SeverityLow,
			CanRetry: true,
		},
	},
	{
		re:             regexp.MustCompile(`(?i)syntax error|unexpected token|parse error`),
		baseConfidence: 0.8,
		template: FailureSignal{
			Type:     FailureSyntax,
			Severity: SeverityLow,
			CanRetry: true,
		},
	},
	{
		re:             regexp.MustCompile(`(?i)type error|type mismatch|cannot use .{1,80} as|undefined: \w+`),
		baseConfidence: 0.75,
		template: FailureSignal{
			Type:     FailureTypecheck,
			Severity: SeverityLow,
			CanRetry: true,
		},
	},
	{
		re:             regexp.MustCompile(`(?i)lint(er)? (error|failed)|style violation|golangci-lint`),
		baseConfidence: 0.75,
		template: FailureSignal{
			Type:     FailureLint,
			Severity: SeverityLow,
			CanRetry: true,
		},
	},
	{
		re:             regexp.MustCompile(`(?i)missing (doc|documentation) comment|undocumented exported`),
		baseConfidence: 0.7,
		template: FailureSignal{
			Type:     FailureDocumentation,
			Severity: SeverityLow,
			CanRetry: true,
		},
	},
	{
		re:             regexp.MustCompile(`(?i)panic:|segmentation fault|nil pointer dereference|runtime error`),
		baseConfidence: 0.8,
		template: FailureSignal{
			Type:     FailureRuntime,
			Severity: SeverityHigh,
			CanRetry: false,
		},
	},
}
