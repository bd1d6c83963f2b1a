package classifier

import (
	"regexp"
	"strconv"
	"time"
)

// BackoffHint is a retry delay extracted from failure output. It is
// returned to the retry controller separately from the failure signal.
type BackoffHint struct {
	// Delay is the extracted wait duration.
	Delay time.Duration

	// Source names the header the hint came from.
	Source string
}

var (
	retryAfterPattern = regexp.MustCompile(`(?i)Retry-After:\s*(\d+)`)
	rateResetPattern  = regexp.MustCompile(`(?i)X-RateLimit-Reset:\s*(\d+)`)
)

// ExtractBackoffHint parses Retry-After and X-RateLimit-Reset values from
// logs. Values are interpreted as delta seconds; the retry controller clamps
// whatever comes back, so oversized epoch-style reset values degrade to the
// clamp rather than a multi-year sleep. Retry-After wins when both appear.
func ExtractBackoffHint(logs string) (BackoffHint, bool) {
	if m := retryAfterPattern.FindStringSubmatch(logs); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil {
			return BackoffHint{
				Delay:  time.Duration(secs) * time.Second,
				Source: "Retry-After",
			}, true
		}
	}
	if m := rateResetPattern.FindStringSubmatch(logs); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil {
			return BackoffHint{
				Delay:  time.Duration(secs) * time.Second,
				Source: "X-RateLimit-Reset",
			}, true
		}
	}
	return BackoffHint{}, false
}
