// Package errors classifies agent crash output into coarse causes so that
// batch summaries can distinguish "the API rate limited us" from "the
// agent binary is missing" without anyone reading raw stderr.
package errors

import (
	"regexp"
	"strings"
)

// Cause is a coarse crash category.
type Cause string

const (
	CauseRateLimit    Cause = "rate-limit"
	CauseAuth         Cause = "auth"
	CauseMissingAgent Cause = "missing-agent"
	CauseKilled       Cause = "killed"
	CauseNetwork      Cause = "network"
	CauseUnknown      Cause = "unknown"
)

// pattern maps a regex over combined output to a cause. First match wins,
// so more specific patterns come first.
type pattern struct {
	re    *regexp.Regexp
	cause Cause
}

var patterns = []pattern{
	{regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b`), CauseRateLimit},
	{regexp.MustCompile(`(?i)invalid api key|unauthorized|authentication|\b401\b|\b403\b`), CauseAuth},
	{regexp.MustCompile(`(?i)executable file not found|command not found|no such file or directory.*agent`), CauseMissingAgent},
	{regexp.MustCompile(`(?i)signal: killed|out of memory|oom.?kill`), CauseKilled},
	{regexp.MustCompile(`(?i)connection refused|connection reset|no such host|tls handshake|dial tcp`), CauseNetwork},
}

// Classify inspects combined stdout/stderr of a crashed run.
func Classify(output string) Cause {
	for _, p := range patterns {
		if p.re.MatchString(output) {
			return p.cause
		}
	}
	return CauseUnknown
}

// Summarize returns a one-line description suitable for a checkpoint
// entry: the cause plus the first non-empty stderr-looking line, trimmed.
func Summarize(output string) string {
	cause := Classify(output)
	line := firstLine(output)
	if line == "" {
		return string(cause)
	}
	if len(line) > 200 {
		line = line[:200]
	}
	return string(cause) + ": " + line
}

func firstLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
