package errors

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   Cause
	}{
		{"rate limit text", "Error: rate limit exceeded, retry later", CauseRateLimit},
		{"http 429", "API error 429: Too Many Requests", CauseRateLimit},
		{"bad key", "Error: Invalid API key provided", CauseAuth},
		{"http 401", "request failed with status 401", CauseAuth},
		{"missing binary", `exec: "claude": executable file not found in $PATH`, CauseMissingAgent},
		{"oom kill", "signal: killed", CauseKilled},
		{"refused", "dial tcp 127.0.0.1:443: connection refused", CauseNetwork},
		{"garbage", "panic: something strange happened", CauseUnknown},
		{"empty", "", CauseUnknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.output); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.output, got, tt.want)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	got := Summarize("\n\nError: rate limit exceeded\ndetails follow")
	if got != "rate-limit: Error: rate limit exceeded" {
		t.Errorf("Summarize = %q", got)
	}

	if got := Summarize(""); got != "unknown" {
		t.Errorf("empty output summary = %q", got)
	}

	long := strings.Repeat("x", 500)
	if got := Summarize(long); len(got) > 220 {
		t.Errorf("summary not truncated: %d chars", len(got))
	}
}
