// Package agent invokes a coding agent on a rendered prompt and captures
// its output. Runtimes are interchangeable: the CLI runtime spawns the
// agent binary directly, the Docker runtime execs it inside a container.
package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Invocation describes one agent execution.
type Invocation struct {
	// PromptPath is the prompt file inside the workspace.
	PromptPath string
	// WorkDir is the agent's working directory (the sandbox workspace).
	WorkDir string
	Model   string
	// AllowedTools restricts the agent's tool surface, comma-joined on
	// the command line.
	AllowedTools []string
	Timeout      time.Duration
	// Env entries are appended to the agent's environment.
	Env []string
}

// Result is the raw outcome of one agent execution, before scoring.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	WallTime time.Duration
	// TimedOut means the deadline fired and the process tree was killed.
	TimedOut bool

	// Fields below are parsed from the agent's JSON stdout; zero when
	// the output was not parseable.
	SessionID           string
	OutputText          string
	NumTurns            int
	CostUSD             float64
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// TotalTokens sums every token category the agent reported.
func (r *Result) TotalTokens() int {
	return r.InputTokens + r.OutputTokens + r.CacheCreationTokens + r.CacheReadTokens
}

// Runtime executes agent invocations.
type Runtime interface {
	Execute(ctx context.Context, inv Invocation) (*Result, error)
}

// cliOutput mirrors the agent CLI's --output-format json envelope.
type cliOutput struct {
	Result     string  `json:"result"`
	SessionID  string  `json:"session_id"`
	NumTurns   int     `json:"num_turns"`
	CostUSD    float64 `json:"total_cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	Usage      struct {
		InputTokens         int `json:"input_tokens"`
		OutputTokens        int `json:"output_tokens"`
		CacheCreationTokens int `json:"cache_creation_input_tokens"`
		CacheReadTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// parseStdout extracts the JSON envelope from agent stdout into r. The
// agent sometimes prints noise before the JSON object, so parsing scans
// for the first line that decodes. Unparseable stdout is not an error:
// the run is still scoreable from the raw text.
func parseStdout(r *Result) {
	stdout := strings.TrimSpace(r.Stdout)
	if stdout == "" {
		return
	}

	for _, candidate := range stdoutCandidates(stdout) {
		var out cliOutput
		if err := json.Unmarshal([]byte(candidate), &out); err != nil {
			continue
		}
		if out.Result == "" && out.SessionID == "" {
			continue
		}
		r.OutputText = out.Result
		r.SessionID = out.SessionID
		r.NumTurns = out.NumTurns
		r.CostUSD = out.CostUSD
		r.InputTokens = out.Usage.InputTokens
		r.OutputTokens = out.Usage.OutputTokens
		r.CacheCreationTokens = out.Usage.CacheCreationTokens
		r.CacheReadTokens = out.Usage.CacheReadTokens
		return
	}

	// No envelope found; treat the whole stdout as the answer text.
	r.OutputText = stdout
}

// AnswerFromStdout extracts the answer text from raw agent stdout, the
// same way Execute does. Rescoring uses it on archived output.
func AnswerFromStdout(stdout string) string {
	r := &Result{Stdout: stdout}
	parseStdout(r)
	return r.OutputText
}

// stdoutCandidates yields the whole output first, then each line that
// looks like a JSON object.
func stdoutCandidates(stdout string) []string {
	candidates := []string{stdout}
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "{") {
			candidates = append(candidates, line)
		}
	}
	return candidates
}
