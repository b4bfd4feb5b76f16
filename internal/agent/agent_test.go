package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestParseStdoutEnvelope(t *testing.T) {
	t.Parallel()

	r := &Result{Stdout: `{"result":"CALL 1: GET /v1/charges\nBENCHMARK_COMPLETE","session_id":"sess-1","num_turns":7,"total_cost_usd":0.42,"usage":{"input_tokens":1000,"output_tokens":200,"cache_creation_input_tokens":50,"cache_read_input_tokens":300}}`}
	parseStdout(r)

	if r.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", r.SessionID)
	}
	if r.NumTurns != 7 || r.CostUSD != 0.42 {
		t.Errorf("turns/cost = %d/%v", r.NumTurns, r.CostUSD)
	}
	if r.TotalTokens() != 1550 {
		t.Errorf("TotalTokens = %d, want 1550", r.TotalTokens())
	}
	if r.OutputText == "" {
		t.Error("OutputText empty")
	}
}

func TestParseStdoutWithLeadingNoise(t *testing.T) {
	t.Parallel()

	r := &Result{Stdout: "warning: something\n{\"result\":\"answer\",\"session_id\":\"s2\"}\n"}
	parseStdout(r)
	if r.SessionID != "s2" || r.OutputText != "answer" {
		t.Errorf("parsed = %q / %q", r.SessionID, r.OutputText)
	}
}

func TestParseStdoutUnparseable(t *testing.T) {
	t.Parallel()

	// Plain text output is kept as the answer, never discarded.
	r := &Result{Stdout: "CALL 1: GET /v1/charges\n"}
	parseStdout(r)
	if r.OutputText != "CALL 1: GET /v1/charges" {
		t.Errorf("OutputText = %q", r.OutputText)
	}
	if r.SessionID != "" {
		t.Errorf("phantom session id %q", r.SessionID)
	}
}

// fakeAgent writes a shell script that stands in for the agent binary.
func fakeAgent(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell fake not available on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testInvocation(t *testing.T) Invocation {
	t.Helper()
	work := t.TempDir()
	prompt := filepath.Join(work, "prompt.txt")
	if err := os.WriteFile(prompt, []byte("do the task"), 0o644); err != nil {
		t.Fatal(err)
	}
	return Invocation{PromptPath: prompt, WorkDir: work, Timeout: 10 * time.Second}
}

func TestCLIRuntimeExecute(t *testing.T) {
	t.Parallel()

	script := fakeAgent(t, `printf '{"result":"done","session_id":"s1","num_turns":2}'`)
	rt, err := NewCLIRuntime([]string{script, "{prompt}"}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	res, err := rt.Execute(context.Background(), testInvocation(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Errorf("exit=%d timedOut=%v", res.ExitCode, res.TimedOut)
	}
	if res.SessionID != "s1" || res.OutputText != "done" {
		t.Errorf("parsed = %+v", res)
	}
}

func TestCLIRuntimePromptSubstitution(t *testing.T) {
	t.Parallel()

	// The fake echoes its first argument so we can see the rendered flag.
	script := fakeAgent(t, `printf '%s' "$1"`)
	rt, err := NewCLIRuntime([]string{script, "{prompt}"}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	inv := testInvocation(t)
	res, err := rt.Execute(context.Background(), inv)
	if err != nil {
		t.Fatal(err)
	}
	want := "@" + inv.PromptPath
	if res.Stdout != want {
		t.Errorf("prompt arg = %q, want %q", res.Stdout, want)
	}
}

func TestCLIRuntimeNonZeroExit(t *testing.T) {
	t.Parallel()

	script := fakeAgent(t, `printf 'partial answer'; exit 3`)
	rt, err := NewCLIRuntime([]string{script}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	// A non-zero exit is reported on the result, not as an error: the
	// output may still be scoreable.
	res, err := rt.Execute(context.Background(), testInvocation(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.OutputText != "partial answer" {
		t.Errorf("OutputText = %q", res.OutputText)
	}
}

func TestCLIRuntimeTimeout(t *testing.T) {
	t.Parallel()

	script := fakeAgent(t, `sleep 30`)
	rt, err := NewCLIRuntime([]string{script}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	inv := testInvocation(t)
	inv.Timeout = 200 * time.Millisecond

	start := time.Now()
	res, err := rt.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut not set")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
}

func TestCLIRuntimeParentCancelNotTimedOut(t *testing.T) {
	t.Parallel()

	script := fakeAgent(t, `sleep 30`)
	rt, err := NewCLIRuntime([]string{script}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	inv := testInvocation(t)
	inv.Timeout = 60 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := rt.Execute(ctx, inv)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// An operator interrupt kills the agent but is not a per-run timeout;
	// reporting it as one would get the run durably marked timed-out.
	if res.TimedOut {
		t.Error("batch interrupt reported as TimedOut")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancel not enforced, took %v", elapsed)
	}
}

func TestCLIRuntimeSpawnFailure(t *testing.T) {
	t.Parallel()

	rt, err := NewCLIRuntime([]string{"/nonexistent/agent-binary"}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Execute(context.Background(), testInvocation(t)); err == nil {
		t.Error("spawn failure did not error")
	}
}

func TestRenderArgsFlags(t *testing.T) {
	t.Parallel()

	rt := &CLIRuntime{Command: []string{"claude", "-p", "{prompt}", "--output-format", "json"}, Logger: slog.Default()}
	args := rt.renderArgs(Invocation{
		PromptPath:   "/w/prompt.txt",
		Model:        "model-x",
		AllowedTools: []string{"Bash", "Read"},
	})

	want := []string{"claude", "-p", "@/w/prompt.txt", "--output-format", "json", "--model", "model-x", "--allowedTools", "Bash,Read"}
	if len(args) != len(want) {
		t.Fatalf("args = %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}
