package batch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/agent"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/checkpoint"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/registry"
)

// fakeRuntime counts executions and returns canned results.
type fakeRuntime struct {
	mu       sync.Mutex
	calls    int32
	inflight int32
	peak     int32
	// respond produces the result for one invocation; defaults to a
	// successful structured answer.
	respond func(inv agent.Invocation) (*agent.Result, error)
}

func (f *fakeRuntime) Execute(_ context.Context, inv agent.Invocation) (*agent.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	cur := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)

	f.mu.Lock()
	if cur > f.peak {
		f.peak = cur
	}
	respond := f.respond
	f.mu.Unlock()

	// Let other workers overlap so the peak measurement means something.
	time.Sleep(20 * time.Millisecond)

	if respond != nil {
		return respond(inv)
	}
	return &agent.Result{
		Stdout:     goodAnswer,
		OutputText: goodAnswer,
		ExitCode:   0,
	}, nil
}

const goodAnswer = "### API Calls\n```\nCALL 1:\n  Method: POST\n  Endpoint: /v1/charges\n  Parameters: amount, currency\n```\nBENCHMARK_COMPLETE"

func testRuns(n int) []registry.Run {
	runs := make([]registry.Run, 0, n)
	for i := 0; i < n; i++ {
		taskID := "t" + string(rune('0'+i))
		runs = append(runs, registry.Run{
			Key:    registry.RunKey("stripe", registry.TierNone, taskID, "m1"),
			SpecID: "stripe",
			Format: registry.FormatOpenAPI,
			Tier:   registry.TierNone,
			TaskID: taskID,
			Model:  "m1",
			Task: registry.Task{
				ID:              taskID,
				Description:     "Create a charge.",
				TargetEndpoints: []string{"POST /v1/charges", "GET /v1/charges/{id}"},
			},
		})
	}
	return runs
}

func newTestRunner(t *testing.T, opts Options, rt agent.Runtime) (*Runner, *checkpoint.Store) {
	t.Helper()
	if opts.BatchDir == "" {
		opts.BatchDir = t.TempDir()
	}
	if opts.SandboxRoot == "" {
		opts.SandboxRoot = t.TempDir()
	}
	store, err := checkpoint.Open(filepath.Join(opts.BatchDir, "runs"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewRunner(opts, store, rt, nil, slog.Default()), store
}

func TestRunCompletesAndRecords(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{}
	r, store := newTestRunner(t, Options{Concurrency: 2, Timeout: time.Second}, rt)

	summary, err := r.Run(context.Background(), testRuns(3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Completed != 3 || summary.Total != 3 {
		t.Errorf("summary = %+v", summary)
	}

	entries := store.All()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for _, e := range entries {
		if e.Status != checkpoint.StatusCompleted {
			t.Errorf("entry %s status = %s", e.RunKey, e.Status)
		}
		if e.Score == nil || e.Score.Endpoint != 0.5 {
			// The canned answer names one of the two targets.
			t.Errorf("entry %s score = %+v", e.RunKey, e.Score)
		}
		if e.StdoutPath == "" {
			t.Errorf("entry %s has no archived stdout", e.RunKey)
		} else if _, err := os.Stat(e.StdoutPath); err != nil {
			t.Errorf("archived stdout missing: %v", err)
		}
	}
}

func TestRunResumeIsIdempotent(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{}
	r, _ := newTestRunner(t, Options{Concurrency: 2, Timeout: time.Second}, rt)
	runs := testRuns(3)

	if _, err := r.Run(context.Background(), runs); err != nil {
		t.Fatal(err)
	}
	firstCalls := atomic.LoadInt32(&rt.calls)

	// Same run set again: everything is already terminal, so nothing
	// executes.
	summary, err := r.Run(context.Background(), runs)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Skipped != 3 || summary.Completed != 0 {
		t.Errorf("resume summary = %+v", summary)
	}
	if got := atomic.LoadInt32(&rt.calls); got != firstCalls {
		t.Errorf("resume executed %d extra agent calls", got-firstCalls)
	}
}

func TestRunConcurrencyCap(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{}
	r, _ := newTestRunner(t, Options{Concurrency: 2, Timeout: time.Second}, rt)

	if _, err := r.Run(context.Background(), testRuns(8)); err != nil {
		t.Fatal(err)
	}
	rt.mu.Lock()
	peak := rt.peak
	rt.mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency %d exceeds cap 2", peak)
	}
}

func TestRunTimeoutRetriesThenFails(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{respond: func(agent.Invocation) (*agent.Result, error) {
		return &agent.Result{ExitCode: -1, TimedOut: true}, nil
	}}
	r, store := newTestRunner(t, Options{Concurrency: 1, Timeout: time.Second, Retries: 2}, rt)

	summary, err := r.Run(context.Background(), testRuns(1))
	if err != nil {
		t.Fatal(err)
	}
	if summary.TimedOut != 1 {
		t.Errorf("summary = %+v", summary)
	}

	e := store.All()[0]
	if e.Status != checkpoint.StatusTimedOut {
		t.Errorf("status = %s", e.Status)
	}
	if e.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", e.Attempts)
	}
	// A timed-out run has no score: distinct from a low-scoring one.
	if e.Score != nil {
		t.Errorf("timed-out run has score %+v", e.Score)
	}
	if atomic.LoadInt32(&rt.calls) != 3 {
		t.Errorf("agent calls = %d, want 3", rt.calls)
	}
}

func TestRunCrashClassified(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{respond: func(agent.Invocation) (*agent.Result, error) {
		return &agent.Result{ExitCode: 1, Stderr: "Error: rate limit exceeded"}, nil
	}}
	r, store := newTestRunner(t, Options{Concurrency: 1, Timeout: time.Second}, rt)

	summary, err := r.Run(context.Background(), testRuns(1))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Crashed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Causes["rate-limit"] != 1 {
		t.Errorf("causes = %+v", summary.Causes)
	}

	e := store.All()[0]
	if e.Status != checkpoint.StatusCrashed {
		t.Errorf("status = %s", e.Status)
	}
	if !strings.Contains(e.Error, "rate") {
		t.Errorf("error = %q", e.Error)
	}
}

func TestRunNonZeroExitWithOutputIsScored(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{respond: func(agent.Invocation) (*agent.Result, error) {
		return &agent.Result{ExitCode: 1, Stdout: goodAnswer, OutputText: goodAnswer}, nil
	}}
	r, store := newTestRunner(t, Options{Concurrency: 1, Timeout: time.Second}, rt)

	if _, err := r.Run(context.Background(), testRuns(1)); err != nil {
		t.Fatal(err)
	}
	e := store.All()[0]
	if e.Status != checkpoint.StatusCompleted {
		t.Errorf("status = %s, want completed despite exit 1", e.Status)
	}
	if e.Score == nil {
		t.Error("no score on completed run")
	}
}

// blockedRuntime stands in for an agent that runs until it is killed.
type blockedRuntime struct{ calls int32 }

func (b *blockedRuntime) Execute(ctx context.Context, _ agent.Invocation) (*agent.Result, error) {
	atomic.AddInt32(&b.calls, 1)
	<-ctx.Done()
	return &agent.Result{ExitCode: -1}, nil
}

func TestRunInterruptLeavesNoEntries(t *testing.T) {
	t.Parallel()

	rt := &blockedRuntime{}
	r, store := newTestRunner(t, Options{Concurrency: 2, Timeout: time.Minute}, rt)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, testRuns(2))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if atomic.LoadInt32(&rt.calls) == 0 {
		t.Fatal("no runs were in flight when the interrupt fired")
	}
	// Interrupted in-flight runs must not be recorded: a timed-out or
	// crashed entry here would make resume skip them forever.
	if entries := store.All(); len(entries) != 0 {
		t.Fatalf("interrupt recorded %d entries: %+v", len(entries), entries)
	}

	// The same store resumes cleanly: every run is re-admitted.
	r2 := NewRunner(r.opts, store, &fakeRuntime{}, nil, slog.Default())
	summary, err := r2.Run(context.Background(), testRuns(2))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Completed != 2 || summary.Skipped != 0 {
		t.Errorf("resume summary = %+v", summary)
	}
}

func TestRunInvalidTaskRecordedFailed(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{}
	r, store := newTestRunner(t, Options{Concurrency: 1, Timeout: time.Second}, rt)

	runs := testRuns(1)
	runs[0].Task.Invalid = "manifest stripe/t0: target_endpoints must have exactly 2 entries, got 1"

	summary, err := r.Run(context.Background(), runs)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}

	e := store.All()[0]
	if e.Status != checkpoint.StatusFailed {
		t.Errorf("status = %s", e.Status)
	}
	if e.Score != nil {
		t.Errorf("failed run has score %+v", e.Score)
	}
	if !strings.Contains(e.Error, "exactly 2") {
		t.Errorf("error = %q", e.Error)
	}
	if atomic.LoadInt32(&rt.calls) != 0 {
		t.Error("invalid run reached the agent")
	}
}

func TestRunUnavailableRecordedSkipped(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{}
	r, store := newTestRunner(t, Options{Concurrency: 1, Timeout: time.Second}, rt)

	runs := testRuns(1)
	runs[0].Tier = registry.TierLean
	runs[0].Unavailable = true

	summary, err := r.Run(context.Background(), runs)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Unavailable != 1 {
		t.Errorf("summary = %+v", summary)
	}
	e := store.All()[0]
	if e.Status != checkpoint.StatusSkipped || e.Error == "" {
		t.Errorf("entry = %+v", e)
	}
	if atomic.LoadInt32(&rt.calls) != 0 {
		t.Error("unavailable run reached the agent")
	}
}

func TestRunLocalDocDelivery(t *testing.T) {
	t.Parallel()

	docDir := t.TempDir()
	docPath := filepath.Join(docDir, "lean.lap")
	doc := []byte("paths:\n  /v1/charges: {}\n  /v1/charges/{id}: {}\n")
	if err := os.WriteFile(docPath, doc, 0o644); err != nil {
		t.Fatal(err)
	}
	// A pretty baseline twice the size gives a 2.0 compression ratio.
	basePath := filepath.Join(docDir, "pretty.yaml")
	if err := os.WriteFile(basePath, append(doc, doc...), 0o644); err != nil {
		t.Fatal(err)
	}

	var sawDoc atomic.Bool
	rt := &fakeRuntime{respond: func(inv agent.Invocation) (*agent.Result, error) {
		if _, err := os.Stat(filepath.Join(inv.WorkDir, "api_docs.txt")); err == nil {
			sawDoc.Store(true)
		}
		return &agent.Result{Stdout: goodAnswer, OutputText: goodAnswer}, nil
	}}
	r, store := newTestRunner(t, Options{Concurrency: 1, Timeout: time.Second, LocalDocs: true}, rt)

	runs := testRuns(1)
	runs[0].Tier = registry.TierLean
	runs[0].DocPath = docPath
	runs[0].BaselinePath = basePath

	if _, err := r.Run(context.Background(), runs); err != nil {
		t.Fatal(err)
	}
	if !sawDoc.Load() {
		t.Error("doc not delivered into workspace")
	}
	e := store.All()[0]
	if e.Static == nil || e.Static.DocBytes == 0 {
		t.Errorf("static metrics not recorded: %+v", e.Static)
	} else if e.Static.CompressionRatio != 2.0 {
		t.Errorf("compression ratio = %v, want 2.0", e.Static.CompressionRatio)
	}
	// The doc names both endpoints, so the quality hallucination check
	// passes against it.
	if e.Score == nil || !e.Score.NoHallucination {
		t.Errorf("score = %+v", e.Score)
	}
}

func TestRenderPromptVariants(t *testing.T) {
	t.Parallel()

	p := RenderPrompt("", "", false, "Create a charge.")
	if !strings.Contains(p, docInstructionNone) || !strings.Contains(p, "Create a charge.") {
		t.Error("no-doc prompt missing pieces")
	}
	if strings.Contains(p, "{TASK}") || strings.Contains(p, "{DOC_INSTRUCTION}") {
		t.Error("placeholders not substituted")
	}

	p = RenderPrompt("", "", true, "t")
	if !strings.Contains(p, "api_docs.txt") {
		t.Error("local prompt missing workspace filename")
	}

	p = RenderPrompt("", "https://example.com/lean.lap", false, "t")
	if !strings.Contains(p, "https://example.com/lean.lap") {
		t.Error("url prompt missing url")
	}

	p = RenderPrompt("custom {DOC_INSTRUCTION} / {TASK}", "", false, "t")
	if p != "custom "+docInstructionNone+" / t" {
		t.Errorf("custom template render = %q", p)
	}
}
