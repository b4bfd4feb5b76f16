// Package batch orchestrates benchmark execution: it schedules pending
// runs onto a bounded worker pool, drives each run through sandbox,
// agent, recording, and scoring, and records every terminal outcome in
// the checkpoint store so an interrupted batch resumes exactly where it
// stopped.
package batch

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/agent"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/checkpoint"
	agenterrors "github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/errors"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/metrics"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/recording"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/registry"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/sandbox"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/score"
)

// Options configures one batch invocation.
type Options struct {
	BatchID  string
	BatchDir string

	Concurrency int
	Timeout     time.Duration
	// Retries is the number of additional attempts after a retryable
	// failure (timeout or crash).
	Retries  int
	Priority string

	Model        string
	AllowedTools []string
	// LocalDocs copies the compiled doc into the workspace instead of
	// instructing the agent to fetch it by URL.
	LocalDocs      bool
	SandboxRoot    string
	PromptTemplate string
	// RecordingWait bounds how long to wait for the session trace to
	// appear after the agent exits.
	RecordingWait time.Duration
}

// Summary is the outcome tally of one batch invocation.
type Summary struct {
	Total       int
	Completed   int
	TimedOut    int
	Crashed     int
	Failed      int
	Skipped     int
	Unavailable int
	// Causes tallies crash classifications across failed runs.
	Causes map[agenterrors.Cause]int
}

// Runner executes a planned run set.
type Runner struct {
	opts     Options
	store    *checkpoint.Store
	runtime  agent.Runtime
	recorder *recording.Recorder
	logger   *slog.Logger
}

// NewRunner wires a batch runner. The store and recorder stay owned by the
// caller; the runner only uses them.
func NewRunner(opts Options, store *checkpoint.Store, rt agent.Runtime, rec *recording.Recorder, logger *slog.Logger) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.RecordingWait <= 0 {
		opts.RecordingWait = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{opts: opts, store: store, runtime: rt, recorder: rec, logger: logger}
}

// Run drives every pending run to a terminal state. Individual run
// failures never abort the batch; only context cancellation does.
func (r *Runner) Run(ctx context.Context, runs []registry.Run) (*Summary, error) {
	registry.SortRuns(runs, r.opts.Priority)

	summary := &Summary{Total: len(runs), Causes: map[agenterrors.Cause]int{}}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for _, run := range runs {
		run := run

		// Resume: a terminal entry means the run is done for good.
		if r.store.Has(run.Key) {
			r.logger.Debug("run already recorded, skipping", "run", run.Key, "spec", run.SpecID, "tier", run.Tier)
			mu.Lock()
			summary.Skipped++
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry := r.executeRun(ctx, run)
			// A whole-batch interrupt leaves in-flight runs unrecorded:
			// their keys stay absent from the store, so the next
			// invocation re-admits exactly those runs. A run that
			// finished before the interrupt was observed is still
			// recorded, its work is done.
			if ctx.Err() != nil && entry.Status != checkpoint.StatusCompleted {
				return ctx.Err()
			}
			if err := r.store.Record(entry); err != nil {
				return fmt.Errorf("recording run %s: %w", run.Key, err)
			}

			mu.Lock()
			defer mu.Unlock()
			switch entry.Status {
			case checkpoint.StatusCompleted:
				summary.Completed++
			case checkpoint.StatusTimedOut:
				summary.TimedOut++
			case checkpoint.StatusCrashed:
				summary.Crashed++
				summary.Causes[agenterrors.Classify(entry.Error)]++
			case checkpoint.StatusFailed:
				summary.Failed++
			case checkpoint.StatusSkipped:
				summary.Unavailable++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}

// executeRun drives one run through its attempts and returns the terminal
// entry. It never returns an error: every failure mode maps to a status.
func (r *Runner) executeRun(ctx context.Context, run registry.Run) checkpoint.Entry {
	entry := checkpoint.Entry{
		RunKey:    run.Key,
		SpecID:    run.SpecID,
		Format:    string(run.Format),
		Tier:      string(run.Tier),
		TaskID:    run.TaskID,
		Model:     run.Model,
		StartedAt: time.Now().UTC(),
	}

	if run.Unavailable {
		entry.Status = checkpoint.StatusSkipped
		entry.Error = "compiled documentation artifact unavailable"
		entry.FinishedAt = time.Now().UTC()
		return entry
	}
	if run.Task.Invalid != "" {
		// Bad ground truth is a permanent failure of this run only; it
		// is recorded with no score and never reaches the agent.
		entry.Status = checkpoint.StatusFailed
		entry.Error = run.Task.Invalid
		entry.FinishedAt = time.Now().UTC()
		return entry
	}

	maxAttempts := r.opts.Retries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		entry.Attempts = attempt
		status, err := r.attempt(ctx, run, &entry)
		entry.Status = status
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Error = ""
		}

		retryable := status == checkpoint.StatusTimedOut || status == checkpoint.StatusCrashed
		// Sandbox allocation failures cannot be fixed by retrying.
		var isoErr *sandbox.IsolationError
		if stderrors.As(err, &isoErr) {
			retryable = false
		}
		if !retryable || attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		r.logger.Warn("retrying run", "run", run.Key, "attempt", attempt, "status", status, "error", entry.Error)
	}

	entry.FinishedAt = time.Now().UTC()
	entry.WallTimeS = entry.FinishedAt.Sub(entry.StartedAt).Seconds()
	return entry
}

// attempt performs one execution attempt. The sandbox is released on every
// exit path.
func (r *Runner) attempt(ctx context.Context, run registry.Run, entry *checkpoint.Entry) (checkpoint.Status, error) {
	sb, err := sandbox.Acquire(r.opts.SandboxRoot, run.Key)
	if err != nil {
		// Provisioning failures are not retryable; record and move on.
		return checkpoint.StatusCrashed, err
	}
	defer func() {
		if rerr := sb.Release(); rerr != nil {
			r.logger.Warn("sandbox release failed", "run", run.Key, "error", rerr)
		}
	}()

	// Doc delivery. The doc text is always read for scoring, even when
	// the agent fetches it by URL.
	var docText string
	if run.DocPath != "" {
		var data []byte
		if r.opts.LocalDocs || run.DocURL == "" {
			data, err = sb.WriteDoc(run.DocPath)
		} else {
			data, err = os.ReadFile(run.DocPath)
		}
		if err != nil {
			return checkpoint.StatusCrashed, fmt.Errorf("delivering doc: %w", err)
		}
		docText = string(data)

		static := metrics.Static{DocBytes: len(data), DocTokens: metrics.EstimateTokens(docText)}
		if run.BaselinePath != "" {
			if base, err := metrics.ForFile(run.BaselinePath); err == nil {
				static.CompressionRatio = metrics.Ratio(base.DocBytes, static.DocBytes)
			}
		}
		entry.Static = &static
	}

	localDelivery := run.DocPath != "" && (r.opts.LocalDocs || run.DocURL == "")
	docURL := ""
	if !localDelivery {
		docURL = run.DocURL
	}
	prompt := RenderPrompt(r.opts.PromptTemplate, docURL, localDelivery, run.Task.Description)
	promptPath, err := sb.WritePrompt(prompt)
	if err != nil {
		return checkpoint.StatusCrashed, err
	}

	r.logger.Info("executing run", "run", run.Key, "spec", run.SpecID, "tier", run.Tier, "task", run.TaskID)
	started := time.Now()
	res, err := r.runtime.Execute(ctx, agent.Invocation{
		PromptPath:   promptPath,
		WorkDir:      sb.WorkDir,
		Model:        run.Model,
		AllowedTools: r.opts.AllowedTools,
		Timeout:      r.opts.Timeout,
	})
	if err != nil {
		return checkpoint.StatusCrashed, fmt.Errorf("agent execution: %w", err)
	}

	entry.SessionID = res.SessionID
	entry.NumTurns = res.NumTurns
	entry.CostUSD = res.CostUSD
	entry.TotalTokens = res.TotalTokens()

	if path, err := r.archiveStdout(run.Key, res); err != nil {
		r.logger.Warn("stdout not archived", "run", run.Key, "error", err)
	} else {
		entry.StdoutPath = path
	}

	if res.TimedOut {
		return checkpoint.StatusTimedOut, fmt.Errorf("agent timed out after %v", r.opts.Timeout)
	}
	if res.ExitCode != 0 && res.OutputText == "" {
		// Nothing to score; classify from whatever the agent printed.
		return checkpoint.StatusCrashed, fmt.Errorf("agent exited %d: %s",
			res.ExitCode, agenterrors.Summarize(res.Stdout+"\n"+res.Stderr))
	}

	// A non-zero exit with output is still a completed, scoreable run.
	r.captureRecording(ctx, run.Key, res.SessionID, started, entry)

	result := score.Score(res.OutputText, run.Task.GroundTruth(), docText)
	entry.Score = &result
	return checkpoint.StatusCompleted, nil
}

// archiveStdout keeps the agent's raw stdout alongside the checkpoint so
// runs can be rescored without re-execution.
func (r *Runner) archiveStdout(runKey string, res *agent.Result) (string, error) {
	dir := filepath.Join(r.opts.BatchDir, "output")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, runKey+".txt")
	if err := os.WriteFile(path, []byte(res.Stdout), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// captureRecording archives and parses the session trace. Every failure
// here degrades the entry, it never fails the run.
func (r *Runner) captureRecording(ctx context.Context, runKey, sessionID string, started time.Time, entry *checkpoint.Entry) {
	if r.recorder == nil {
		return
	}

	src, err := r.recorder.Await(ctx, sessionID, started, r.opts.RecordingWait)
	if err != nil {
		r.logger.Warn("session trace not found", "run", runKey, "session", sessionID, "error", err)
		return
	}

	dest := filepath.Join(r.opts.BatchDir, "recordings")
	archived, digest, err := r.recorder.Archive(src, dest, runKey)
	if err != nil {
		r.logger.Warn("session trace not archived", "run", runKey, "error", err)
		return
	}
	entry.RecordingPath = archived
	entry.RecordingDigest = digest

	rec, err := recording.ParseTree(archived)
	if err != nil {
		r.logger.Warn("session trace not parseable", "run", runKey, "error", err)
		return
	}
	if rec.Incomplete {
		r.logger.Warn("session trace incomplete", "run", runKey)
	}
	if entry.NumTurns == 0 {
		entry.NumTurns = rec.TurnCount
	}
	if entry.TotalTokens == 0 {
		entry.TotalTokens = rec.TotalTokens
	}
}
