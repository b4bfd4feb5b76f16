// Package checkpoint persists the durable record of terminal run outcomes.
// The store is the sole source of truth for "has this run already been
// done": the batch runner consults it to resume without repeating work.
//
// Many workers compute entries concurrently, but all writes go through a
// single committer goroutine, so the on-disk state only ever sees whole
// entries written atomically (temp file + rename).
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/metrics"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/score"
)

// Status is a run's terminal state.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed-out"
	StatusCrashed   Status = "crashed"
	// StatusFailed marks a run whose ground truth is unusable; it never
	// executed and carries no score.
	StatusFailed Status = "failed"
	// StatusSkipped marks a run whose compiled doc artifact is missing.
	StatusSkipped Status = "skipped"
)

// Entry is the durable projection of one terminal run.
type Entry struct {
	RunKey string `json:"run_id"`
	SpecID string `json:"spec_id"`
	Format string `json:"format"`
	Tier   string `json:"tier"`
	TaskID string `json:"task_id"`
	Model  string `json:"model"`

	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`

	Score  *score.Result   `json:"score,omitempty"`
	Static *metrics.Static `json:"static,omitempty"`

	StdoutPath      string `json:"stdout_path,omitempty"`
	RecordingPath   string `json:"recording_path,omitempty"`
	RecordingDigest string `json:"recording_digest,omitempty"`

	SessionID   string  `json:"session_id,omitempty"`
	NumTurns    int     `json:"num_turns,omitempty"`
	TotalTokens int     `json:"total_tokens,omitempty"`
	CostUSD     float64 `json:"cost_usd,omitempty"`
	WallTimeS   float64 `json:"wall_time_s"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type commitReq struct {
	entry Entry
	done  chan error
}

// Store is a directory-backed checkpoint store: one JSON file per run key.
type Store struct {
	dir string

	mu      sync.RWMutex
	entries map[string]Entry

	commits   chan commitReq
	drained   chan struct{}
	closeOnce sync.Once
}

// Open loads the store at dir, creating it if needed. A directory that does
// not yet exist or contains partial garbage is tolerated: unreadable files
// are skipped, treated as absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}

	s := &Store{
		dir:     dir,
		entries: make(map[string]Entry),
		commits: make(chan commitReq),
		drained: make(chan struct{}),
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint dir: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") || f.Name() == "manifest.json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil || e.RunKey == "" {
			continue
		}
		s.entries[e.RunKey] = e
	}

	go s.committer()
	return s, nil
}

// committer is the single writer: it drains the commit queue and performs
// one atomic write per entry.
func (s *Store) committer() {
	defer close(s.drained)
	for req := range s.commits {
		err := s.write(req.entry)
		if err == nil {
			s.mu.Lock()
			s.entries[req.entry.RunKey] = req.entry
			s.mu.Unlock()
		}
		req.done <- err
	}
}

// write persists one entry via temp file + fsync + rename, so a crash at
// any point leaves either the old entry or the new one, never a torn file.
func (s *Store) write(e Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling entry %s: %w", e.RunKey, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("creating temp entry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing entry %s: %w", e.RunKey, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing entry %s: %w", e.RunKey, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing entry %s: %w", e.RunKey, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, e.RunKey+".json")); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("committing entry %s: %w", e.RunKey, err)
	}
	return nil
}

// Record durably persists an entry before returning: the caller may crash
// immediately afterwards without losing it. Re-recording a key overwrites
// the prior entry (this is how rescoring works).
func (s *Store) Record(e Entry) (err error) {
	if e.RunKey == "" {
		return errors.New("checkpoint entry has no run key")
	}
	req := commitReq{entry: e, done: make(chan error, 1)}

	// Sending on a closed commits channel panics; surface a racing Close
	// as an error instead of taking down the worker.
	defer func() {
		if recover() != nil {
			err = errors.New("checkpoint store is closed")
		}
	}()
	select {
	case s.commits <- req:
		return <-req.done
	case <-s.drained:
		return errors.New("checkpoint store is closed")
	}
}

// Has reports whether a run key has a terminal entry.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Get returns the entry for a run key.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// All returns every entry, sorted by run key for deterministic iteration.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunKey < out[j].RunKey })
	return out
}

// Dir returns the store's backing directory.
func (s *Store) Dir() string {
	return s.dir
}

// Close stops the committer after draining queued writes.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.commits)
		<-s.drained
	})
	return nil
}

// BatchManifest summarizes one batch invocation; written alongside the
// entries for the analysis collaborator.
type BatchManifest struct {
	BatchID       string    `json:"batch_id"`
	Created       time.Time `json:"created"`
	Model         string    `json:"model"`
	TotalRuns     int       `json:"total_runs"`
	PendingRuns   int       `json:"pending_runs"`
	CompletedRuns int       `json:"completed_runs"`
}

// WriteBatchManifest writes manifest.json into the batch directory.
func WriteBatchManifest(dir string, m BatchManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling batch manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("writing batch manifest: %w", err)
	}
	return nil
}
