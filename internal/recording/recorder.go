package recording

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"
)

// Recorder locates agent session traces under the CLI's sessions root and
// archives them into the batch directory.
type Recorder struct {
	// SessionsRoot is where the agent CLI writes transcripts; defaults to
	// ~/.claude/projects.
	SessionsRoot string
	Logger       *slog.Logger
}

// NewRecorder builds a recorder, defaulting the sessions root.
func NewRecorder(sessionsRoot string, logger *slog.Logger) *Recorder {
	if sessionsRoot == "" {
		if home, err := os.UserHomeDir(); err == nil {
			sessionsRoot = filepath.Join(home, ".claude", "projects")
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{SessionsRoot: sessionsRoot, Logger: logger}
}

// Locate finds the trace for a session. The primary mechanism is the exact
// filename <sessionID>.jsonl anywhere under the sessions root; when the
// session id is unknown or the file is absent, it falls back to the newest
// trace modified after startedAt, logged as a degraded lookup.
func (r *Recorder) Locate(sessionID string, startedAt time.Time) (string, error) {
	if sessionID != "" {
		if path := r.findExact(sessionID); path != "" {
			return path, nil
		}
	}

	path, mtime := r.newestSince(startedAt)
	if path == "" {
		return "", fmt.Errorf("no session trace found under %s", r.SessionsRoot)
	}
	r.Logger.Warn("session trace located by mtime fallback",
		"session_id", sessionID, "path", path, "mtime", mtime)
	return path, nil
}

func (r *Recorder) findExact(sessionID string) string {
	var found string
	target := sessionID + ".jsonl"
	_ = filepath.WalkDir(r.SessionsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			// Subagent traces reuse the parent's session id; never
			// mistake one for the top-level trace.
			if d.Name() == "subagents" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == target {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

func (r *Recorder) newestSince(startedAt time.Time) (string, time.Time) {
	var newest string
	var newestMtime time.Time
	_ = filepath.WalkDir(r.SessionsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "subagents" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(startedAt) {
			return nil
		}
		if info.ModTime().After(newestMtime) {
			newest = path
			newestMtime = info.ModTime()
		}
		return nil
	})
	return newest, newestMtime
}

// Await waits for the trace to appear and settle, up to the wait bound.
// fsnotify drives the fast path; a coarse poll backs it up in case the
// sessions root cannot be watched. A missing trace after the bound is an
// error the caller degrades on, never a run failure.
func (r *Recorder) Await(ctx context.Context, sessionID string, startedAt time.Time, wait time.Duration) (string, error) {
	deadline := time.Now().Add(wait)

	if path, err := r.Locate(sessionID, startedAt); err == nil {
		return path, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(r.SessionsRoot); err != nil {
			r.Logger.Debug("cannot watch sessions root, polling only", "error", err)
			watcher = nil
		} else {
			_ = filepath.WalkDir(r.SessionsRoot, func(path string, d fs.DirEntry, werr error) error {
				if werr == nil && d.IsDir() {
					_ = watcher.Add(path)
				}
				return nil
			})
		}
	} else {
		watcher = nil
	}

	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-events:
		case <-poll.C:
		}

		if path, err := r.Locate(sessionID, startedAt); err == nil {
			return path, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("session trace did not appear within %v", wait)
		}
	}
}

// Archive copies the trace verbatim into destDir as <runKey>.jsonl and
// returns the archived path and a blake3 content digest. Subagent traces
// are carried along under subagents/<runKey>/. Archiving happens before
// parsing, so the raw evidence survives any parser defect.
func (r *Recorder) Archive(srcPath, destDir, runKey string) (string, string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating recordings dir: %w", err)
	}

	dst := filepath.Join(destDir, runKey+".jsonl")
	digest, err := copyAndDigest(srcPath, dst)
	if err != nil {
		return "", "", fmt.Errorf("archiving trace: %w", err)
	}

	stem := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	childDir := filepath.Join(filepath.Dir(srcPath), "subagents", stem)
	if children, _ := filepath.Glob(filepath.Join(childDir, "*.jsonl")); len(children) > 0 {
		outDir := filepath.Join(destDir, "subagents", runKey)
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return "", "", fmt.Errorf("creating subagent archive dir: %w", err)
		}
		for _, child := range children {
			if _, err := copyAndDigest(child, filepath.Join(outDir, filepath.Base(child))); err != nil {
				r.Logger.Warn("subagent trace not archived", "path", child, "error", err)
			}
		}
	}

	return dst, digest, nil
}

// Digest recomputes the blake3 digest of an archived trace; the verify
// command uses it to detect tampering or corruption.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}

func copyAndDigest(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}

	h := blake3.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}
