// Package sandbox provisions and tears down isolated agent workspaces.
// Each run gets a doubly nested random directory so that an agent walking
// up out of its workspace still lands inside run-private territory and
// never sees a sibling run.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// IsolationError means a workspace could not be provisioned. It is
// non-retryable: retrying cannot help if the filesystem refuses us.
type IsolationError struct {
	RunKey string
	Err    error
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("provisioning sandbox for run %s: %v", e.RunKey, e.Err)
}

func (e *IsolationError) Unwrap() error { return e.Err }

// Sandbox is one run's private workspace.
type Sandbox struct {
	// Root is the outer random directory; removing it removes everything
	// the run touched.
	Root string
	// WorkDir is the agent's working directory, two random levels below
	// Root.
	WorkDir string

	releaseOnce sync.Once
}

// Acquire provisions a fresh workspace under baseDir (os.TempDir() when
// empty): <base>/<uuid>/<uuid>/workspace.
func Acquire(baseDir, runKey string) (*Sandbox, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	root := filepath.Join(baseDir, uuid.NewString())
	work := filepath.Join(root, uuid.NewString(), "workspace")
	if err := os.MkdirAll(work, 0o755); err != nil {
		return nil, &IsolationError{RunKey: runKey, Err: err}
	}
	return &Sandbox{Root: root, WorkDir: work}, nil
}

// WritePrompt places the rendered prompt at workspace/prompt.txt and
// returns its path.
func (s *Sandbox) WritePrompt(prompt string) (string, error) {
	path := filepath.Join(s.WorkDir, "prompt.txt")
	if err := os.WriteFile(path, []byte(prompt), 0o644); err != nil {
		return "", fmt.Errorf("writing prompt: %w", err)
	}
	return path, nil
}

// WriteDoc copies a compiled documentation file into the workspace as
// api_docs.txt and returns its contents for scoring.
func (s *Sandbox) WriteDoc(srcPath string) ([]byte, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, fmt.Errorf("reading doc %s: %w", srcPath, err)
	}
	dst := filepath.Join(s.WorkDir, "api_docs.txt")
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return nil, fmt.Errorf("copying doc into workspace: %w", err)
	}
	return data, nil
}

// Release removes the entire workspace tree. Idempotent; errors are
// returned on the first call only.
func (s *Sandbox) Release() error {
	var err error
	s.releaseOnce.Do(func() {
		err = os.RemoveAll(s.Root)
	})
	return err
}
