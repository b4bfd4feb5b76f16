package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireLayout(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	sb, err := Acquire(base, "run1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer sb.Release()

	if !strings.HasPrefix(sb.Root, base+string(os.PathSeparator)) {
		t.Errorf("root %s not under base %s", sb.Root, base)
	}
	rel, err := filepath.Rel(sb.Root, sb.WorkDir)
	if err != nil {
		t.Fatal(err)
	}
	// Two random levels between root and the workspace.
	parts := strings.Split(rel, string(os.PathSeparator))
	if len(parts) != 2 || parts[1] != "workspace" {
		t.Errorf("workdir layout %q, want <uuid>/workspace", rel)
	}
	if fi, err := os.Stat(sb.WorkDir); err != nil || !fi.IsDir() {
		t.Errorf("workdir not a directory: %v", err)
	}
}

func TestAcquireDistinct(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	a, err := Acquire(base, "run1")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()
	b, err := Acquire(base, "run1")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Release()

	// Even the same run key never reuses a workspace.
	if a.Root == b.Root {
		t.Error("two acquisitions share a root")
	}
}

func TestReleaseRemovesEverything(t *testing.T) {
	t.Parallel()

	sb, err := Acquire(t.TempDir(), "run1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sb.WritePrompt("do the thing"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sb.WorkDir, "leftover.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := sb.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(sb.Root); !os.IsNotExist(err) {
		t.Errorf("root still exists after release: %v", err)
	}
	// Idempotent.
	if err := sb.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestWriteDoc(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "lean.lap")
	if err := os.WriteFile(src, []byte("paths:\n  /v1/charges: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sb, err := Acquire(dir, "run1")
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Release()

	data, err := sb.WriteDoc(src)
	if err != nil {
		t.Fatalf("WriteDoc: %v", err)
	}
	if !strings.Contains(string(data), "/v1/charges") {
		t.Errorf("doc contents not returned: %q", data)
	}
	copied, err := os.ReadFile(filepath.Join(sb.WorkDir, "api_docs.txt"))
	if err != nil {
		t.Fatalf("doc not copied into workspace: %v", err)
	}
	if string(copied) != string(data) {
		t.Error("workspace copy differs from source")
	}
}

func TestWriteDocMissingSource(t *testing.T) {
	t.Parallel()

	sb, err := Acquire(t.TempDir(), "run1")
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Release()

	if _, err := sb.WriteDoc(filepath.Join(t.TempDir(), "absent.lap")); err == nil {
		t.Error("WriteDoc with missing source did not error")
	}
}
