// Package registry loads the spec registry and its task manifests, resolves
// compiled documentation tiers, and expands everything into the
// deterministic run plan consumed by the batch runner.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/score"
)

// Format identifies the documentation format of a spec source.
type Format string

const (
	FormatOpenAPI  Format = "openapi"
	FormatAsyncAPI Format = "asyncapi"
	FormatGraphQL  Format = "graphql"
	FormatPostman  Format = "postman"
	FormatProtobuf Format = "protobuf"
)

// ValidFormats lists every recognized documentation format.
var ValidFormats = []Format{FormatOpenAPI, FormatAsyncAPI, FormatGraphQL, FormatPostman, FormatProtobuf}

// SizeClass buckets specs by documentation size for priority ordering.
type SizeClass string

const (
	SizeLarge  SizeClass = "large"
	SizeMedium SizeClass = "medium"
	SizeSmall  SizeClass = "small"
)

// sizeOrder gives the size-descending scheduling rank.
var sizeOrder = map[SizeClass]int{SizeLarge: 0, SizeMedium: 1, SizeSmall: 2}

// SpecManifest identifies one API documentation source. Immutable once
// registered.
type SpecManifest struct {
	ID        string    `yaml:"-"`
	Format    Format    `yaml:"format"`
	Domain    string    `yaml:"domain"`
	SizeClass SizeClass `yaml:"size_class"`
	Source    string    `yaml:"source"`
}

// Task is one integration task belonging to a spec: a description, exactly
// two target endpoints, and the parameter names expected per endpoint.
type Task struct {
	ID              string              `yaml:"id"`
	Description     string              `yaml:"description"`
	TargetEndpoints []string            `yaml:"target_endpoints"`
	ExpectedParams  map[string][]string `yaml:"expected_params"`

	// Degenerate marks a known registry defect: both target endpoints
	// normalize equal. Flagged so analysis can exclude the task from
	// cross-tier comparisons; never silently corrected.
	Degenerate bool `yaml:"-"`

	// Invalid carries the manifest error message when the task's ground
	// truth is unusable. Such a task still plans runs, so the failure is
	// recorded per run instead of aborting the batch.
	Invalid string `yaml:"-"`
}

// GroundTruth returns the task's scoring target.
func (t *Task) GroundTruth() score.GroundTruth {
	return score.GroundTruth{
		TargetEndpoints: t.TargetEndpoints,
		ExpectedParams:  t.ExpectedParams,
	}
}

// ManifestError reports bad ground truth. It is fatal to the affected run,
// never to the batch.
type ManifestError struct {
	SpecID string
	TaskID string
	Reason string
}

func (e *ManifestError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("manifest %s/%s: %s", e.SpecID, e.TaskID, e.Reason)
	}
	return fmt.Sprintf("manifest %s: %s", e.SpecID, e.Reason)
}

// Loader reads the registry and manifests from disk.
type Loader struct {
	// Root contains registry.yaml and manifests/<format>/<spec>.yaml.
	Root string
	// CompiledRoot contains compiled/<format>/<spec>/<tier file>.
	CompiledRoot string
}

type registryFile struct {
	Specs map[string]SpecManifest `yaml:"specs"`
}

type manifestFile struct {
	SpecID string `yaml:"spec_id"`
	Tasks  []Task `yaml:"tasks"`
}

// LoadRegistry reads registry.yaml and returns specs sorted by ID.
func (l *Loader) LoadRegistry() ([]SpecManifest, error) {
	path := filepath.Join(l.Root, "registry.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing registry %s: %w", path, err)
	}

	specs := make([]SpecManifest, 0, len(rf.Specs))
	for id, spec := range rf.Specs {
		spec.ID = id
		if spec.SizeClass == "" {
			spec.SizeClass = SizeSmall
		}
		if !validFormat(spec.Format) {
			return nil, &ManifestError{SpecID: id, Reason: fmt.Sprintf("unknown format %q", spec.Format)}
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs, nil
}

// LoadTasks reads and validates the task manifest for one spec.
func (l *Loader) LoadTasks(spec SpecManifest) ([]Task, error) {
	path := filepath.Join(l.Root, "manifests", string(spec.Format), spec.ID+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestError{SpecID: spec.ID, Reason: fmt.Sprintf("reading manifest: %v", err)}
	}

	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, &ManifestError{SpecID: spec.ID, Reason: fmt.Sprintf("parsing manifest: %v", err)}
	}
	if mf.SpecID != spec.ID {
		return nil, &ManifestError{SpecID: spec.ID, Reason: fmt.Sprintf("spec_id mismatch: manifest says %q", mf.SpecID)}
	}

	for i := range mf.Tasks {
		if err := validateTask(spec.ID, &mf.Tasks[i]); err != nil {
			return nil, err
		}
	}
	return mf.Tasks, nil
}

// validateTask enforces the ground-truth invariants. Bad ground truth is
// fatal to that task's runs, never to the batch, so violations flag the
// task invalid instead of failing the manifest load. Only a task without
// an id is unrecoverable: it has no run identity to record against.
func validateTask(specID string, t *Task) error {
	if t.ID == "" {
		return &ManifestError{SpecID: specID, Reason: "task missing id"}
	}

	var reason string
	switch {
	case len(t.TargetEndpoints) != 2:
		reason = fmt.Sprintf("target_endpoints must have exactly 2 entries, got %d", len(t.TargetEndpoints))
	case t.TargetEndpoints[0] == "" || t.TargetEndpoints[1] == "":
		reason = "target endpoint is empty"
	case t.TargetEndpoints[0] == t.TargetEndpoints[1]:
		reason = "target endpoints are identical"
	}
	if reason != "" {
		t.Invalid = (&ManifestError{SpecID: specID, TaskID: t.ID, Reason: reason}).Error()
		return nil
	}

	if score.NormalizeEndpoint(t.TargetEndpoints[0]) == score.NormalizeEndpoint(t.TargetEndpoints[1]) {
		t.Degenerate = true
	}
	return nil
}

func validFormat(f Format) bool {
	for _, v := range ValidFormats {
		if f == v {
			return true
		}
	}
	return false
}
