package registry

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/zeebo/blake3"
)

// Run is the unit of execution: one (spec, tier, task, model) combination.
// A Run's identity is its Key; re-execution never creates a new identity.
type Run struct {
	Key       string
	SpecID    string
	Format    Format
	Tier      Tier
	TaskID    string
	Model     string
	Task      Task
	SizeClass SizeClass

	// DocPath is the compiled variant on disk; empty for the no-doc tier.
	DocPath string
	// BaselinePath is the pretty-tier artifact, used to compute the
	// compression ratio for this variant.
	BaselinePath string
	// DocURL is the raw-content URL when URL delivery is configured.
	DocURL string
	// Unavailable marks a tier whose compiled artifact is missing (a
	// known-failing compilation). The run is planned and recorded as
	// unavailable rather than silently omitted.
	Unavailable bool
}

// RunKey derives the stable run identifier. It is a pure function of its
// four inputs, so replanning always reproduces byte-identical keys; the
// checkpoint store depends on this.
func RunKey(specID string, tier Tier, taskID, model string) string {
	sum := blake3.Sum256([]byte(specID + ":" + string(tier) + ":" + taskID + ":" + model))
	return hex.EncodeToString(sum[:])[:12]
}

// Filters narrows the planned run set.
type Filters struct {
	Spec   string
	Format Format
	TaskID string
	// Pilot keeps at most two specs per size class, capped at six.
	Pilot bool
}

// URLBuilder constructs a doc delivery URL for a compiled variant, or ""
// when URL delivery is not configured.
type URLBuilder func(spec SpecManifest, tier Tier) string

// BuildPlan expands the registry × tier × task product into the ordered run
// set for one model. The returned order is the deterministic registry
// order; apply SortRuns for priority scheduling.
func (l *Loader) BuildPlan(model string, tiers []Tier, filters Filters, docURL URLBuilder) ([]Run, error) {
	specs, err := l.LoadRegistry()
	if err != nil {
		return nil, err
	}
	specs = filterSpecs(specs, filters)

	var runs []Run
	for _, spec := range specs {
		tasks, err := l.LoadTasks(spec)
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			if filters.TaskID != "" && task.ID != filters.TaskID {
				continue
			}
			for _, tier := range tiers {
				run := Run{
					Key:       RunKey(spec.ID, tier, task.ID, model),
					SpecID:    spec.ID,
					Format:    spec.Format,
					Tier:      tier,
					TaskID:    task.ID,
					Model:     model,
					Task:      task,
					SizeClass: spec.SizeClass,
				}
				if tier != TierNone {
					run.DocPath = l.CompiledPath(spec, tier)
					run.BaselinePath = l.CompiledPath(spec, TierPretty)
					if _, err := os.Stat(run.DocPath); err != nil {
						run.Unavailable = true
						run.DocPath = ""
					} else if docURL != nil {
						run.DocURL = docURL(spec, tier)
					}
				}
				runs = append(runs, run)
			}
		}
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no runs match the specified filters")
	}
	return runs, nil
}

func filterSpecs(specs []SpecManifest, filters Filters) []SpecManifest {
	out := specs[:0:0]
	for _, s := range specs {
		if filters.Spec != "" && s.ID != filters.Spec {
			continue
		}
		if filters.Format != "" && s.Format != filters.Format {
			continue
		}
		out = append(out, s)
	}
	if !filters.Pilot {
		return out
	}

	bySize := map[SizeClass][]SpecManifest{}
	for _, s := range out {
		bySize[s.SizeClass] = append(bySize[s.SizeClass], s)
	}
	var pilot []SpecManifest
	for _, size := range []SizeClass{SizeLarge, SizeMedium, SizeSmall} {
		group := bySize[size]
		if len(group) > 2 {
			group = group[:2]
		}
		pilot = append(pilot, group...)
	}
	if len(pilot) > 6 {
		pilot = pilot[:6]
	}
	return pilot
}

// Priority names the scheduling orders for pending runs. Ordering affects
// scheduling only, never correctness.
const (
	PrioritySizeDescending = "size-descending"
	PrioritySizeAscending  = "size-ascending"
	PriorityRegistry       = "registry"
)

// SortRuns orders runs by the configured priority. The sort is stable, so
// registry order breaks ties.
func SortRuns(runs []Run, priority string) {
	switch priority {
	case PrioritySizeDescending:
		sort.SliceStable(runs, func(i, j int) bool {
			return sizeOrder[runs[i].SizeClass] < sizeOrder[runs[j].SizeClass]
		})
	case PrioritySizeAscending:
		sort.SliceStable(runs, func(i, j int) bool {
			return sizeOrder[runs[i].SizeClass] > sizeOrder[runs[j].SizeClass]
		})
	case PriorityRegistry, "":
		// Already in registry order.
	}
}
