// Package score turns free-form agent output into a deterministic
// ScoreResult by matching claimed API calls against a task's ground truth.
// Scoring is a pure function of its inputs: no filesystem or network access,
// and identical inputs always produce an identical result.
package score

import (
	"regexp"
	"strings"
)

// Sub-score weights. Total = 0.6*endpoint + 0.3*params + 0.1*quality.
const (
	EndpointWeight = 0.6
	ParamWeight    = 0.3
	QualityWeight  = 0.1
)

// CompletionMarker is the literal the agent must emit as the final line of
// its output to signal the task is done.
const CompletionMarker = "BENCHMARK_COMPLETE"

// GroundTruth is a task's fixed scoring target: two endpoints and the
// parameter names expected for each (keyed by the raw endpoint string).
type GroundTruth struct {
	TargetEndpoints []string
	ExpectedParams  map[string][]string
}

// Result holds the three sub-scores and their weighted total, all in [0,1].
type Result struct {
	Total    float64 `json:"total"`
	Endpoint float64 `json:"endpoint"`
	Params   float64 `json:"params"`
	Quality  float64 `json:"quality"`

	FoundEndpoints  []string `json:"found_endpoints,omitempty"`
	HasCode         bool     `json:"has_code"`
	NoHallucination bool     `json:"no_hallucination"`
	MarkerPresent   bool     `json:"marker_present"`
}

var codeFenceRe = regexp.MustCompile("(?s)```.*?```")

// Score evaluates agent output against the task's ground truth. docText is
// the full source documentation, used only for the hallucination check; an
// empty docText makes that check pass vacuously.
//
// Malformed output degrades the affected sub-scores to 0 rather than
// failing: an output that defeats extraction simply finds no endpoints.
func Score(output string, gt GroundTruth, docText string) Result {
	calls := ExtractCalls(output)

	var r Result
	r.Endpoint, r.FoundEndpoints = scoreEndpoints(calls, gt.TargetEndpoints)
	r.Params = scoreParams(calls, gt)
	r.HasCode = codeFenceRe.MatchString(output)
	r.NoHallucination = noHallucinatedEndpoints(calls, docText)
	r.MarkerPresent = markerIsFinalLine(output)

	checks := 0
	for _, ok := range []bool{r.HasCode, r.NoHallucination, r.MarkerPresent} {
		if ok {
			checks++
		}
	}
	r.Quality = float64(checks) / 3.0

	r.Total = EndpointWeight*r.Endpoint + ParamWeight*r.Params + QualityWeight*r.Quality
	return r
}

// scoreEndpoints counts how many targets have a normalize-equal extracted
// call. Each target is one slot: a degenerate pair (both targets normalize
// equal) mechanically counts the same match twice.
func scoreEndpoints(calls []Call, targets []string) (float64, []string) {
	if len(targets) == 0 {
		return 1.0, nil
	}

	var found []string
	hits := 0
	for _, target := range targets {
		if matchTarget(calls, target) >= 0 {
			hits++
			found = append(found, target)
		}
	}
	return float64(hits) / float64(len(targets)), found
}

// matchTarget returns the index of the first call that normalizes equal to
// the target, or -1.
func matchTarget(calls []Call, target string) int {
	want := NormalizeEndpoint(target)
	for i, c := range calls {
		if c.Normalized() == want {
			return i
		}
	}
	return -1
}

// scoreParams averages, over the targets, the fraction of each found
// target's expected parameter names present in that call's Parameters/Body
// text. A target that was not found contributes 0; a found target with no
// expected parameters contributes 1.
func scoreParams(calls []Call, gt GroundTruth) float64 {
	if len(gt.TargetEndpoints) == 0 {
		return 1.0
	}

	var sum float64
	for _, target := range gt.TargetEndpoints {
		idx := matchTarget(calls, target)
		if idx < 0 {
			continue
		}
		expected := gt.ExpectedParams[target]
		if len(expected) == 0 {
			sum += 1.0
			continue
		}
		detail := strings.ToLower(calls[idx].Detail)
		matched := 0
		for _, p := range expected {
			if paramPresent(detail, p) {
				matched++
			}
		}
		sum += float64(matched) / float64(len(expected))
	}
	return sum / float64(len(gt.TargetEndpoints))
}

// paramPresent reports whether the parameter name appears as a standalone
// identifier (not embedded in a longer word) in the lowercased detail text.
func paramPresent(detail, param string) bool {
	p := strings.ToLower(strings.TrimSpace(param))
	if p == "" {
		return false
	}
	re := regexp.MustCompile(`(^|[^a-z0-9_])` + regexp.QuoteMeta(p) + `($|[^a-z0-9_])`)
	return re.MatchString(detail)
}

// noHallucinatedEndpoints reports whether every extracted call's path key
// segments appear somewhere in the source documentation. With no docText
// the check passes vacuously.
func noHallucinatedEndpoints(calls []Call, docText string) bool {
	if docText == "" {
		return true
	}
	doc := strings.ToLower(docText)
	for _, c := range calls {
		for _, seg := range pathKeySegments(NormalizePath(c.Endpoint)) {
			if !strings.Contains(doc, seg) {
				return false
			}
		}
	}
	return true
}

// markerIsFinalLine reports whether the completion marker is the final
// non-blank line of the output.
func markerIsFinalLine(output string) bool {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return line == CompletionMarker
	}
	return false
}
