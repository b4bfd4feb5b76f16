package registry

import (
	"fmt"
	"path/filepath"
)

// Tier is one of the fixed documentation compression levels compared by
// the benchmark. TierNone is the optional no-documentation baseline.
type Tier string

const (
	// TierPretty is the verbatim, human-formatted source document.
	TierPretty Tier = "pretty"
	// TierMinified is the whitespace-stripped source document.
	TierMinified Tier = "minified"
	// TierStandard is the full-fidelity compiled variant.
	TierStandard Tier = "lap-standard"
	// TierLean is the minimal-fidelity compiled variant.
	TierLean Tier = "lap-lean"
	// TierNone provides no documentation at all.
	TierNone Tier = "none"
)

// AllTiers returns the four compression tiers in canonical order.
func AllTiers() []Tier {
	return []Tier{TierPretty, TierMinified, TierStandard, TierLean}
}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierPretty, TierMinified, TierStandard, TierLean, TierNone:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q (valid: pretty, minified, lap-standard, lap-lean, none)", s)
}

// formatExt maps source formats to their file extensions.
var formatExt = map[Format]string{
	FormatOpenAPI:  ".yaml",
	FormatAsyncAPI: ".yaml",
	FormatGraphQL:  ".graphql",
	FormatPostman:  ".json",
	FormatProtobuf: ".proto",
}

// Filename returns the compiled artifact filename for this tier and format,
// or "" for the no-doc baseline.
func (t Tier) Filename(f Format) string {
	ext, ok := formatExt[f]
	if !ok {
		ext = ".txt"
	}
	switch t {
	case TierPretty:
		return "pretty" + ext
	case TierMinified:
		return "minified" + ext
	case TierStandard:
		return "standard.lap"
	case TierLean:
		return "lean.lap"
	}
	return ""
}

// CompiledPath returns the on-disk location of a compiled doc variant.
func (l *Loader) CompiledPath(spec SpecManifest, tier Tier) string {
	name := tier.Filename(spec.Format)
	if name == "" {
		return ""
	}
	return filepath.Join(l.CompiledRoot, string(spec.Format), spec.ID, name)
}
