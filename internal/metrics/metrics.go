// Package metrics computes static size measurements for documentation
// variants: byte counts, estimated token counts, and compression ratios.
package metrics

import (
	"fmt"
	"os"
)

// Static holds the size metrics recorded for a single doc variant.
type Static struct {
	DocBytes         int     `json:"doc_bytes"`
	DocTokens        int     `json:"doc_tokens"`
	CompressionRatio float64 `json:"compression_ratio,omitempty"`
}

// EstimateTokens estimates the token count of text. This is the documented
// ~4 bytes/token heuristic; exact tokenizer counts are a reporting concern,
// not a harness one.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// ForFile reads a doc file and returns its static metrics.
func ForFile(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Static{}, fmt.Errorf("reading doc %s: %w", path, err)
	}
	return Static{
		DocBytes:  len(data),
		DocTokens: EstimateTokens(string(data)),
	}, nil
}

// Ratio returns original/compressed; higher means better compression.
func Ratio(originalBytes, compressedBytes int) float64 {
	if compressedBytes == 0 {
		return 0
	}
	return float64(originalBytes) / float64(compressedBytes)
}
