package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/checkpoint"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/recording"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <batch-id>",
	Short: "Verify archived session recordings against their recorded digests",
	Long: `Recompute the content digest of every archived session recording in a
batch and compare it with the digest stored at archive time. A mismatch
means the recording was modified or corrupted after the run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batchDir := filepath.Join(cfg.Harness.ResultsDir, args[0])
		store, err := checkpoint.Open(batchDir)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		var ok, bad, missing, none int
		for _, e := range store.All() {
			if e.RecordingPath == "" {
				none++
				continue
			}
			digest, err := recording.Digest(e.RecordingPath)
			if err != nil {
				fmt.Printf("  MISSING %s: %v\n", e.RunKey, err)
				missing++
				continue
			}
			if digest != e.RecordingDigest {
				fmt.Printf("  MISMATCH %s: recorded %s, actual %s\n", e.RunKey, e.RecordingDigest, digest)
				bad++
				continue
			}
			ok++
		}

		fmt.Printf("\n%d verified, %d mismatched, %d missing, %d without recordings\n", ok, bad, missing, none)
		if bad > 0 || missing > 0 {
			return fmt.Errorf("verification failed for %d recordings", bad+missing)
		}
		return nil
	},
}
