package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/agent"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/checkpoint"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/registry"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/score"
)

var rescoreCmd = &cobra.Command{
	Use:   "rescore <batch-id>",
	Short: "Recompute scores for a recorded batch without re-executing agents",
	Long: `Re-run the scoring pass over a batch's archived agent outputs.
Useful after a scorer fix: scoring is deterministic, so rescoring an
unchanged batch is a no-op, and a changed scorer updates every completed
entry in place. Agent executions are never repeated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batchDir := filepath.Join(cfg.Harness.ResultsDir, args[0])
		store, err := checkpoint.Open(batchDir)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		loader := newLoader()
		specs, err := loader.LoadRegistry()
		if err != nil {
			return err
		}
		specByID := make(map[string]registry.SpecManifest, len(specs))
		for _, s := range specs {
			specByID[s.ID] = s
		}

		var rescored, skipped int
		for _, e := range store.All() {
			if e.Status != checkpoint.StatusCompleted || e.StdoutPath == "" {
				skipped++
				continue
			}

			output, err := os.ReadFile(e.StdoutPath)
			if err != nil {
				logger.Warn("archived output missing, entry kept as-is", "run", e.RunKey, "error", err)
				skipped++
				continue
			}

			gt, docText, err := groundTruthFor(loader, specByID, e)
			if err != nil {
				logger.Warn("ground truth unavailable", "run", e.RunKey, "error", err)
				skipped++
				continue
			}

			result := score.Score(answerText(string(output)), gt, docText)
			e.Score = &result
			if err := store.Record(e); err != nil {
				return fmt.Errorf("recording rescored entry %s: %w", e.RunKey, err)
			}
			rescored++
		}

		fmt.Printf("Rescored %d entries (%d skipped)\n", rescored, skipped)
		return nil
	},
}

// groundTruthFor reloads the manifest and doc text behind one entry.
func groundTruthFor(loader *registry.Loader, specByID map[string]registry.SpecManifest, e checkpoint.Entry) (score.GroundTruth, string, error) {
	spec, ok := specByID[e.SpecID]
	if !ok {
		return score.GroundTruth{}, "", fmt.Errorf("spec %s no longer in registry", e.SpecID)
	}
	tasks, err := loader.LoadTasks(spec)
	if err != nil {
		return score.GroundTruth{}, "", err
	}
	for i := range tasks {
		if tasks[i].ID == e.TaskID {
			var docText string
			if tier := registry.Tier(e.Tier); tier != registry.TierNone {
				if data, err := os.ReadFile(loader.CompiledPath(spec, tier)); err == nil {
					docText = string(data)
				}
			}
			return tasks[i].GroundTruth(), docText, nil
		}
	}
	return score.GroundTruth{}, "", fmt.Errorf("task %s no longer in manifest", e.TaskID)
}

// answerText extracts the agent's answer from archived stdout, which may
// be a JSON envelope or plain text.
func answerText(stdout string) string {
	return agent.AnswerFromStdout(stdout)
}
