package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/agent"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/batch"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/checkpoint"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/recording"
	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/registry"
)

var (
	runPilot       bool
	runSpec        string
	runFormat      string
	runTask        string
	runTiers       []string
	runBaseline    bool
	runBatchID     string
	runDryRun      bool
	runConcurrency int
	runTimeout     int
	runRetries     int
	runModel       string
	runAgent       string
	runLocal       bool
	runDocker      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a benchmark batch",
	Long: `Expand the registry into (spec, tier, task) runs and execute every
pending one. Runs already recorded in the batch directory are skipped,
so re-invoking with --batch resumes an interrupted batch.

Examples:
  lapbench run --pilot                 # small representative subset
  lapbench run                         # the full registry
  lapbench run --spec stripe --tier lap-lean
  lapbench run --batch batch-20260823-120000   # resume
  lapbench run --dry-run               # show the plan, execute nothing`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tiers, err := parseTiers()
		if err != nil {
			return err
		}

		model := cfg.Harness.Model
		if runModel != "" {
			model = runModel
		}

		loader := newLoader()
		filters := registry.Filters{
			Spec:   runSpec,
			Format: registry.Format(runFormat),
			TaskID: runTask,
			Pilot:  runPilot,
		}

		var urlBuilder registry.URLBuilder
		if cfg.GitHub.Repo != "" && !runLocal && !cfg.Harness.LocalDocs {
			urlBuilder = func(spec registry.SpecManifest, tier registry.Tier) string {
				rel := filepath.Join(string(spec.Format), spec.ID, tier.Filename(spec.Format))
				return cfg.GitHub.RawURL(rel)
			}
		}

		runs, err := loader.BuildPlan(model, tiers, filters, urlBuilder)
		if err != nil {
			return err
		}

		if runDryRun {
			printPlan(runs)
			return nil
		}

		batchID := runBatchID
		if batchID == "" {
			batchID = "batch-" + time.Now().UTC().Format("20060102-150405")
		}
		batchDir := filepath.Join(cfg.Harness.ResultsDir, batchID)

		store, err := checkpoint.Open(batchDir)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		runtime, err := buildRuntime()
		if err != nil {
			return err
		}

		var promptTemplate string
		if cfg.Registry.PromptTemplate != "" {
			data, err := os.ReadFile(cfg.Registry.PromptTemplate)
			if err != nil {
				return fmt.Errorf("reading prompt template: %w", err)
			}
			promptTemplate = string(data)
		}

		opts := batch.Options{
			BatchID:        batchID,
			BatchDir:       batchDir,
			Concurrency:    pick(runConcurrency, cfg.Harness.Concurrency),
			Timeout:        time.Duration(pick(runTimeout, cfg.Harness.TimeoutSeconds)) * time.Second,
			Retries:        pickRetries(),
			Priority:       cfg.Harness.Priority,
			Model:          model,
			AllowedTools:   cfg.Harness.AllowedTools,
			LocalDocs:      runLocal || cfg.Harness.LocalDocs,
			SandboxRoot:    cfg.Harness.SandboxRoot,
			PromptTemplate: promptTemplate,
		}

		if err := checkpoint.WriteBatchManifest(batchDir, checkpoint.BatchManifest{
			BatchID:       batchID,
			Created:       time.Now().UTC(),
			Model:         model,
			TotalRuns:     len(runs),
			CompletedRuns: len(store.All()),
		}); err != nil {
			return err
		}

		recorder := recording.NewRecorder(cfg.Harness.SessionsRoot, logger)
		runner := batch.NewRunner(opts, store, runtime, recorder, logger)

		logger.Info("starting batch", "batch", batchID, "runs", len(runs),
			"concurrency", opts.Concurrency, "model", model)
		summary, runErr := runner.Run(cmd.Context(), runs)
		printSummary(batchID, summary)

		// Refresh the manifest with the final tally.
		_ = checkpoint.WriteBatchManifest(batchDir, checkpoint.BatchManifest{
			BatchID:       batchID,
			Created:       time.Now().UTC(),
			Model:         model,
			TotalRuns:     len(runs),
			PendingRuns:   len(runs) - len(store.All()),
			CompletedRuns: len(store.All()),
		})
		return runErr
	},
}

func parseTiers() ([]registry.Tier, error) {
	names := runTiers
	if len(names) == 0 {
		names = cfg.Harness.Tiers
	}
	if len(names) == 0 {
		tiers := registry.AllTiers()
		if runBaseline {
			tiers = append(tiers, registry.TierNone)
		}
		return tiers, nil
	}
	var tiers []registry.Tier
	for _, s := range names {
		t, err := registry.ParseTier(s)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	if runBaseline {
		tiers = append(tiers, registry.TierNone)
	}
	return tiers, nil
}

// buildRuntime picks the containerized or local agent runtime.
func buildRuntime() (agent.Runtime, error) {
	agentName := cfg.Harness.Agent
	if runAgent != "" {
		agentName = runAgent
	}
	agentCfg := cfg.GetAgent(agentName)
	if agentCfg == nil {
		return nil, fmt.Errorf("unknown agent %q (available: %v)", agentName, cfg.ListAgents())
	}

	if runDocker || cfg.Docker.Enabled {
		img := cfg.Docker.Image
		if img == "" {
			return nil, fmt.Errorf("docker runtime requested but docker.image is not configured")
		}
		return agent.NewDockerRuntime(img, agentCfg.CommandLine(), cfg.Docker.AutoPull, logger)
	}
	return agent.NewCLIRuntime(agentCfg.CommandLine(), logger)
}

func printPlan(runs []registry.Run) {
	fmt.Printf("%-14s %-16s %-10s %-12s %-6s %s\n", "RUN", "SPEC", "FORMAT", "TIER", "TASK", "NOTE")
	for _, r := range runs {
		note := ""
		if r.Unavailable {
			note = "unavailable"
		} else if r.Task.Invalid != "" {
			note = "invalid"
		} else if r.Task.Degenerate {
			note = "degenerate"
		}
		fmt.Printf("%-14s %-16s %-10s %-12s %-6s %s\n", r.Key, r.SpecID, r.Format, r.Tier, r.TaskID, note)
	}
	fmt.Printf("\n%d runs planned\n", len(runs))
}

func printSummary(batchID string, s *batch.Summary) {
	fmt.Printf("\nBatch %s\n", batchID)
	fmt.Printf("  total:       %d\n", s.Total)
	fmt.Printf("  completed:   %d\n", s.Completed)
	fmt.Printf("  timed out:   %d\n", s.TimedOut)
	fmt.Printf("  crashed:     %d\n", s.Crashed)
	fmt.Printf("  failed:      %d\n", s.Failed)
	fmt.Printf("  skipped:     %d\n", s.Skipped)
	fmt.Printf("  unavailable: %d\n", s.Unavailable)
	for cause, n := range s.Causes {
		fmt.Printf("    cause %s: %d\n", cause, n)
	}
}

func pick(flag, fallback int) int {
	if flag > 0 {
		return flag
	}
	return fallback
}

func pickRetries() int {
	if runRetries >= 0 {
		return runRetries
	}
	return cfg.Harness.Retries
}

func init() {
	runCmd.Flags().BoolVar(&runPilot, "pilot", false, "run a small representative subset (2 specs per size class)")
	runCmd.Flags().StringVar(&runSpec, "spec", "", "restrict to one spec")
	runCmd.Flags().StringVar(&runFormat, "format", "", "restrict to one documentation format")
	runCmd.Flags().StringVar(&runTask, "task", "", "restrict to one task id")
	runCmd.Flags().StringSliceVar(&runTiers, "tier", nil, "tiers to run (default: all four)")
	runCmd.Flags().BoolVar(&runBaseline, "baseline", false, "also run the no-documentation baseline tier")
	runCmd.Flags().StringVar(&runBatchID, "batch", "", "batch id to resume (default: new timestamped batch)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "print the planned runs without executing")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "concurrent runs (default from config)")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "per-run timeout in seconds (default from config)")
	runCmd.Flags().IntVar(&runRetries, "retries", -1, "retries for timed-out or crashed runs (default from config)")
	runCmd.Flags().StringVar(&runModel, "model", "", "model identifier (default from config)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "agent to invoke (default from config)")
	runCmd.Flags().BoolVar(&runLocal, "local", false, "copy docs into the workspace instead of URL delivery")
	runCmd.Flags().BoolVar(&runDocker, "docker", false, "run the agent inside a container")
}
