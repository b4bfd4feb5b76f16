package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	cleanForce     bool
	cleanBatches   bool
	cleanSandboxes bool
	cleanAll       bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean up batch results and leftover sandboxes",
	Long: `Remove batch result directories and stale sandbox trees left behind by
interrupted runs.

By default, shows what would be deleted and asks for confirmation.
Use --force to skip confirmation.

Examples:
  lapbench clean                  # interactive cleanup of stale sandboxes
  lapbench clean --batches        # remove batch result directories
  lapbench clean --all --force    # remove everything, no prompt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to sandboxes if no specific flag is set
		if !cleanBatches && !cleanSandboxes && !cleanAll {
			cleanSandboxes = true
		}
		if cleanAll {
			cleanBatches = true
			cleanSandboxes = true
		}

		var toDelete []string

		if cleanSandboxes {
			stale, err := findStaleSandboxes(cfg.Harness.SandboxRoot)
			if err != nil {
				return fmt.Errorf("finding sandboxes: %w", err)
			}
			toDelete = append(toDelete, stale...)
		}

		if cleanBatches {
			entries, err := os.ReadDir(cfg.Harness.ResultsDir)
			if err == nil {
				for _, e := range entries {
					if e.IsDir() && strings.HasPrefix(e.Name(), "batch-") {
						toDelete = append(toDelete, filepath.Join(cfg.Harness.ResultsDir, e.Name()))
					}
				}
			}
		}

		if len(toDelete) == 0 {
			fmt.Println("Nothing to clean.")
			return nil
		}

		fmt.Println("The following directories will be deleted:")
		fmt.Println()
		for _, dir := range toDelete {
			fmt.Printf("  %s\n", dir)
		}
		fmt.Println()

		if !cleanForce {
			fmt.Print("Delete these directories? [y/N] ")
			reader := bufio.NewReader(os.Stdin)
			response, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			response = strings.TrimSpace(strings.ToLower(response))
			if response != "y" && response != "yes" {
				fmt.Println("Cancelled.")
				return nil
			}
		}

		deleted := 0
		for _, dir := range toDelete {
			if err := os.RemoveAll(dir); err != nil {
				fmt.Printf("  Failed to delete %s: %v\n", dir, err)
			} else {
				fmt.Printf("  Deleted %s\n", dir)
				deleted++
			}
		}

		fmt.Printf("\nCleaned up %d directories.\n", deleted)
		return nil
	},
}

// findStaleSandboxes lists leftover sandbox roots. Sandbox roots are
// UUID-named directories directly under the configured sandbox root; a
// crashed batch is the only thing that leaves them behind.
func findStaleSandboxes(root string) ([]string, error) {
	if root == "" {
		// Sandboxes default to os.TempDir(); too risky to sweep blind.
		return nil, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var stale []string
	for _, e := range entries {
		if e.IsDir() && looksLikeUUID(e.Name()) {
			stale = append(stale, filepath.Join(root, e.Name()))
		}
	}
	return stale, nil
}

func looksLikeUUID(name string) bool {
	if len(name) != 36 {
		return false
	}
	for i, c := range name {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
				return false
			}
		}
	}
	return true
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanForce, "force", false, "skip confirmation prompts")
	cleanCmd.Flags().BoolVar(&cleanBatches, "batches", false, "clean batch result directories")
	cleanCmd.Flags().BoolVar(&cleanSandboxes, "sandboxes", false, "clean stale sandbox directories")
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "clean everything")
}
