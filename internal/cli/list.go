package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Lean-Agent-Protocol/Lap-benchmark-docs/internal/registry"
)

var listTasks bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered specs and their tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := newLoader()
		specs, err := loader.LoadRegistry()
		if err != nil {
			return err
		}

		fmt.Printf("%-16s %-10s %-14s %-8s %s\n", "SPEC", "FORMAT", "DOMAIN", "SIZE", "TIERS")
		for _, spec := range specs {
			fmt.Printf("%-16s %-10s %-14s %-8s %s\n",
				spec.ID, spec.Format, spec.Domain, spec.SizeClass, availableTiers(loader, spec))

			if !listTasks {
				continue
			}
			tasks, err := loader.LoadTasks(spec)
			if err != nil {
				fmt.Printf("  tasks: %v\n", err)
				continue
			}
			for _, t := range tasks {
				flag := ""
				if t.Invalid != "" {
					flag = " [invalid]"
				} else if t.Degenerate {
					flag = " [degenerate]"
				}
				fmt.Printf("  %-6s %s%s\n", t.ID, t.Description, flag)
			}
		}
		return nil
	},
}

// availableTiers reports which compiled variants exist on disk.
func availableTiers(loader *registry.Loader, spec registry.SpecManifest) string {
	out := ""
	for _, tier := range registry.AllTiers() {
		if _, err := os.Stat(loader.CompiledPath(spec, tier)); err == nil {
			if out != "" {
				out += ","
			}
			out += string(tier)
		}
	}
	if out == "" {
		return "(none compiled)"
	}
	return out
}

func init() {
	listCmd.Flags().BoolVar(&listTasks, "tasks", false, "also list each spec's tasks")
}
