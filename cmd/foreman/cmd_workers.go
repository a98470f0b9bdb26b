package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// workersCmd lists the worker roster and capabilities.
var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List the worker roster",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, _, err := buildOrchestrator()
		if err != nil {
			return err
		}
		defer orch.Close()

		for _, w := range orch.Registry().Workers() {
			role := "development"
			if w.CheckpointOnly() {
				role = fmt.Sprintf("checkpoint (%s)", w.CheckpointRole)
			}
			fmt.Printf("%-16s %-24s %s\n", w.ID, w.Name, role)

			skills := w.Skills()
			sort.Strings(skills)
			for _, skill := range skills {
				c := w.Capabilities[skill]
				fmt.Printf("    %-12s efficiency=%.2f experience=%s\n", skill, c.Efficiency, c.Experience)
			}
		}
		return nil
	},
}
