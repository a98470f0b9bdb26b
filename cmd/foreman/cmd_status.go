package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"foreman/internal/graph"
)

// statusCmd inspects a persisted project's graph.json.
var statusCmd = &cobra.Command{
	Use:   "status [projectId]",
	Short: "Show the task breakdown of a persisted project",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectsDir := filepath.Join(workspace, ".foreman", "projects")

		if len(args) == 0 {
			entries, err := os.ReadDir(projectsDir)
			if err != nil {
				return fmt.Errorf("no projects found under %s", projectsDir)
			}
			for _, e := range entries {
				if e.IsDir() {
					fmt.Println(e.Name())
				}
			}
			return nil
		}

		data, err := os.ReadFile(filepath.Join(projectsDir, args[0], "graph.json"))
		if err != nil {
			return fmt.Errorf("failed to read project graph: %w", err)
		}
		var model struct {
			Tasks            []*graph.Task `json:"tasks"`
			TotalInvocations int           `json:"totalInvocations"`
			Cancelled        bool          `json:"cancelled"`
		}
		if err := json.Unmarshal(data, &model); err != nil {
			return fmt.Errorf("corrupt graph.json: %w", err)
		}

		counts := map[graph.Status]int{}
		for _, t := range model.Tasks {
			counts[t.Status]++
		}
		fmt.Printf("Project %s: %d tasks, %d invocations", args[0], len(model.Tasks), model.TotalInvocations)
		if model.Cancelled {
			fmt.Print(" (cancelled)")
		}
		fmt.Println()

		statuses := make([]string, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Printf("  %-14s %d\n", s, counts[graph.Status(s)])
		}

		for _, t := range model.Tasks {
			marker := " "
			if t.OnCriticalPath {
				marker = "*"
			}
			fmt.Printf("%s [%-13s] %-10s %s\n", marker, t.Status, t.Type, t.Title)
		}
		return nil
	},
}
