package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"foreman/internal/events"
)

var runFollow bool

// runCmd creates a project from the request text and drives it to
// completion.
var runCmd = &cobra.Command{
	Use:   "run <request...>",
	Short: "Create and execute a project from a free-form request",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, _, err := buildOrchestrator()
		if err != nil {
			return err
		}
		defer orch.Close()

		ctx, stop := signalContext()
		defer stop()

		request := strings.Join(args, " ")
		projectID, err := orch.CreateProject(ctx, request)
		if err != nil {
			return fmt.Errorf("project creation failed: %w", err)
		}
		fmt.Printf("Project %s created\n", projectID)

		var sub *events.Subscription
		if runFollow {
			sub, err = orch.SubscribeEvents(projectID)
			if err != nil {
				return err
			}
			defer sub.Close()
		}

		done, err := orch.StartProject(ctx, projectID)
		if err != nil {
			return err
		}
		logger.Info("project started", zap.String("projectId", projectID))

		if sub != nil {
			go printEvents(sub)
		}
		<-done

		if err := orch.RunError(projectID); err != nil {
			return fmt.Errorf("run finished with error: %w", err)
		}
		status, err := orch.GetProjectStatus(projectID)
		if err != nil {
			return err
		}
		fmt.Printf("Project %s completed: %d tasks done\n", projectID, status.CompletedCount)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVarP(&runFollow, "follow", "f", true, "stream events to stdout")
}

func printEvents(sub *events.Subscription) {
	for ev := range sub.Events() {
		switch ev.Kind {
		case events.KindWorkerHeartbeat, events.KindTaskProgress:
			// Too chatty for the console; they stay in events.log.
		case events.KindTaskFailed, events.KindCheckpointFailed, events.KindProjectFailed:
			fmt.Printf("[%s] %s %s (%s) %s\n",
				ev.Timestamp.Format("15:04:05"), ev.Kind, ev.TaskID, ev.ErrorKind, ev.Message)
		default:
			fmt.Printf("[%s] %s %s %s\n",
				ev.Timestamp.Format("15:04:05"), ev.Kind, ev.TaskID, ev.Message)
		}
	}
}
