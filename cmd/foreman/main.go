package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"foreman/internal/config"
	"foreman/internal/llm"
	"foreman/internal/logging"
	"foreman/internal/orchestrator"
)

var (
	// Global flags
	verbose   bool
	workspace string
	apiKey    string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "foreman - multi-specialist task orchestrator",
	Long: `foreman turns a free-form project request into a dependency graph of
development tasks, assigns them to specialist workers, and drives the graph
to completion with code-review and QA gates between every task and its
dependents.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: cwd)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "LLM API key (overrides GEMINI_API_KEY)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(workersCmd)
}

// buildOrchestrator loads config and wires the orchestrator for the
// workspace. Without an API key the rule-based planner runs alone.
func buildOrchestrator() (*orchestrator.Orchestrator, *config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, nil, err
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if err := logging.Initialize(workspace); err != nil {
		return nil, nil, err
	}

	var client llm.Client
	if cfg.LLM.APIKey != "" && cfg.LLM.Provider == "genai" {
		client, err = llm.NewGenAIClient(context.Background(), cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, nil, err
		}
	} else {
		logger.Warn("no LLM API key configured, using rule-based planning only")
	}

	orch, err := orchestrator.New(workspace, cfg, client)
	if err != nil {
		return nil, nil, err
	}
	return orch, cfg, nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
