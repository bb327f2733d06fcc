package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"goalforge/internal/config"
	"goalforge/internal/logging"
)

var (
	// Global flags
	verbose   bool
	workspace string
	strategy  string
	apiKey    string

	// Logger for CLI-level events; engine internals use category logs.
	logger *zap.Logger

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "goalforge",
	Short: "goalforge - goal memoization and execution-mode dispatch",
	Long: `goalforge dispatches natural-language goals to the cheapest execution
mode that can still accomplish them.

Every successful execution leaves a trace. A repeated goal replays its
trace instead of re-learning it (FOLLOWER), a near-miss adapts the closest
trace (MIXED), and a trace proven often enough is promoted into a
standalone tool invoked directly (CRYSTALLIZED). New goals learn from
scratch (LEARNER); coordination-heavy goals are split into subgoals
(ORCHESTRATOR). Every run is metered against a spend ledger.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			return fmt.Errorf("initializing category logs: %w", err)
		}

		cfg, err = config.Load(filepath.Join(workspace, ".goalforge", "config.yaml"))
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if apiKey != "" {
			cfg.LLM.APIKey = apiKey
		}
		if strategy != "" {
			cfg.Dispatch.Strategy = strategy
		}
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVar(&strategy, "strategy", "", "dispatch strategy (auto, cost, speed, forced-learner, forced-follower, sentience)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "LLM API key (defaults to GEMINI_API_KEY)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tracesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(crystallizeCmd)
	rootCmd.AddCommand(toolsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
