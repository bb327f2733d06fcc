package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"goalforge/internal/dispatch"
	"goalforge/internal/trace"
)

var (
	forceMode    string
	maxBudgetUSD float64
	jsonOutput   bool
)

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Dispatch a goal through the execution-mode engine",
	Long: `Dispatches a natural-language goal:
  1. Match the goal against stored traces (exact, then via the oracle)
  2. Pick a mode: CRYSTALLIZED, FOLLOWER, MIXED, LEARNER, or ORCHESTRATOR
  3. Reserve budget, execute, and record the outcome as a trace

Example:
  goalforge run "summarize README.md into notes.txt"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGoal,
}

func init() {
	runCmd.Flags().StringVar(&forceMode, "mode", "", "force an execution mode (CRYSTALLIZED, FOLLOWER, MIXED, LEARNER, ORCHESTRATOR)")
	runCmd.Flags().Float64Var(&maxBudgetUSD, "max-budget", 0, "per-call spend cap in USD (0 = ledger only)")
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the result as JSON")
}

func runGoal(cmd *cobra.Command, args []string) error {
	goal := strings.Join(args, " ")
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := dispatch.Options{MaxBudgetUSD: maxBudgetUSD}
	if forceMode != "" {
		opts.ForceMode = trace.Mode(strings.ToUpper(forceMode))
	}

	result, err := a.engine.Execute(ctx, goal, opts)
	if err != nil {
		logger.Error("dispatch failed", zap.String("goal", goal), zap.Error(err))
		if result != nil && !jsonOutput {
			fmt.Println(renderResult(result))
		}
		return err
	}

	if jsonOutput {
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println(renderResult(result))
	fmt.Printf("Balance: $%.4f\n", a.ledger.Balance())
	return nil
}

func renderResult(r *dispatch.ExecutionResult) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("goal: "+r.Goal) + "\n")
	b.WriteString(fmt.Sprintf("  mode      %s\n", modeStyle(r.Mode).Render(string(r.Mode))))
	b.WriteString(fmt.Sprintf("  success   %v\n", r.Success))
	b.WriteString(fmt.Sprintf("  cost      $%.4f\n", r.CostUSD))
	b.WriteString(fmt.Sprintf("  duration  %.2fs\n", r.DurationSecs))
	if r.Reasoning != "" {
		b.WriteString(fmt.Sprintf("  why       %s\n", r.Reasoning))
	}
	if r.Error != "" {
		b.WriteString(fmt.Sprintf("  error     %s\n", errorStyle.Render(r.Error)))
	}
	for _, sub := range r.Subresults {
		b.WriteString(fmt.Sprintf("  - [%s] %s (success=%v, $%.4f)\n", sub.Mode, sub.Goal, sub.Success, sub.CostUSD))
	}
	return strings.TrimRight(b.String(), "\n")
}
