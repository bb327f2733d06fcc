package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"goalforge/internal/crystal"
	"goalforge/internal/replay"
	"goalforge/internal/tools"
)

var crystallizeCmd = &cobra.Command{
	Use:   "crystallize",
	Short: "Promote eligible traces into crystallized tools",
	Long: `Sweeps the trace store for traces that have been reused often enough
with a high enough success rating, verifies each against its recorded
execution, and promotes the survivors into directly invocable tools.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores()
		if err != nil {
			return err
		}
		defer st.Close()

		registry := tools.NewRegistry()
		if err := registerBuiltins(registry, workspace); err != nil {
			return err
		}
		executor := replay.NewExecutor(registry, replay.Config{
			MaxContainers: cfg.Replay.MaxContainers,
			CallTimeout:   cfg.GetCallTimeout(),
		})
		gate := crystal.NewGate(st.traces, st.toolsDB, registry, executor, crystal.Config{
			MinUsage:       cfg.Crystal.MinUsage,
			MinSuccess:     cfg.Crystal.MinSuccess,
			MatchThreshold: cfg.Crystal.MatchThreshold,
			ToolsDir:       wsPath(cfg.Crystal.ToolsDir),
		})
		if _, err := gate.LoadAll(); err != nil {
			return err
		}

		promoted, err := gate.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		if promoted == 0 {
			fmt.Println("no traces eligible for promotion")
			return nil
		}
		fmt.Printf("%s %d trace(s) into tools under %s\n",
			goodStyle.Render("promoted"), promoted, wsPath(cfg.Crystal.ToolsDir))
		return nil
	},
}
