package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"goalforge/internal/trace"
)

var tracesLimit int

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "List recently used execution traces",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores()
		if err != nil {
			return err
		}
		defer st.Close()

		recent, err := st.traces.Recent(tracesLimit)
		if err != nil {
			return err
		}
		if len(recent) == 0 {
			fmt.Println("no traces yet")
			return nil
		}
		for _, t := range recent {
			marker := " "
			if t.IsCrystallized() {
				marker = goodStyle.Render("*")
			}
			fmt.Printf("%s %s  %s  rating=%s used=%d  %s\n",
				marker,
				labelStyle.Render(shortSignature(t.GoalSignature)),
				modeStyle(t.Mode).Render(fmt.Sprintf("%-12s", t.Mode)),
				ratingStyle(t.SuccessRating).Render(fmt.Sprintf("%.2f", t.SuccessRating)),
				t.UsageCount,
				t.GoalText)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show trace store and spend statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.traces.GetStats()
		if err != nil {
			return err
		}
		summary := st.ledger.Summarize()

		var b strings.Builder
		b.WriteString(titleStyle.Render("traces") + "\n")
		b.WriteString(statLine("total", fmt.Sprintf("%d", stats.TotalTraces)))
		b.WriteString(statLine("crystallized", fmt.Sprintf("%d", stats.Crystallized)))
		b.WriteString(statLine("avg rating", fmt.Sprintf("%.2f", stats.AvgRating)))
		b.WriteString(statLine("total usage", fmt.Sprintf("%d", stats.TotalUsage)))
		for _, mode := range []trace.Mode{trace.ModeCrystallized, trace.ModeFollower, trace.ModeMixed, trace.ModeLearner, trace.ModeOrchestrator} {
			if n := stats.ByMode[string(mode)]; n > 0 {
				b.WriteString(statLine("  "+strings.ToLower(string(mode)), fmt.Sprintf("%d", n)))
			}
		}
		b.WriteString("\n" + titleStyle.Render("budget") + "\n")
		b.WriteString(statLine("balance", fmt.Sprintf("$%.4f", summary.Balance)))
		b.WriteString(statLine("spent", fmt.Sprintf("$%.4f", summary.Spent)))
		b.WriteString(statLine("operations", fmt.Sprintf("%d", summary.Operations)))

		fmt.Println(panelStyle.Render(strings.TrimRight(b.String(), "\n")))
		return nil
	},
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show the spend ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores()
		if err != nil {
			return err
		}
		defer st.Close()

		fmt.Printf("balance: %s\n", goodStyle.Render(fmt.Sprintf("$%.4f", st.ledger.Balance())))
		log := st.ledger.SpendLog()
		if len(log) == 0 {
			fmt.Println("no spend recorded")
			return nil
		}
		for _, entry := range log {
			fmt.Printf("%s  %-28s %s  balance=$%.4f\n",
				labelStyle.Render(entry.Timestamp.Format("2006-01-02 15:04:05")),
				entry.Operation,
				valueStyle.Render(fmt.Sprintf("$%+.4f", -entry.Cost)),
				entry.BalanceAfter)
		}
		return nil
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List crystallized tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores()
		if err != nil {
			return err
		}
		defer st.Close()

		all, err := st.toolsDB.All()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("no crystallized tools yet")
			return nil
		}
		for _, t := range all {
			fmt.Printf("%s  calls=%d  verified=%.2f  %s\n",
				goodStyle.Render(fmt.Sprintf("%-40s", t.Name)),
				t.CallCount, t.SuccessRate, t.GoalText)
		}
		return nil
	},
}

func init() {
	tracesCmd.Flags().IntVar(&tracesLimit, "limit", 20, "maximum traces to list")
}

func statLine(label, value string) string {
	return fmt.Sprintf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", label)), valueStyle.Render(value))
}

func shortSignature(sig string) string {
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}
