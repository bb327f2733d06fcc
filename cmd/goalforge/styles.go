package main

import (
	"github.com/charmbracelet/lipgloss"

	"goalforge/internal/trace"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// modeStyle colors a mode tag by how expensive the mode is.
func modeStyle(m trace.Mode) lipgloss.Style {
	switch m {
	case trace.ModeCrystallized:
		return goodStyle.Bold(true)
	case trace.ModeFollower:
		return goodStyle
	case trace.ModeMixed:
		return warnStyle
	case trace.ModeOrchestrator:
		return titleStyle
	default:
		return errorStyle
	}
}

// ratingStyle colors a success rating by reuse thresholds.
func ratingStyle(rating float64) lipgloss.Style {
	switch {
	case rating >= 0.92:
		return goodStyle
	case rating >= 0.75:
		return warnStyle
	default:
		return errorStyle
	}
}
