package main

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent = lipgloss.Color("#A8D8EA")
	colorMuted  = lipgloss.Color("#6c757d")
	colorGood   = lipgloss.Color("#4ECDC4")
	colorWarn   = lipgloss.Color("#FFE66D")
	colorAlert  = lipgloss.Color("#FF6B6B")
)

var (
	styleTitle = lipgloss.NewStyle().
			Foreground(colorAccent).
			Bold(true).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(colorMuted)

	styleLabel = lipgloss.NewStyle().Foreground(colorMuted).Width(7)
	styleName  = lipgloss.NewStyle().Bold(true)

	styleGood  = lipgloss.NewStyle().Foreground(colorGood).Bold(true)
	styleWarn  = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	styleAlert = lipgloss.NewStyle().Foreground(colorAlert).Bold(true)

	styleSummary = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)
