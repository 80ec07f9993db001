package cli

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor   = lipgloss.Color("#4ade80")
	secondaryColor = lipgloss.Color("#6b7b6b")
	errorColor     = lipgloss.Color("#ef4444")
	warningColor   = lipgloss.Color("#eab308")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	okStyle    = lipgloss.NewStyle().Foreground(primaryColor)
	errStyle   = lipgloss.NewStyle().Foreground(errorColor)
	warnStyle  = lipgloss.NewStyle().Foreground(warningColor)
	dimStyle   = lipgloss.NewStyle().Foreground(secondaryColor)
	labelStyle = lipgloss.NewStyle().Width(12).Foreground(secondaryColor)
)
