package cmd

import "github.com/charmbracelet/lipgloss"

var (
	greenColor  = lipgloss.Color("#10B981")
	redColor    = lipgloss.Color("#EF4444")
	yellowColor = lipgloss.Color("#FBBF24")
	mutedColor  = lipgloss.Color("#6B7280")

	headerStyle = lipgloss.NewStyle().Bold(true)
	upStyle     = lipgloss.NewStyle().Foreground(greenColor)
	downStyle   = lipgloss.NewStyle().Foreground(redColor)
	warnStyle   = lipgloss.NewStyle().Foreground(yellowColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
)
