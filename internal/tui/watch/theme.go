// Package watch implements the terminal session watcher: a live run log,
// session status and the gateway's lifecycle feed, all read over the HTTP API.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusPending lipgloss.Style
	StatusRunning lipgloss.Style
	StatusDone    lipgloss.Style
	StatusError   lipgloss.Style
	StatusStopped lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Spinner   lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusPending: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusDone:    lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusError:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusStopped: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		Spinner:   lipgloss.NewStyle().Foreground(purple),
	}
}

// ForStatus picks the style for a session status string.
func (t Theme) ForStatus(status string) lipgloss.Style {
	switch status {
	case "running":
		return t.StatusRunning
	case "done":
		return t.StatusDone
	case "error":
		return t.StatusError
	case "stopped":
		return t.StatusStopped
	default:
		return t.StatusPending
	}
}
