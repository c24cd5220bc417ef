package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/qsmgw/internal/events"
)

const eventRows = 5

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENTS"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= eventRows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasPrefix(e.Type, "session."):
		typeStyle = theme.ForStatus(strings.TrimPrefix(e.Type, "session."))
	default:
		typeStyle = theme.Dim
	}
	typeName := typeStyle.Render(fmt.Sprintf("%-18s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, eventDesc(e))
}

func eventDesc(e events.Event) string {
	var payload events.SessionEvent
	if err := json.Unmarshal(e.Data, &payload); err != nil || payload.SessionID == "" {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	desc := "[" + payload.SessionID + "]"
	if payload.Error != "" {
		desc += " " + payload.Error
	}
	return desc
}

// eventSession returns the session id carried by a session.* event.
func eventSession(e events.Event) string {
	var payload events.SessionEvent
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return ""
	}
	return payload.SessionID
}
