package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks gateway health from /healthz polling.
type HealthState struct {
	Status           string
	UptimeSeconds    int64
	Sessions         map[string]int
	EngineAlive      bool
	EngineGeneration uint64
	Connected        bool
}

func renderHeader(m Model, width int) string {
	innerWidth := width - 4
	theme := m.theme

	status := m.status.Status
	if status == "" {
		status = "unknown"
	}
	statusText := theme.ForStatus(status).Render(strings.ToUpper(status))
	if !isTerminal(status) && m.status.Status != "" {
		statusText = m.spinner.View() + " " + statusText
	}
	if m.status.Cancelled && !isTerminal(status) {
		statusText += theme.Dim.Render(" (stop requested)")
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" QSM WATCH %s", theme.Highlight.Render(m.sessionID))
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	sessionLine := " Status: " + statusText
	if m.status.StartedAt != nil {
		end := time.Now()
		if m.status.FinishedAt != nil {
			end = *m.status.FinishedAt
		}
		sessionLine += "  Elapsed: " + formatDuration(end.Sub(*m.status.StartedAt))
	}
	if m.status.Digest != "" {
		sessionLine += "  Digest: " + theme.Dim.Render(shorten(m.status.Digest, 16))
	}

	engine := theme.StatusError.Render("down")
	if m.health.EngineAlive {
		engine = theme.StatusDone.Render("up")
	}
	gatewayLine := fmt.Sprintf(" Gateway: %s  Engine: %s (gen %d)  Uptime: %s  Active: %d",
		connectionText(m.health, theme),
		engine,
		m.health.EngineGeneration,
		formatDuration(time.Duration(m.health.UptimeSeconds)*time.Second),
		m.health.Sessions["pending"]+m.health.Sessions["running"],
	)

	lines := []string{titleLine, sessionLine, gatewayLine}
	if m.status.Error != "" {
		lines = append(lines, " "+theme.StatusError.Render(m.status.Error))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func connectionText(h HealthState, theme Theme) string {
	switch {
	case !h.Connected:
		return theme.StatusError.Render("connecting")
	case h.Status != "ok":
		return theme.StatusError.Render("degraded")
	default:
		return theme.StatusDone.Render("ok")
	}
}

func isTerminal(status string) bool {
	switch status {
	case "done", "error", "stopped":
		return true
	}
	return false
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
