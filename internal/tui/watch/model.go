package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/qsmgw/internal/api"
	"github.com/mattjoyce/qsmgw/internal/events"
)

const (
	maxLogBytes   = 1 << 20
	chromeHeight  = 18
	minLogHeight  = 3
	retryInterval = 3 * time.Second
)

// Model is the BubbleTea model for watching one session.
type Model struct {
	ctx       context.Context
	apiURL    string
	sessionID string

	width  int
	height int

	status   api.StatusResponse
	health   HealthState
	eventLog []events.Event
	lastID   int64

	logText  string
	logEnded bool
	follow   bool
	stopping bool

	viewport viewport.Model
	spinner  spinner.Model
	theme    Theme

	// Both SSE streams feed this channel.
	feed chan tea.Msg

	lastError string
}

// New creates a watch model for sessionID. Streams stop when ctx is done.
func New(ctx context.Context, apiURL, sessionID string) Model {
	theme := NewDefaultTheme()
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.Spinner

	return Model{
		ctx:       ctx,
		apiURL:    strings.TrimRight(apiURL, "/"),
		sessionID: sessionID,
		follow:    true,
		viewport:  viewport.New(0, 0),
		spinner:   sp,
		theme:     theme,
		feed:      make(chan tea.Msg, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		streamSessionLog(m.ctx, m.apiURL, m.sessionID, m.feed),
		subscribeToEvents(m.ctx, m.apiURL, 0, m.feed),
		receiveNext(m.feed),
		fetchStatus(m.apiURL, m.sessionID),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "s":
			if m.stopping || isTerminal(m.status.Status) {
				return m, nil
			}
			m.stopping = true
			return m, stopSession(m.apiURL, m.sessionID)
		case "f":
			m.follow = !m.follow
			if m.follow {
				m.viewport.GotoBottom()
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = max(m.width-6, 10)
		m.viewport.Height = max(m.height-chromeHeight, minLogHeight)
		m.viewport.SetContent(m.logText)
		if m.follow {
			m.viewport.GotoBottom()
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case logChunkMsg:
		m.appendLog(string(msg))
		return m, receiveNext(m.feed)

	case logEndMsg:
		m.logEnded = true
		m.status.Status = msg.status
		return m, tea.Batch(receiveNext(m.feed), fetchStatus(m.apiURL, m.sessionID))

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}
		m.health.Connected = true
		cmds := []tea.Cmd{receiveNext(m.feed)}
		if eventSession(e) == m.sessionID {
			cmds = append(cmds, fetchStatus(m.apiURL, m.sessionID))
		}
		return m, tea.Batch(cmds...)

	case statusMsg:
		m.status = api.StatusResponse(msg)
		m.lastError = ""

	case stopMsg:
		m.stopping = false
		m.status.Status = msg.Status
		return m, fetchStatus(m.apiURL, m.sessionID)

	case healthMsg:
		m.health = HealthState{
			Status:           msg.Status,
			UptimeSeconds:    msg.UptimeSeconds,
			Sessions:         msg.Sessions,
			EngineAlive:      msg.EngineAlive,
			EngineGeneration: msg.EngineGeneration,
			Connected:        true,
		}
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case sseDisconnectedMsg:
		if msg.stream == streamLog && m.logEnded {
			return m, nil
		}
		m.health.Connected = false
		m.lastError = "stream disconnected, reconnecting..."
		return m, tea.Tick(retryInterval, func(time.Time) tea.Msg {
			return reconnectMsg{stream: msg.stream}
		})

	case reconnectMsg:
		if msg.stream == streamEvents {
			return m, subscribeToEvents(m.ctx, m.apiURL, m.lastID, m.feed)
		}
		// The log endpoint replays from the start.
		m.logText = ""
		m.viewport.SetContent("")
		return m, streamSessionLog(m.ctx, m.apiURL, m.sessionID, m.feed)

	case errMsg:
		m.stopping = false
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	return m, nil
}

func (m *Model) appendLog(chunk string) {
	m.logText += chunk
	if len(m.logText) > maxLogBytes {
		cut := len(m.logText) - maxLogBytes
		if i := strings.IndexByte(m.logText[cut:], '\n'); i >= 0 {
			cut += i + 1
		}
		m.logText = m.logText[cut:]
	}
	m.viewport.SetContent(m.logText)
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	header := renderHeader(m, m.width)

	logTitle := "RUN LOG"
	if !m.follow {
		logTitle += m.theme.Dim.Render(" (paused)")
	}
	logBox := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render(logTitle), m.viewport.View()),
	)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, logBox, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusError.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [s] Stop session • [f] Follow log • [↑/↓] Scroll"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

// Run starts the watcher full-screen and blocks until the user quits.
func Run(ctx context.Context, apiURL, sessionID string) error {
	_, err := tea.NewProgram(New(ctx, apiURL, sessionID), tea.WithContext(ctx)).Run()
	return err
}
