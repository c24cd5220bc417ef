package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/qsmgw/internal/api"
	"github.com/mattjoyce/qsmgw/internal/events"
)

// --- Message types ---

type logChunkMsg string

type logEndMsg struct{ status string }

type eventMsg events.Event

type statusMsg api.StatusResponse

type healthMsg api.HealthzResponse

type stopMsg api.StopResponse

type errMsg error

type streamKind int

const (
	streamLog streamKind = iota
	streamEvents
)

type sseDisconnectedMsg struct{ stream streamKind }
type reconnectMsg struct{ stream streamKind }

// sseMessage is one framed server-sent event.
type sseMessage struct {
	id    int64
	event string
	data  string
}

// readSSE parses an event stream and calls fn for each message until fn
// returns false or the stream ends. Multiple data lines are joined with "\n".
func readSSE(r io.Reader, fn func(sseMessage) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		current sseMessage
		data    []string
		hasData bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if hasData {
				current.data = strings.Join(data, "\n")
				if !fn(current) {
					return nil
				}
			}
			current, data, hasData = sseMessage{}, nil, false
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.id = id
			}
		case strings.HasPrefix(line, "event: "):
			current.event = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = append(data, line[6:])
			hasData = true
		case line == "data:":
			data = append(data, "")
			hasData = true
		}
	}
	return scanner.Err()
}

// --- Commands ---

// streamSessionLog follows /api/log/{id} and feeds chunks into ch. It ends
// with a logEndMsg, or sseDisconnectedMsg if the stream drops early.
func streamSessionLog(ctx context.Context, apiURL, sessionID string, ch chan<- tea.Msg) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/api/log/"+sessionID, nil)
		if err != nil {
			return errMsg(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{stream: streamLog}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(responseError(resp))
		}

		ended := false
		_ = readSSE(resp.Body, func(m sseMessage) bool {
			if m.event == "end" {
				ch <- logEndMsg{status: m.data}
				ended = true
				return false
			}
			ch <- logChunkMsg(m.data + "\n")
			return true
		})
		if ended {
			return nil
		}
		return sseDisconnectedMsg{stream: streamLog}
	}
}

// subscribeToEvents follows /events from lastID and feeds events into ch.
func subscribeToEvents(ctx context.Context, apiURL string, lastID int64, ch chan<- tea.Msg) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{stream: streamEvents}
		}
		defer resp.Body.Close()

		_ = readSSE(resp.Body, func(m sseMessage) bool {
			ch <- eventMsg(events.Event{
				ID:   m.id,
				Type: m.event,
				At:   time.Now(),
				Data: json.RawMessage(m.data),
			})
			return true
		})
		return sseDisconnectedMsg{stream: streamEvents}
	}
}

// receiveNext waits for the next message from the stream channel.
func receiveNext(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func fetchStatus(apiURL, sessionID string) tea.Cmd {
	return func() tea.Msg {
		var s api.StatusResponse
		if err := getJSON(apiURL+"/api/status/"+sessionID, &s); err != nil {
			return errMsg(err)
		}
		return statusMsg(s)
	}
}

func fetchHealth(apiURL string) tea.Msg {
	var h api.HealthzResponse
	if err := getJSON(apiURL+"/healthz", &h); err != nil {
		return errMsg(err)
	}
	return healthMsg(h)
}

func stopSession(apiURL, sessionID string) tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{Timeout: time.Minute}
		resp, err := client.Post(apiURL+"/api/stop/"+sessionID, "application/json", nil)
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(responseError(resp))
		}
		var s api.StopResponse
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			return errMsg(err)
		}
		return stopMsg(s)
	}
}

func getJSON(url string, out any) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func responseError(resp *http.Response) error {
	var e api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return fmt.Errorf("unexpected response: %s", resp.Status)
}
