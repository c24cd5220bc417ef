package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/qsmgw/internal/events"
)

const keepAliveInterval = 15 * time.Second

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

// handleLog streams a session's run log: everything written so far, then new
// lines as they land, then one "end" event whose data is the terminal status.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	seq, err := s.sessions.Tail(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	flusher, ok := startSSE(w)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	flusher.Flush()

	for chunk := range seq {
		if chunk.End {
			_ = writeSSEData(w, "end", chunk.Status)
			flusher.Flush()
			return
		}
		if err := writeSSEData(w, "", chunk.Data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleEvents serves the process-wide lifecycle feed with Last-Event-ID
// replay.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := startSSE(w)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := s.events.Subscribe()
	defer cancel()

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	// Send buffered events first for late clients.
	for _, ev := range s.events.SnapshotSince(lastID) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
		lastID = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			lastID = ev.ID
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w io.Writer, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	return writeSSEData(w, ev.Type, string(ev.Data))
}

// writeSSEData frames data as one SSE message; every line gets its own
// "data:" field so multi-line chunks survive intact.
func writeSSEData(w io.Writer, eventType, data string) error {
	var b strings.Builder
	if eventType != "" {
		b.WriteString("event: ")
		b.WriteString(eventType)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(strings.TrimSuffix(data, "\n"), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}
