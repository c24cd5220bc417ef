package events

import (
	"context"
	"sync"

	"github.com/mattjoyce/qsmgw/internal/session"
)

// SessionEvent is the payload of every session.* event.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Digest    string `json:"digest,omitempty"`
}

// SessionFeed turns registry changes into hub events: one per status change
// ("session.created", "session.running", "session.done", ...) and one
// "session.cancelled" when a stop is requested.
type SessionFeed struct {
	hub *Hub

	mu   sync.Mutex
	last map[string]session.Session
}

var _ session.Recorder = (*SessionFeed)(nil)

func NewSessionFeed(hub *Hub) *SessionFeed {
	return &SessionFeed{hub: hub, last: make(map[string]session.Session)}
}

func (f *SessionFeed) Record(_ context.Context, s session.Session) error {
	f.mu.Lock()
	prev, seen := f.last[s.ID]
	if s.Status.IsTerminal() {
		delete(f.last, s.ID)
	} else {
		f.last[s.ID] = s
	}
	f.mu.Unlock()

	payload := SessionEvent{SessionID: s.ID, Status: string(s.Status), Error: s.Error, Digest: s.Digest}
	switch {
	case !seen && s.Status == session.StatusPending:
		f.hub.Publish("session.created", payload)
	case !seen || prev.Status != s.Status:
		f.hub.Publish("session."+string(s.Status), payload)
	case s.Cancelled && !prev.Cancelled:
		f.hub.Publish("session.cancelled", payload)
	}
	return nil
}
