// Package session holds the session record, its state machine, and the
// process-wide registry.
package session

import (
	"errors"
	"time"

	"github.com/mattjoyce/qsmgw/internal/options"
)

// Status is the lifecycle state of a session. A session moves
// pending -> running -> one of done, error or stopped. Sessions rejected at
// acceptance are added already terminal.
type Status string

const (
	StatusPending Status = "pending" // accepted, runner not started
	StatusRunning Status = "running" // runner active, possibly queued on the engine
	StatusDone    Status = "done"    // engine succeeded and the output is archived
	StatusError   Status = "error"   // failed; Session.Error carries the reason
	StatusStopped Status = "stopped" // ended by a stop request
)

// IsTerminal reports whether no further transitions can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusError, StatusStopped:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusError, StatusStopped:
		return true
	default:
		return false
	}
}

var (
	// ErrNotFound is returned for an id the registry does not know.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned by Add for a duplicate id.
	ErrExists = errors.New("session already exists")
	// ErrInvalidTransition is returned for a status change the state machine
	// forbids, including any change to a terminal session.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrActive is returned by Remove for a session that is not terminal.
	ErrActive = errors.New("session is still active")
)

// Session is a point-in-time copy of one session record.
type Session struct {
	ID     string
	Status Status

	Dir         string
	InputA      string
	InputB      string
	OutDir      string
	LogPath     string
	ArchivePath string

	// Data roots resolved for the run; empty until located.
	RootA string
	RootB string

	Digest    string
	Error     string
	Cancelled bool
	Options   options.Set

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func isAllowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}
