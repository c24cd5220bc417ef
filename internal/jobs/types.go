package jobs

import (
	"errors"
	"time"

	"github.com/mattjoyce/qsmgw/internal/session"
	"github.com/mattjoyce/qsmgw/internal/upload"
)

var (
	// ErrNoDataRoot is recorded when an input tree holds no payload file.
	ErrNoDataRoot = errors.New("no data root found")
	// ErrNoArtifact is returned when a session has no archive to download.
	ErrNoArtifact = errors.New("artifact not available")
	// ErrShuttingDown is returned by Submit after Shutdown began.
	ErrShuttingDown = errors.New("manager is shutting down")
)

const (
	idLength            = 12
	defaultStopWait     = 30 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// Input is one uploaded tree.
type Input struct {
	Sources  []upload.Source
	RelPaths []string
}

// Request is an accepted job submission.
type Request struct {
	InputA  Input
	InputB  Input
	Options map[string]string
}

// Submission is the synchronous result of Submit.
type Submission struct {
	Session session.Session
	// Accepted is false when the session was created directly in error
	// state and no runner was started.
	Accepted bool
}
