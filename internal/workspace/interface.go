package workspace

import (
	"context"
	"time"
)

// Standard names inside a session directory.
const (
	InputADir   = "mag"
	InputBDir   = "ph"
	OutputDir   = "out"
	LogFile     = "run.log"
	ArchiveFile = "out.zip"
)

// Layout describes one session's directory and the fixed paths inside it.
//
// Only the session id is persisted; absolute paths are derived here so the
// sessions root can move without rewriting the state database.
type Layout struct {
	SessionID string
	Dir       string
	InputA    string
	InputB    string
	Out       string
	Log       string
	Archive   string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	Deleted []string
}

// Manager governs per-session directory lifecycle.
type Manager interface {
	// Create makes a new session directory with empty input and output dirs.
	Create(ctx context.Context, sessionID string) (Layout, error)

	// Open resolves an existing session directory.
	Open(ctx context.Context, sessionID string) (Layout, error)

	// Stale lists session ids whose directory is older than olderThan.
	Stale(ctx context.Context, olderThan time.Duration) ([]string, error)

	// Remove deletes a session directory.
	Remove(ctx context.Context, sessionID string) error

	// Cleanup removes every stale session directory.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
