package janitor

import (
	"context"
	"time"

	"github.com/mattjoyce/qsmgw/internal/session"
)

//go:generate mockgen -destination=mocks/mock_janitor.go -package=mocks github.com/mattjoyce/qsmgw/internal/janitor SessionIndex,Workspace,HistoryStore

// SessionIndex is the live registry view the janitor needs.
type SessionIndex interface {
	Get(id string) (session.Session, error)
	Remove(id string) error
}

// Workspace lists and removes session directories.
type Workspace interface {
	Stale(ctx context.Context, olderThan time.Duration) ([]string, error)
	Remove(ctx context.Context, sessionID string) error
}

// HistoryStore drops durable session rows.
type HistoryStore interface {
	Delete(ctx context.Context, id string) error
}
