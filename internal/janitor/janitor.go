// Package janitor removes expired sessions out of band.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/qsmgw/internal/config"
	"github.com/mattjoyce/qsmgw/internal/events"
	"github.com/mattjoyce/qsmgw/internal/session"
)

// Report summarizes one sweep.
type Report struct {
	Removed []string
	Skipped []string // still active
}

// Janitor deletes session directories, registry entries and history rows
// older than the retention window. Active sessions are never touched.
type Janitor struct {
	cfg    config.RetentionConfig
	index  SessionIndex
	ws     Workspace
	store  HistoryStore
	events *events.Hub
	logger *slog.Logger
}

// New creates a Janitor. store and hub may be nil.
func New(cfg config.RetentionConfig, index SessionIndex, ws Workspace, store HistoryStore, hub *events.Hub, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cfg:    cfg,
		index:  index,
		ws:     ws,
		store:  store,
		events: hub,
		logger: logger.With("component", "janitor"),
	}
}

// Run sweeps once immediately and then every cfg.Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	if !j.cfg.Enabled {
		j.logger.Info("session retention disabled")
		<-ctx.Done()
		return nil
	}
	j.logger.Info("starting janitor", "interval", j.cfg.Interval, "max_age", j.cfg.MaxAge)

	if _, err := j.Sweep(ctx); err != nil {
		j.logger.Error("sweep failed", "error", err)
	}

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return nil
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep removes every terminal session older than cfg.MaxAge.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	stale, err := j.ws.Stale(ctx, j.cfg.MaxAge)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list stale sessions: %w", err)
	}

	var report Report
	for _, id := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		s, err := j.index.Get(id)
		switch {
		case errors.Is(err, session.ErrNotFound):
			// Directory without a live record, e.g. left by an earlier process.
		case err != nil:
			return report, fmt.Errorf("look up session %s: %w", id, err)
		case !s.Status.IsTerminal():
			j.logger.Debug("skipping active session", "session_id", id, "status", s.Status)
			report.Skipped = append(report.Skipped, id)
			continue
		}

		if err := j.ws.Remove(ctx, id); err != nil {
			return report, err
		}
		if err := j.index.Remove(id); err != nil && !errors.Is(err, session.ErrNotFound) {
			j.logger.Warn("failed to forget session", "session_id", id, "error", err)
		}
		if j.store != nil {
			if err := j.store.Delete(ctx, id); err != nil {
				j.logger.Warn("failed to delete session history", "session_id", id, "error", err)
			}
		}
		if j.events != nil {
			j.events.Publish("session.pruned", events.SessionEvent{SessionID: id, Status: string(s.Status)})
		}
		j.logger.Info("removed expired session", "session_id", id)
		report.Removed = append(report.Removed, id)
	}
	return report, nil
}
