package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/mattjoyce/qsmgw/internal/archive"
	"github.com/mattjoyce/qsmgw/internal/engine"
	"github.com/mattjoyce/qsmgw/internal/session"
	"github.com/mattjoyce/qsmgw/internal/sessionlog"
)

// errCancelled marks a runner exit caused by a stop request.
var errCancelled = errors.New("cancelled")

// run drives one session from pending to a terminal status. Every failure is
// converted into session state; nothing escapes the goroutine.
func (m *Manager) run(id string, sink *sessionlog.Sink, logger *slog.Logger) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.sinks, id)
		m.mu.Unlock()
		_ = sink.Close()
	}()

	ctx, err := m.reg.Context(id)
	if err != nil {
		logger.Error("runner lost its session", "error", err)
		return
	}

	sess, err := m.reg.Transition(id, session.StatusRunning, nil)
	if err != nil {
		logger.Error("runner could not start session", "error", err)
		return
	}

	var digest string
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("runner panicked", "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("internal error: %v", r)
			}
		}()
		digest, err = m.execute(ctx, sess, sink, logger)
	}()

	m.finish(ctx, id, digest, err, sink, logger)
}

func (m *Manager) execute(ctx context.Context, sess session.Session, sink *sessionlog.Sink, logger *slog.Logger) (string, error) {
	sink.Printf("session directory: %s", sess.Dir)

	if ctx.Err() != nil {
		sink.Printf("stop requested before the engine call; skipping")
		return "", errCancelled
	}

	rootA, rootB := sess.RootA, sess.RootB
	if rootA == "" || rootB == "" {
		var errA, errB error
		rootA, errA = m.locator.Locate(sess.InputA)
		rootB, errB = m.locator.Locate(sess.InputB)
		if errA != nil || errB != nil {
			return "", rootFailure(errA, errB)
		}
		if _, err := m.reg.Update(sess.ID, func(s *session.Session) {
			s.RootA, s.RootB = rootA, rootB
		}); err != nil {
			return "", err
		}
	}
	sink.Printf("mag data root: %s", rootA)
	sink.Printf("ph data root: %s", rootB)

	if raw, err := json.Marshal(sess.Options); err == nil {
		sink.Printf("options: %s", raw)
	}

	sink.Printf("engine call starting")
	called := false
	err := m.gateway.WithEngine(ctx, func(c engine.Capability) error {
		// The stop may have landed while we were queued on the gate.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		called = true
		m.enterEngine(sess.ID)
		defer m.leaveEngine(sess.ID)

		out := sink.Writer()
		defer out.Close()

		res, err := c.Compute(ctx, engine.Request{
			SessionID: sess.ID,
			InputA:    rootA,
			InputB:    rootB,
			OutDir:    sess.OutDir,
			Options:   sess.Options,
			Output:    out,
		})
		if err == nil && res.Output != "" {
			logger.Debug("engine result", "output", res.Output)
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			if called {
				sink.Printf("engine call aborted by stop request")
			} else {
				sink.Printf("stop requested while waiting for the engine; skipping")
			}
			return "", errCancelled
		}
		return "", fmt.Errorf("engine failed: %w", err)
	}
	sink.Printf("engine call finished")

	sink.Printf("archiving output")
	sum, err := archive.Zip(sess.OutDir, sess.ArchivePath)
	if err != nil {
		return "", fmt.Errorf("archive output: %w", err)
	}
	sink.Printf("archived %d files (%d bytes), blake3 %s", sum.Files, sum.Bytes, sum.Digest)
	return sum.Digest, nil
}

func (m *Manager) finish(ctx context.Context, id, digest string, runErr error, sink *sessionlog.Sink, logger *slog.Logger) {
	var (
		to     session.Status
		mutate func(*session.Session)
	)
	switch {
	case runErr == nil:
		to = session.StatusDone
		mutate = func(s *session.Session) { s.Digest = digest }
		sink.Printf("done")
	case errors.Is(runErr, errCancelled) || ctx.Err() != nil:
		to = session.StatusStopped
		sink.Printf("stopped")
	default:
		to = session.StatusError
		msg := runErr.Error()
		mutate = func(s *session.Session) { s.Error = msg }
		sink.Printf("ERROR: %s", msg)
	}
	// The terminal marker is the last line; later writes are dropped.
	if err := sink.Close(); err != nil {
		logger.Warn("failed to close session log", "error", err)
	}

	if _, err := m.reg.Transition(id, to, mutate); err != nil {
		logger.Error("failed to record terminal status", "status", to, "error", err)
		return
	}
	logger.Info("session finished", "status", to)
}
