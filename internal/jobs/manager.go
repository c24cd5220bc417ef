package jobs

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/qsmgw/internal/engine"
	"github.com/mattjoyce/qsmgw/internal/locate"
	"github.com/mattjoyce/qsmgw/internal/options"
	"github.com/mattjoyce/qsmgw/internal/session"
	"github.com/mattjoyce/qsmgw/internal/sessionlog"
	"github.com/mattjoyce/qsmgw/internal/upload"
	"github.com/mattjoyce/qsmgw/internal/workspace"
)

// Config wires a Manager.
type Config struct {
	Registry  *session.Registry
	Workspace workspace.Manager
	Gateway   *engine.Gateway
	Locator   *locate.Locator
	Options   *options.Table
	Logger    *slog.Logger

	// StopWait bounds how long Stop waits for a runner to settle.
	StopWait time.Duration
	// PollInterval is the log tail poll interval.
	PollInterval time.Duration
}

// Manager owns every session runner in the process.
type Manager struct {
	reg      *session.Registry
	ws       workspace.Manager
	gateway  *engine.Gateway
	locator  *locate.Locator
	table    *options.Table
	logger   *slog.Logger
	stopWait time.Duration
	poll     time.Duration
	newID    func() string

	mu       sync.Mutex
	closed   bool
	inEngine map[string]uint64 // session id -> engine generation in use
	sinks    map[string]*sessionlog.Sink

	wg sync.WaitGroup
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Registry == nil || cfg.Workspace == nil || cfg.Gateway == nil {
		return nil, fmt.Errorf("jobs manager needs a registry, workspace and gateway")
	}
	if cfg.Locator == nil {
		cfg.Locator = locate.Default()
	}
	if cfg.Options == nil {
		cfg.Options = options.DefaultTable()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StopWait <= 0 {
		cfg.StopWait = defaultStopWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Manager{
		reg:      cfg.Registry,
		ws:       cfg.Workspace,
		gateway:  cfg.Gateway,
		locator:  cfg.Locator,
		table:    cfg.Options,
		logger:   cfg.Logger.With("component", "jobs"),
		stopWait: cfg.StopWait,
		poll:     cfg.PollInterval,
		newID:    newSessionID,
		inEngine: make(map[string]uint64),
		sinks:    make(map[string]*sessionlog.Sink),
	}, nil
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:idLength]
}

// Submit stages both inputs, freezes options, locates data roots and, if both
// roots are found, starts the runner. Upload metadata mismatches and I/O
// failures return an error and leave no session behind. A missing data root
// creates the session directly in error state and returns it with
// Accepted=false.
func (m *Manager) Submit(ctx context.Context, req Request) (Submission, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return Submission{}, ErrShuttingDown
	}

	layout, err := m.createLayout(ctx)
	if err != nil {
		return Submission{}, err
	}
	logger := m.logger.With("session_id", layout.SessionID)

	sink, err := sessionlog.Create(layout.Log, logger)
	if err != nil {
		_ = m.ws.Remove(context.Background(), layout.SessionID)
		return Submission{}, err
	}
	abandon := func() {
		_ = sink.Close()
		_ = m.ws.Remove(context.Background(), layout.SessionID)
	}

	sink.Printf("session %s started", layout.SessionID)
	sink.Printf("staging uploads")
	if err := m.stage(sink, "mag", layout.InputA, req.InputA); err != nil {
		abandon()
		return Submission{}, err
	}
	if err := m.stage(sink, "ph", layout.InputB, req.InputB); err != nil {
		abandon()
		return Submission{}, err
	}

	sess := session.Session{
		ID:          layout.SessionID,
		Status:      session.StatusPending,
		Dir:         layout.Dir,
		InputA:      layout.InputA,
		InputB:      layout.InputB,
		OutDir:      layout.Out,
		LogPath:     layout.Log,
		ArchivePath: layout.Archive,
		Options:     m.table.Parse(req.Options),
	}

	rootA, errA := m.locator.Locate(layout.InputA)
	rootB, errB := m.locator.Locate(layout.InputB)
	if errA != nil || errB != nil {
		sess.Status = session.StatusError
		sess.Error = rootFailure(errA, errB).Error()
		sink.Printf("ERROR: %s", sess.Error)
		_ = sink.Close()
		snap, err := m.reg.Add(sess)
		if err != nil {
			return Submission{}, fmt.Errorf("register session: %w", err)
		}
		logger.Warn("session rejected", "error", sess.Error)
		return Submission{Session: snap}, nil
	}
	sess.RootA = rootA
	sess.RootB = rootB

	snap, err := m.reg.Add(sess)
	if err != nil {
		abandon()
		return Submission{}, fmt.Errorf("register session: %w", err)
	}

	m.mu.Lock()
	m.sinks[snap.ID] = sink
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(snap.ID, sink, logger)

	logger.Info("session accepted")
	return Submission{Session: snap, Accepted: true}, nil
}

func (m *Manager) createLayout(ctx context.Context) (workspace.Layout, error) {
	var lastErr error
	for range 3 {
		layout, err := m.ws.Create(ctx, m.newID())
		if err == nil {
			return layout, nil
		}
		lastErr = err
		if !errors.Is(err, os.ErrExist) {
			break
		}
	}
	return workspace.Layout{}, fmt.Errorf("create session directory: %w", lastErr)
}

func (m *Manager) stage(sink *sessionlog.Sink, name, dest string, in Input) error {
	report, err := upload.Stage(dest, in.Sources, in.RelPaths)
	if err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}
	sink.Printf("staged %d %s files (%d bytes)", len(report.Written), name, report.Bytes)
	if n := len(report.Skipped); n > 0 {
		sink.Printf("skipped %d %s entries with unusable names", n, name)
	}
	return nil
}

func rootFailure(errA, errB error) error {
	switch {
	case errA != nil && errB != nil:
		return fmt.Errorf("%w in mag or ph upload", ErrNoDataRoot)
	case errA != nil:
		return fmt.Errorf("%w in mag upload", ErrNoDataRoot)
	default:
		return fmt.Errorf("%w in ph upload", ErrNoDataRoot)
	}
}

// Status returns a snapshot of the session.
func (m *Manager) Status(id string) (session.Session, error) {
	return m.reg.Get(id)
}

// List returns every known session, oldest first.
func (m *Manager) List() []session.Session {
	return m.reg.List()
}

// Stop requests cancellation. It is idempotent and reports the status once
// the runner settles or StopWait (bounded by ctx) elapses.
func (m *Manager) Stop(ctx context.Context, id string) (session.Session, error) {
	// Mark the instance before cancelling: the runner drops it on its way
	// out of the gate, and Invalidate itself never waits on the gate.
	gen, inEngine := m.engineGeneration(id)
	if inEngine {
		m.gateway.Invalidate(gen)
	}

	sess, err := m.reg.Cancel(id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Status.IsTerminal() {
		return sess, nil
	}
	m.logger.Info("stop requested", "session_id", id)
	if sink := m.sinkFor(id); sink != nil {
		sink.Printf("stop requested")
		if inEngine {
			sink.Printf("terminating engine")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.stopWait)
	defer cancel()

	if done, err := m.reg.Done(id); err == nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return m.reg.Get(id)
}

// Wait blocks until the session is terminal or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (session.Session, error) {
	done, err := m.reg.Done(id)
	if err != nil {
		return session.Session{}, err
	}
	select {
	case <-done:
		return m.reg.Get(id)
	case <-ctx.Done():
		return session.Session{}, ctx.Err()
	}
}

// Tail streams the session's run log until it is terminal.
func (m *Manager) Tail(ctx context.Context, id string) (iter.Seq[sessionlog.Chunk], error) {
	sess, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}
	status := func() (string, bool) {
		cur, err := m.reg.Get(id)
		if err != nil {
			// Forgotten mid-stream: end with the last status we saw.
			return string(sess.Status), true
		}
		sess = cur
		return string(cur.Status), cur.Status.IsTerminal()
	}
	return sessionlog.Tail(ctx, sess.LogPath, status, m.poll), nil
}

// Artifact returns the archive path of a done session.
func (m *Manager) Artifact(id string) (session.Session, error) {
	sess, err := m.reg.Get(id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Status != session.StatusDone || sess.ArchivePath == "" {
		return sess, fmt.Errorf("%w: session %s is %s", ErrNoArtifact, id, sess.Status)
	}
	info, err := os.Stat(sess.ArchivePath)
	if err != nil || !info.Mode().IsRegular() {
		return sess, fmt.Errorf("%w: archive missing for session %s", ErrNoArtifact, id)
	}
	return sess, nil
}

// Shutdown refuses new work, cancels active sessions and waits for their
// runners, then closes the engine gateway.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, s := range m.reg.List() {
		if !s.Status.IsTerminal() {
			_, _ = m.reg.Cancel(s.ID)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for runners: %w", ctx.Err())
	}
	return m.gateway.Close(ctx)
}

func (m *Manager) sinkFor(id string) *sessionlog.Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sinks[id]
}

func (m *Manager) engineGeneration(id string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.inEngine[id]
	return gen, ok
}

// enterEngine must be called while holding the gate.
func (m *Manager) enterEngine(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inEngine[id] = m.gateway.Generation()
}

func (m *Manager) leaveEngine(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inEngine, id)
}
