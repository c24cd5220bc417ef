package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Recorder observes every registry change. Record is called outside the
// registry lock, in transition order for any one session.
type Recorder interface {
	Record(ctx context.Context, s Session) error
}

type entry struct {
	s      Session
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry maps session ids to their live state. It is safe for concurrent
// use by request handlers and runners.
type Registry struct {
	mu        sync.RWMutex
	recMu     sync.Mutex
	entries   map[string]*entry
	recorders []Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, recorders ...Recorder) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:   make(map[string]*entry),
		recorders: recorders,
		logger:    logger.With("component", "registry"),
		now:       time.Now,
	}
}

// Add registers s. New sessions must be pending; terminal sessions may be
// added directly, which is how acceptance failures and restored history enter
// the registry.
func (r *Registry) Add(s Session) (Session, error) {
	if s.ID == "" {
		return Session{}, fmt.Errorf("session id is empty")
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	if s.Status != StatusPending && !s.Status.IsTerminal() {
		return Session{}, fmt.Errorf("%w: cannot add session in status %s", ErrInvalidTransition, s.Status)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{s: s, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	if s.Status.IsTerminal() {
		if s.FinishedAt == nil {
			finished := s.CreatedAt
			e.s.FinishedAt = &finished
		}
		cancel()
		close(e.done)
	}

	r.mu.Lock()
	if _, ok := r.entries[s.ID]; ok {
		r.mu.Unlock()
		cancel()
		return Session{}, fmt.Errorf("%w: %s", ErrExists, s.ID)
	}
	r.entries[s.ID] = e
	snap := e.s
	r.unlockAndRecord(snap)
	return snap, nil
}

// Restore loads a terminal session from durable history without notifying
// recorders.
func (r *Registry) Restore(s Session) error {
	if !s.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot restore session in status %s", ErrInvalidTransition, s.Status)
	}
	done := make(chan struct{})
	close(done)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, s.ID)
	}
	r.entries[s.ID] = &entry{s: s, ctx: ctx, cancel: cancel, done: done}
	return nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.s, nil
}

// List returns snapshots of all sessions, oldest first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of sessions per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]int)
	for _, e := range r.entries {
		counts[e.s.Status]++
	}
	return counts
}

// Context returns the session's cancellation token. It is cancelled by
// Cancel and on terminal entry.
func (r *Registry) Context(id string) (context.Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.ctx, nil
}

// Done returns a channel closed when the session becomes terminal.
func (r *Registry) Done(id string) (<-chan struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.done, nil
}

// Cancel sets the cancellation flag and cancels the session context. It does
// not change status. Cancelling a terminal session is a no-op.
func (r *Registry) Cancel(id string) (Session, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.s.Status.IsTerminal() || e.s.Cancelled {
		snap := e.s
		r.mu.Unlock()
		return snap, nil
	}
	e.s.Cancelled = true
	e.cancel()
	snap := e.s
	r.unlockAndRecord(snap)
	return snap, nil
}

// Update applies fn to a non-terminal session without changing its status.
func (r *Registry) Update(id string, fn func(*Session)) (Session, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.s.Status.IsTerminal() {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, e.s.Status)
	}
	status := e.s.Status
	fn(&e.s)
	e.s.ID = id
	e.s.Status = status
	snap := e.s
	r.unlockAndRecord(snap)
	return snap, nil
}

// Transition moves a session to status to, applying fn (may be nil) to the
// record in the same critical section. Only pending -> running and
// running -> terminal are allowed.
func (r *Registry) Transition(id string, to Status, fn func(*Session)) (Session, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := e.s.Status
	if !isAllowedTransition(from, to) {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, to)
	}

	if fn != nil {
		fn(&e.s)
		e.s.ID = id
	}
	e.s.Status = to
	now := r.now()
	switch {
	case to == StatusRunning:
		e.s.StartedAt = &now
	case to.IsTerminal():
		e.s.FinishedAt = &now
		if to != StatusError {
			e.s.Error = ""
		}
		e.cancel()
		close(e.done)
	}
	snap := e.s
	r.logger.Debug("session transition", "session_id", id, "from", from, "to", to)
	r.unlockAndRecord(snap)
	return snap, nil
}

// Remove forgets a terminal session.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrActive, id)
	}
	delete(r.entries, id)
	return nil
}

// unlockAndRecord releases mu and notifies recorders. recMu is taken before mu
// is released so recorders see changes in the order they were made.
func (r *Registry) unlockAndRecord(s Session) {
	r.recMu.Lock()
	r.mu.Unlock()
	defer r.recMu.Unlock()
	r.record(s)
}

func (r *Registry) record(s Session) {
	for _, rec := range r.recorders {
		if err := rec.Record(context.Background(), s); err != nil {
			r.logger.Warn("failed to record session", "session_id", s.ID, "error", err)
		}
	}
}
