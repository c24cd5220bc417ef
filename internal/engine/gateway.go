package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Gateway serializes all access to the engine instance.
type Gateway struct {
	factory Factory
	logger  *slog.Logger

	// gate is a one-slot semaphore; holding the slot grants ownership of
	// inst and closed.
	gate   chan struct{}
	inst   Capability
	closed bool

	alive      atomic.Bool
	generation atomic.Uint64
	// stale holds generation+1 of an instance marked by Invalidate; 0 is none.
	stale atomic.Uint64
}

// NewGateway returns a Gateway that will create instances with factory.
func NewGateway(factory Factory, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		factory: factory,
		logger:  logger.With("component", "engine"),
		gate:    make(chan struct{}, 1),
	}
}

func (g *Gateway) acquire(ctx context.Context) error {
	select {
	case g.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) release() { <-g.gate }

// WithEngine acquires the gate, initializes the instance if needed, and runs
// fn with it. Waiting for the gate honours ctx; fn itself is not interrupted
// by this method.
func (g *Gateway) WithEngine(ctx context.Context, fn func(Capability) error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	inst, err := g.ensureLocked(ctx)
	if err != nil {
		return err
	}
	defer g.dropStaleLocked()
	return fn(inst)
}

// Warm initializes the instance ahead of the first call.
func (g *Gateway) Warm(ctx context.Context) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	_, err := g.ensureLocked(ctx)
	return err
}

// Reset waits for the gate, tears down any live instance and clears it so the
// next WithEngine re-initializes. Teardown errors are logged, not returned.
func (g *Gateway) Reset(ctx context.Context) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	g.teardownLocked("reset")
	g.generation.Add(1)
	return nil
}

// Invalidate marks the instance of generation gen for teardown without
// waiting for the gate. The current holder drops it when its call returns,
// before any queued caller can use it; a later generation is left alone.
func (g *Gateway) Invalidate(gen uint64) {
	g.stale.Store(gen + 1)
}

// Close tears down the instance and refuses further calls.
func (g *Gateway) Close(ctx context.Context) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	g.teardownLocked("close")
	g.closed = true
	return nil
}

// Alive reports whether an instance is currently initialized.
func (g *Gateway) Alive() bool { return g.alive.Load() }

// Generation counts completed resets.
func (g *Gateway) Generation() uint64 { return g.generation.Load() }

func (g *Gateway) ensureLocked(ctx context.Context) (Capability, error) {
	if g.closed {
		return nil, ErrClosed
	}
	g.dropStaleLocked()
	if g.inst != nil {
		return g.inst, nil
	}

	start := time.Now()
	g.logger.Info("initializing engine")
	inst, err := g.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize engine: %w", err)
	}
	if inst == nil {
		return nil, fmt.Errorf("initialize engine: factory returned no instance")
	}
	g.inst = inst
	g.alive.Store(true)
	g.logger.Info("engine ready", "duration_ms", time.Since(start).Milliseconds())
	return inst, nil
}

func (g *Gateway) dropStaleLocked() {
	marked := g.stale.Load()
	if marked == 0 {
		return
	}
	g.stale.CompareAndSwap(marked, 0)
	if marked-1 != g.generation.Load() {
		return
	}
	g.teardownLocked("reset")
	g.generation.Add(1)
}

func (g *Gateway) teardownLocked(reason string) {
	if g.inst == nil {
		return
	}
	inst := g.inst
	g.inst = nil
	g.alive.Store(false)

	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("engine teardown panicked", "reason", reason, "panic", r)
		}
	}()
	if err := inst.Close(); err != nil {
		g.logger.Warn("engine teardown failed", "reason", reason, "error", err)
		return
	}
	g.logger.Info("engine terminated", "reason", reason)
}
