package engine

import (
	"context"
	"errors"
	"io"

	"github.com/mattjoyce/qsmgw/internal/options"
)

// ErrClosed is returned by Gateway calls after Close.
var ErrClosed = errors.New("engine gateway closed")

// Request is one computation: two input roots, an output directory and the
// frozen option set.
type Request struct {
	SessionID string
	InputA    string
	InputB    string
	OutDir    string
	Options   options.Set
	// Output receives anything the engine prints while computing.
	Output io.Writer
}

// Result is what a successful computation reports.
type Result struct {
	Output string
}

// Capability is a live engine instance.
type Capability interface {
	Compute(ctx context.Context, req Request) (Result, error)
	Close() error
}

// Factory initializes a new instance. It may be slow.
type Factory func(ctx context.Context) (Capability, error)

// Func adapts a plain function to Capability with a no-op Close.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Compute(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

func (f Func) Close() error { return nil }
