package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/qsmgw/internal/protocol"
)

// defaultKillGrace is the time we wait after SIGTERM before sending SIGKILL.
const defaultKillGrace = 5 * time.Second

// maxStdoutTail bounds how much engine stdout is retained for protocol parsing.
const maxStdoutTail = 256 * 1024

// CommandConfig describes an external engine executable.
type CommandConfig struct {
	Command   string
	Args      []string
	Env       []string
	KillGrace time.Duration
}

// CommandEngine runs the configured executable once per Compute call. The
// protocol request goes to stdin as one JSON line; the last stdout line must be
// a protocol response.
type CommandEngine struct {
	path   string
	cfg    CommandConfig
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// CommandFactory returns a Factory that resolves cfg.Command on PATH and
// verifies it is executable.
func CommandFactory(cfg CommandConfig, logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) (Capability, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cfg.Command == "" {
			return nil, fmt.Errorf("engine command is not configured")
		}
		path, err := exec.LookPath(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("resolve engine command %q: %w", cfg.Command, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat engine command: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("engine command %q is a directory", path)
		}
		if cfg.KillGrace <= 0 {
			cfg.KillGrace = defaultKillGrace
		}
		return &CommandEngine{path: path, cfg: cfg, logger: logger.With("engine", path)}, nil
	}
}

// Compute runs one engine process. Cancelling ctx terminates it.
func (e *CommandEngine) Compute(ctx context.Context, req Request) (Result, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return Result{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	out := req.Output
	if out == nil {
		out = io.Discard
	}

	cmd := exec.Command(e.path, e.cfg.Args...)
	cmd.Env = append(os.Environ(), e.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("create stdin pipe: %w", err)
	}

	tail := &tailBuffer{max: maxStdoutTail}
	cmd.Stdout = io.MultiWriter(out, tail)
	cmd.Stderr = out

	logger := e.logger.With("session_id", req.SessionID)
	logger.Debug("spawning engine")

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start engine: %w", err)
	}

	protoReq := &protocol.Request{
		Protocol:  protocol.Version,
		SessionID: req.SessionID,
		InputA:    req.InputA,
		InputB:    req.InputB,
		OutDir:    req.OutDir,
		Options:   req.Options,
	}
	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, protoReq)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		e.terminate(cmd, waitErr, logger)
		return Result{}, fmt.Errorf("engine aborted: %w", ctx.Err())

	case err := <-waitErr:
		if werr := <-writeErr; werr != nil && err == nil {
			return Result{}, fmt.Errorf("send request: %w", werr)
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return Result{}, fmt.Errorf("engine exited with status %d", exitErr.ExitCode())
			}
			return Result{}, fmt.Errorf("wait for engine: %w", err)
		}
	}

	resp, line, err := protocol.DecodeLastLine(tail.Bytes())
	if err != nil {
		logger.Warn("unparseable engine output", "line", string(line), "error", err)
		return Result{}, err
	}
	for _, entry := range resp.Logs {
		fmt.Fprintf(out, "engine %s: %s\n", entry.Level, entry.Message)
	}
	if resp.Status == "error" {
		return Result{}, fmt.Errorf("engine reported error: %s", resp.Error)
	}
	return Result{Output: resp.Output}, nil
}

func (e *CommandEngine) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	logger.Warn("engine call cancelled, sending SIGTERM")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(e.cfg.KillGrace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("engine exited after SIGTERM")
	case <-grace.C:
		logger.Warn("engine did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// Close marks the engine unusable. Processes are per call, so there is
// nothing else to release.
func (e *CommandEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte { return t.buf }
