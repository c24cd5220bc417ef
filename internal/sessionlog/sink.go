// Package sessionlog writes and tails the per-session run log.
//
// The run log is a plain text file of timestamped lines. Exactly one Sink
// appends to it while the session is live; any number of tailers read it by
// polling. Once the session is terminal the Sink is closed and the file never
// changes again.
package sessionlog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("session log closed")

const timeLayout = "15:04:05"

// Sink appends timestamped lines to one session's run log.
type Sink struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
	now    func() time.Time
	logger *slog.Logger
}

// Create truncates (or creates) the log at path and returns a Sink for it.
func Create(path string, logger *slog.Logger) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create session log: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{f: f, now: time.Now, logger: logger}, nil
}

// Printf appends one formatted line. Write failures are reported on the
// process logger; the run log is best-effort narration.
func (s *Sink) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err := s.writeLine(msg); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Warn("session log write failed", "error", err)
	}
}

func (s *Sink) writeLine(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	line := "[" + s.now().Format(timeLayout) + "] " + msg + "\n"
	if _, err := io.WriteString(s.f, line); err != nil {
		return err
	}
	s.logger.Debug(msg)
	return nil
}

// Writer returns an io.WriteCloser that turns arbitrary output into
// timestamped lines. Close flushes a trailing partial line.
func (s *Sink) Writer() io.WriteCloser {
	return &lineWriter{sink: s}
}

// Close flushes and closes the file. Later writes are dropped.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

type lineWriter struct {
	sink *Sink
	mu   sync.Mutex
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf[:i], "\r"))
		w.buf = w.buf[i+1:]
		if err := w.sink.writeLine(line); err != nil {
			if errors.Is(err, ErrClosed) {
				w.buf = nil
				return len(p), nil
			}
			return 0, err
		}
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 {
		return nil
	}
	line := string(w.buf)
	w.buf = nil
	if err := w.sink.writeLine(line); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}
