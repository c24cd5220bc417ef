package sessionlog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 9, 5, 7, 0, time.UTC)
}

func newSink(t *testing.T) (*Sink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.log")
	s, err := Create(path, nil)
	require.NoError(t, err)
	s.now = fixedClock
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSinkPrintf(t *testing.T) {
	s, path := newSink(t)
	s.Printf("session %s started", "abc")
	s.Printf("second")
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[09:05:07] session abc started\n[09:05:07] second\n", string(data))
}

func TestSinkCreateTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, os.WriteFile(path, []byte("stale\n"), 0o644))

	s, err := Create(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestSinkWriterSplitsLines(t *testing.T) {
	s, path := newSink(t)
	w := s.Writer()
	_, err := w.Write([]byte("iter 1\niter"))
	require.NoError(t, err)
	_, err = w.Write([]byte(" 2\r\npartial"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[09:05:07] iter 1\n[09:05:07] iter 2\n[09:05:07] partial\n", string(data))
}

func TestSinkClosedDropsWrites(t *testing.T) {
	s, path := newSink(t)
	s.Printf("final")
	require.NoError(t, s.Close())
	s.Printf("after close")

	w := s.Writer()
	n, err := w.Write([]byte("late\n"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[09:05:07] final\n", string(data))
}

func collect(seq func(func(Chunk) bool)) []Chunk {
	var out []Chunk
	for c := range seq {
		out = append(out, c)
	}
	return out
}

func TestTailReplaysThenEnds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0o644))

	chunks := collect(Tail(context.Background(), path, func() (string, bool) { return "done", true }, time.Millisecond))
	require.Len(t, chunks, 2)
	assert.Equal(t, "line one\nline two\n", chunks[0].Data)
	assert.True(t, chunks[1].End)
	assert.Equal(t, "done", chunks[1].Status)
}

func TestTailStreamsAppendedContent(t *testing.T) {
	s, path := newSink(t)
	s.Printf("first")

	var terminal atomic.Bool
	status := func() (string, bool) {
		if terminal.Load() {
			return "stopped", true
		}
		return "running", false
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Printf("second")
		time.Sleep(20 * time.Millisecond)
		s.Printf("third")
		_ = s.Close()
		terminal.Store(true)
	}()

	chunks := collect(Tail(context.Background(), path, status, 5*time.Millisecond))
	require.NotEmpty(t, chunks)

	var text strings.Builder
	ends := 0
	for i, c := range chunks {
		if c.End {
			ends++
			assert.Equal(t, len(chunks)-1, i, "end must be the last chunk")
			assert.Equal(t, "stopped", c.Status)
			continue
		}
		text.WriteString(c.Data)
	}
	assert.Equal(t, 1, ends)
	assert.Equal(t, "[09:05:07] first\n[09:05:07] second\n[09:05:07] third\n", text.String())
}

func TestTailMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.log")
	chunks := collect(Tail(context.Background(), path, func() (string, bool) { return "error", true }, time.Millisecond))
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].End)
	assert.Equal(t, "error", chunks[0].Status)
}

func TestTailStopsOnContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	chunks := collect(Tail(ctx, path, func() (string, bool) { return "running", false }, 5*time.Millisecond))
	for _, c := range chunks {
		assert.False(t, c.End)
	}
}

func TestTailConsumerBreak(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))

	n := 0
	for range Tail(context.Background(), path, func() (string, bool) { return "running", false }, time.Millisecond) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}
