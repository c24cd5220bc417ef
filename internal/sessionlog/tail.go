package sessionlog

import (
	"context"
	"io"
	"iter"
	"os"
	"time"
)

// DefaultPollInterval is used when Tail is given a non-positive interval.
const DefaultPollInterval = 500 * time.Millisecond

// Chunk is one piece of a tailed log. The final chunk has End set and carries
// the terminal status.
type Chunk struct {
	Data   string
	End    bool
	Status string
}

// StatusFunc reports the session's current status and whether it is terminal.
type StatusFunc func() (status string, terminal bool)

// Tail replays the log at path from the beginning, then polls for appended
// bytes until status reports a terminal state. It yields exactly one End chunk
// after the last data chunk. Cancelling ctx stops the sequence without an End
// chunk.
func Tail(ctx context.Context, path string, status StatusFunc, interval time.Duration) iter.Seq[Chunk] {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return func(yield func(Chunk) bool) {
		r := &follower{path: path}
		defer r.close()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if data := r.read(); data != "" {
				if !yield(Chunk{Data: data}) {
					return
				}
			}

			st, terminal := status()
			if terminal {
				// Lines written between the read above and the status check.
				if data := r.read(); data != "" {
					if !yield(Chunk{Data: data}) {
						return
					}
				}
				yield(Chunk{End: true, Status: st})
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// follower reads a file incrementally. A missing file reads as empty.
type follower struct {
	path string
	f    *os.File
}

func (r *follower) read() string {
	if r.f == nil {
		f, err := os.Open(r.path)
		if err != nil {
			return ""
		}
		r.f = f
	}
	// Partial reads are still yielded; the offset only advances by what was read.
	data, _ := io.ReadAll(r.f)
	return string(data)
}

func (r *follower) close() {
	if r.f != nil {
		r.f.Close()
	}
}
