// Package inspect renders an offline report of one session from durable
// history and whatever its directory still holds.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/qsmgw/internal/archive"
	"github.com/mattjoyce/qsmgw/internal/session"
	"github.com/mattjoyce/qsmgw/internal/state"
)

// DefaultLogLines is how much of the run log a report includes.
const DefaultLogLines = 20

// History is the part of the session store a report reads.
type History interface {
	Get(ctx context.Context, id string) (session.Session, error)
	History(ctx context.Context, id string) ([]state.StatusEvent, error)
}

// Report is the structured JSON representation of a session report.
type Report struct {
	SessionID  string     `json:"session_id"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	Cancelled  bool       `json:"cancelled,omitempty"`
	Dir        string     `json:"dir"`
	RootA      string     `json:"mag_root,omitempty"`
	RootB      string     `json:"ph_root,omitempty"`
	Options    any        `json:"options,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Events     []Event    `json:"events"`
	Artifact   *Artifact  `json:"artifact,omitempty"`
	LogTail    []string   `json:"log_tail,omitempty"`
}

// Event is one recorded status change.
type Event struct {
	At     time.Time `json:"at"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// Artifact describes the output archive on disk.
type Artifact struct {
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Digest   string `json:"digest"`
	Recorded string `json:"recorded_digest,omitempty"`
	Verified bool   `json:"verified"`
}

// Build gathers a report for id. logLines bounds the run log excerpt; zero
// means DefaultLogLines.
func Build(ctx context.Context, store History, id string, logLines int) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if logLines <= 0 {
		logLines = DefaultLogLines
	}

	sess, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := store.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load status history: %w", err)
	}

	r := &Report{
		SessionID:  sess.ID,
		Status:     string(sess.Status),
		Error:      sess.Error,
		Cancelled:  sess.Cancelled,
		Dir:        sess.Dir,
		RootA:      sess.RootA,
		RootB:      sess.RootB,
		CreatedAt:  sess.CreatedAt,
		StartedAt:  sess.StartedAt,
		FinishedAt: sess.FinishedAt,
		Events:     make([]Event, 0, len(history)),
	}
	if sess.Options.Len() > 0 {
		r.Options = sess.Options
	}
	for _, ev := range history {
		r.Events = append(r.Events, Event{At: ev.At, Status: string(ev.Status), Error: ev.Error})
	}

	if sess.ArchivePath != "" {
		if info, err := os.Stat(sess.ArchivePath); err == nil {
			digest, err := archive.Digest(sess.ArchivePath)
			if err != nil {
				return nil, fmt.Errorf("digest artifact: %w", err)
			}
			r.Artifact = &Artifact{
				Path:     sess.ArchivePath,
				Bytes:    info.Size(),
				Digest:   digest,
				Recorded: sess.Digest,
				Verified: sess.Digest != "" && sess.Digest == digest,
			}
		}
	}

	if sess.LogPath != "" {
		r.LogTail = tailLines(sess.LogPath, logLines)
	}
	return r, nil
}

// tailLines returns up to n trailing lines of path; a missing log yields nil.
func tailLines(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Render formats a report for the terminal.
func Render(r *Report) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Session Report\n")
	fmt.Fprintf(&out, "Session ID  : %s\n", r.SessionID)
	fmt.Fprintf(&out, "Status      : %s\n", r.Status)
	if r.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", r.Error)
	}
	if r.Cancelled {
		fmt.Fprintf(&out, "Cancelled   : yes\n")
	}
	fmt.Fprintf(&out, "Directory   : %s\n", r.Dir)
	fmt.Fprintf(&out, "Mag root    : %s\n", renderUnset(r.RootA, "<not located>"))
	fmt.Fprintf(&out, "Ph root     : %s\n", renderUnset(r.RootB, "<not located>"))
	fmt.Fprintf(&out, "Created     : %s\n", r.CreatedAt.Local().Format(time.DateTime))
	if r.StartedAt != nil && r.FinishedAt != nil {
		fmt.Fprintf(&out, "Duration    : %s\n", r.FinishedAt.Sub(*r.StartedAt).Round(time.Second))
	}
	if r.Options != nil {
		if data, err := json.Marshal(r.Options); err == nil {
			fmt.Fprintf(&out, "Options     : %s\n", data)
		}
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Status history:\n")
	if len(r.Events) == 0 {
		fmt.Fprintf(&out, "  <none>\n")
	}
	for _, ev := range r.Events {
		line := fmt.Sprintf("  %s  %-8s", ev.At.Local().Format(time.DateTime), ev.Status)
		if ev.Error != "" {
			line += "  " + ev.Error
		}
		fmt.Fprintln(&out, strings.TrimRight(line, " "))
	}
	fmt.Fprintf(&out, "\n")

	if r.Artifact == nil {
		fmt.Fprintf(&out, "Artifact    : <none>\n")
	} else {
		verified := "digest mismatch"
		switch {
		case r.Artifact.Recorded == "":
			verified = "no recorded digest"
		case r.Artifact.Verified:
			verified = "verified"
		}
		fmt.Fprintf(&out, "Artifact    : %s (%d bytes, %s)\n", r.Artifact.Path, r.Artifact.Bytes, verified)
		fmt.Fprintf(&out, "BLAKE3      : %s\n", r.Artifact.Digest)
	}

	if len(r.LogTail) > 0 {
		fmt.Fprintf(&out, "\nRun log (last %d lines):\n", len(r.LogTail))
		for _, line := range r.LogTail {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}
	return out.String()
}

// RenderJSON returns the machine-readable report.
func RenderJSON(r *Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
