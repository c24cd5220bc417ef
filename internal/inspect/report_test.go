package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/qsmgw/internal/archive"
	"github.com/mattjoyce/qsmgw/internal/options"
	"github.com/mattjoyce/qsmgw/internal/session"
	"github.com/mattjoyce/qsmgw/internal/state"
	"github.com/mattjoyce/qsmgw/internal/storage"
)

// recordLifecycle writes a full pending→running→done history for s.
func recordLifecycle(t *testing.T, store *state.SessionStore, s session.Session) {
	t.Helper()
	ctx := context.Background()
	for _, st := range []session.Status{session.StatusPending, session.StatusRunning, session.StatusDone} {
		s.Status = st
		if err := store.Record(ctx, s); err != nil {
			t.Fatalf("Record(%s): %v", st, err)
		}
	}
}

func TestBuildReportRendersHistoryArtifactAndLog(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(tmpDir, "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := state.NewSessionStore(db)

	dir := filepath.Join(tmpDir, "abc123def456")
	out := filepath.Join(dir, "out")
	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(out, "chi.nii"), []byte("chi"), 0o644); err != nil {
		t.Fatal(err)
	}
	summary, err := archive.Zip(out, filepath.Join(dir, "out.zip"))
	if err != nil {
		t.Fatalf("Zip: %v", err)
	}
	logPath := filepath.Join(dir, "run.log")
	var log strings.Builder
	for i := range 30 {
		log.WriteString("[10:00:00] line ")
		log.WriteString(string(rune('a' + i%26)))
		log.WriteString("\n")
	}
	log.WriteString("[10:00:09] done\n")
	if err := os.WriteFile(logPath, []byte(log.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	started := time.Now().Add(-time.Minute).UTC()
	finished := time.Now().UTC()
	recordLifecycle(t, store, session.Session{
		ID:          "abc123def456",
		Dir:         dir,
		OutDir:      out,
		LogPath:     logPath,
		ArchivePath: summary.Path,
		Digest:      summary.Digest,
		RootA:       filepath.Join(dir, "mag", "series"),
		Options:     options.Parse(map[string]string{"bkg_rm": "lbv"}),
		CreatedAt:   started,
		StartedAt:   &started,
		FinishedAt:  &finished,
	})

	report, err := Build(context.Background(), store, "abc123def456", 5)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if report.Status != "done" {
		t.Fatalf("status = %q, want done", report.Status)
	}
	if len(report.Events) != 3 {
		t.Fatalf("events = %d, want 3", len(report.Events))
	}
	if report.Artifact == nil || !report.Artifact.Verified {
		t.Fatalf("expected verified artifact, got %+v", report.Artifact)
	}
	if len(report.LogTail) != 5 || report.LogTail[4] != "[10:00:09] done" {
		t.Fatalf("unexpected log tail: %v", report.LogTail)
	}

	text := Render(report)
	for _, want := range []string{
		"Session ID  : abc123def456",
		"Ph root     : <not located>",
		"verified",
		`"bkg_rm":"lbv"`,
		"Run log (last 5 lines):",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("report missing %q:\n%s", want, text)
		}
	}

	js, err := RenderJSON(report)
	if err != nil {
		t.Fatalf("RenderJSON: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(js), &decoded); err != nil {
		t.Fatalf("json: %v", err)
	}
	if decoded["session_id"] != "abc123def456" {
		t.Fatalf("unexpected json: %s", js)
	}
}

func TestBuildReportDetectsDigestMismatch(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(tmpDir, "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := state.NewSessionStore(db)

	zipPath := filepath.Join(tmpDir, "out.zip")
	if err := os.WriteFile(zipPath, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	recordLifecycle(t, store, session.Session{
		ID:          "bbbbbbbbbbbb",
		Dir:         tmpDir,
		ArchivePath: zipPath,
		Digest:      "0000",
		CreatedAt:   time.Now().UTC(),
	})

	report, err := Build(context.Background(), store, "bbbbbbbbbbbb", 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if report.Artifact == nil || report.Artifact.Verified {
		t.Fatalf("expected unverified artifact, got %+v", report.Artifact)
	}
	if !strings.Contains(Render(report), "digest mismatch") {
		t.Fatalf("expected mismatch in rendered report")
	}
	if report.LogTail != nil {
		t.Fatalf("expected no log tail, got %v", report.LogTail)
	}
}

func TestBuildReportUnknownSession(t *testing.T) {
	t.Parallel()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, err = Build(context.Background(), state.NewSessionStore(db), "nope", 0)
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := Build(context.Background(), state.NewSessionStore(db), " ", 0); err == nil {
		t.Fatalf("expected error for blank id")
	}
}
