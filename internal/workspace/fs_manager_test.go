package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFSManagerCreateAndOpen(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "sessions")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	layout, err := mgr.Create(context.Background(), "0a1b2c3d4e5f")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	wantPath := filepath.Join(baseDir, "0a1b2c3d4e5f")
	if layout.Dir != wantPath {
		t.Fatalf("Create() dir = %q, want %q", layout.Dir, wantPath)
	}
	for _, dir := range []string{layout.InputA, layout.InputB, layout.Out} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("Stat(%s) error = %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
	if layout.Log != filepath.Join(wantPath, LogFile) {
		t.Fatalf("Create() log = %q", layout.Log)
	}
	if layout.Archive != filepath.Join(wantPath, ArchiveFile) {
		t.Fatalf("Create() archive = %q", layout.Archive)
	}

	opened, err := mgr.Open(context.Background(), "0a1b2c3d4e5f")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != layout {
		t.Fatalf("Open() layout = %+v, want %+v", opened, layout)
	}
}

func TestFSManagerCreateTwiceFails(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	if _, err := mgr.Create(context.Background(), "abc"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := mgr.Create(context.Background(), "abc"); err == nil {
		t.Fatal("second Create() succeeded, want error")
	}
}

func TestFSManagerRejectsBadIDs(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	for _, id := range []string{"", " ", ".", "..", "../x", `a\b`, "a/b", ".hidden", " padded"} {
		if _, err := mgr.Create(context.Background(), id); err == nil {
			t.Errorf("Create(%q) succeeded, want error", id)
		}
	}
}

func TestFSManagerCleanup(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "sessions")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	oldLayout, err := mgr.Create(context.Background(), "oldsession")
	if err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	newLayout, err := mgr.Create(context.Background(), "newsession")
	if err != nil {
		t.Fatalf("Create(new) error = %v", err)
	}
	// Lock files and other loose files in the root are ignored.
	if err := os.WriteFile(filepath.Join(baseDir, "qsmgw.lock"), []byte("1"), 0o644); err != nil {
		t.Fatalf("WriteFile(lock) error = %v", err)
	}

	if err := os.Chtimes(oldLayout.Dir, now.Add(-48*time.Hour), now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("Chtimes(old) error = %v", err)
	}
	if err := os.Chtimes(newLayout.Dir, now.Add(-time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatalf("Chtimes(new) error = %v", err)
	}

	report, err := mgr.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if len(report.Deleted) != 1 || report.Deleted[0] != "oldsession" {
		t.Fatalf("Cleanup() deleted = %v, want [oldsession]", report.Deleted)
	}

	if _, err := os.Stat(oldLayout.Dir); !os.IsNotExist(err) {
		t.Fatalf("old session still exists or unexpected error: %v", err)
	}
	if _, err := os.Stat(newLayout.Dir); err != nil {
		t.Fatalf("new session missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(baseDir, "qsmgw.lock")); err != nil {
		t.Fatalf("lock file removed: %v", err)
	}
}

func TestFSManagerRemoveMissing(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	if err := mgr.Remove(context.Background(), "nothere"); err != nil {
		t.Fatalf("Remove(missing) error = %v", err)
	}
}

func TestFSManagerStaleMissingBase(t *testing.T) {
	mgr, err := NewFSManager(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	stale, err := mgr.Stale(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Stale() error = %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("Stale() = %v, want empty", stale)
	}
}
