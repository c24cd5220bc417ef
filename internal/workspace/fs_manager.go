package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fsManager manages per-session directories on local disk.
type fsManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsManager)(nil)

// NewFSManager creates a filesystem-backed manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("sessions base directory is empty")
	}

	return &fsManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// BaseDir returns the sessions root.
func (m *fsManager) BaseDir() string { return m.baseDir }

// Create initializes a session directory for sessionID.
func (m *fsManager) Create(ctx context.Context, sessionID string) (Layout, error) {
	if err := ctx.Err(); err != nil {
		return Layout{}, err
	}

	path, err := m.sessionPath(sessionID)
	if err != nil {
		return Layout{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Layout{}, fmt.Errorf("create sessions base directory: %w", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return Layout{}, fmt.Errorf("create directory for session %q: %w", sessionID, err)
	}

	layout := layoutFor(sessionID, path)
	for _, dir := range []string{layout.InputA, layout.InputB, layout.Out} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			_ = os.RemoveAll(path)
			return Layout{}, fmt.Errorf("create %q for session %q: %w", filepath.Base(dir), sessionID, err)
		}
	}
	return layout, nil
}

// Open returns the layout of an existing session directory.
func (m *fsManager) Open(ctx context.Context, sessionID string) (Layout, error) {
	if err := ctx.Err(); err != nil {
		return Layout{}, err
	}

	path, err := m.sessionPath(sessionID)
	if err != nil {
		return Layout{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Layout{}, fmt.Errorf("open session %q: %w", sessionID, err)
	}
	if !info.IsDir() {
		return Layout{}, fmt.Errorf("path for session %q is not a directory", sessionID)
	}

	return layoutFor(sessionID, path), nil
}

// Stale lists session directories whose modification time is older than
// olderThan.
func (m *fsManager) Stale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if olderThan <= 0 {
		return nil, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	var stale []string
	for _, entry := range entries {
		if !entry.IsDir() || validateSessionID(entry.Name()) != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return stale, fmt.Errorf("read session entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		stale = append(stale, entry.Name())
	}
	return stale, nil
}

// Remove deletes the directory of sessionID. Removing a missing session is
// not an error.
func (m *fsManager) Remove(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := m.sessionPath(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove session %q: %w", sessionID, err)
	}
	return nil
}

// Cleanup removes session directories older than olderThan.
func (m *fsManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	stale, err := m.Stale(ctx, olderThan)
	if err != nil {
		return CleanupReport{}, err
	}

	report := CleanupReport{}
	for _, id := range stale {
		if err := m.Remove(ctx, id); err != nil {
			return report, err
		}
		report.Deleted = append(report.Deleted, id)
	}
	return report, nil
}

func (m *fsManager) sessionPath(sessionID string) (string, error) {
	if err := validateSessionID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, sessionID), nil
}

func layoutFor(sessionID, dir string) Layout {
	return Layout{
		SessionID: sessionID,
		Dir:       dir,
		InputA:    filepath.Join(dir, InputADir),
		InputB:    filepath.Join(dir, InputBDir),
		Out:       filepath.Join(dir, OutputDir),
		Log:       filepath.Join(dir, LogFile),
		Archive:   filepath.Join(dir, ArchiveFile),
	}
}

func validateSessionID(sessionID string) error {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" {
		return fmt.Errorf("session id is empty")
	}
	if trimmed == "." || trimmed == ".." || strings.HasPrefix(trimmed, ".") {
		return fmt.Errorf("session id %q is invalid", sessionID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("session id %q must not contain path separators", sessionID)
	}
	if filepath.Clean(trimmed) != trimmed || trimmed != sessionID {
		return fmt.Errorf("session id %q is invalid", sessionID)
	}
	return nil
}
