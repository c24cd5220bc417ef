// Package lock guards the sessions root so that only one gateway process
// (service or offline prune) manipulates it at a time.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FileName is the lock file created inside the sessions root.
const FileName = ".qsmgw.lock"

// ErrHeld is returned when another process owns the lock.
var ErrHeld = errors.New("sessions root is locked by another process")

// PIDLock is a PID file held with flock(2). The lock lives as long as the
// file descriptor stays open.
type PIDLock struct {
	path string
	f    *os.File
}

// PathFor returns the lock path for a sessions root.
func PathFor(sessionsRoot string) string {
	return filepath.Join(sessionsRoot, FileName)
}

// Acquire takes an exclusive non-blocking lock at lockPath and writes the
// current PID into it.
func Acquire(lockPath string) (*PIDLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, ok := Holder(lockPath); ok {
				return nil, fmt.Errorf("%w (pid %d)", ErrHeld, pid)
			}
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	l := &PIDLock{path: lockPath, f: f}
	if err := l.writePID(); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

func (l *PIDLock) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(l.f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// Holder reads the PID recorded in a lock file. It does not check whether
// the lock is currently held.
func Holder(lockPath string) (int, bool) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *PIDLock) Path() string { return l.path }

// Release unlocks and closes the file. It is safe to call more than once.
func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
