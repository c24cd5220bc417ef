package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem describes the mount that holds a path.
type Filesystem struct {
	// Inspected is the nearest existing ancestor that was statted.
	Inspected string
	Type      string
	Network   bool
}

var networkFilesystems = map[string]struct{}{
	"9p":         {},
	"afpfs":      {},
	"cifs":       {},
	"fuse.sshfs": {},
	"nfs":        {},
	"nfs4":       {},
	"smbfs":      {},
	"smb2":       {},
	"webdav":     {},
}

// Probe reports the filesystem that holds path, or will hold it once the
// missing parts of the path are created.
func Probe(path string) (Filesystem, error) {
	return probe(path, detectFilesystemType)
}

func probe(path string, detect func(string) (string, error)) (Filesystem, error) {
	if path == "" {
		return Filesystem{}, fmt.Errorf("path is empty")
	}
	inspect, err := nearestExistingPath(path)
	if err != nil {
		return Filesystem{}, fmt.Errorf("resolve %q: %w", path, err)
	}
	fsType, err := detect(inspect)
	if err != nil {
		return Filesystem{}, fmt.Errorf("detect filesystem for %q: %w", inspect, err)
	}
	return Filesystem{Inspected: inspect, Type: fsType, Network: isNetworkFilesystem(fsType)}, nil
}

// requireLocalDatabase refuses a session database on a network mount, where
// SQLite's file locking cannot be trusted.
func requireLocalDatabase(path string, detect func(string) (string, error)) error {
	fs, err := probe(path, detect)
	if err != nil {
		return err
	}
	if fs.Network {
		return fmt.Errorf(
			"session database %q is on network filesystem %q; SQLite needs local disk for reliable locking. Point state.path at a local file (sessions_dir may stay on shared storage)",
			path, fs.Type)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for candidate := abs; ; {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
