package storage

import (
	"path/filepath"
	"strings"
	"testing"
)

func fixedType(name string) func(string) (string, error) {
	return func(string) (string, error) { return name, nil }
}

func TestRequireLocalDatabase(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	if err := requireLocalDatabase(dbPath, fixedType("ext4")); err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}

	err := requireLocalDatabase(dbPath, fixedType("nfs4"))
	if err == nil {
		t.Fatal("expected network filesystem error")
	}
	for _, want := range []string{"nfs4", "needs local disk", "state.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to contain %q, got %q", want, err.Error())
		}
	}
}

func TestProbeInspectsNearestExistingPath(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	var inspected string
	fs, err := probe(filepath.Join(root, "sessions", "later"), func(path string) (string, error) {
		inspected = path
		return "9p", nil
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if inspected != root || fs.Inspected != root {
		t.Fatalf("expected %q to be inspected, got %q", root, inspected)
	}
	if !fs.Network || fs.Type != "9p" {
		t.Fatalf("unexpected result %+v", fs)
	}
}

func TestProbeEmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := probe("", fixedType("ext4")); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestProbeRealPath(t *testing.T) {
	t.Parallel()
	fs, err := Probe(t.TempDir())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if fs.Type == "" {
		t.Fatal("expected a filesystem type")
	}
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"nfs":     true,
		"SMBFS":   true,
		" cifs ":  true,
		"9p":      true,
		"apfs":    false,
		"ext4":    false,
		"0x6969":  false,
		"unknown": false,
	}
	for fsType, want := range cases {
		if got := isNetworkFilesystem(fsType); got != want {
			t.Errorf("isNetworkFilesystem(%q)=%v, want %v", fsType, got, want)
		}
	}
}
