// Package locate finds the directory inside an uploaded tree that holds the
// payload files.
//
// A file is payload when its name matches one of the configured patterns or,
// failing that, when the bytes at MagicOffset equal Magic. Unreadable files
// never match. Locate tries, in order: the root itself, a walk down chains of
// single-subdirectory wrappers, and finally a breadth-first search for the
// directory holding the most payload files.
package locate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNotFound is returned when no directory in the tree holds a payload file.
var ErrNotFound = errors.New("no data root found")

// Locator holds the recognition rules.
type Locator struct {
	patterns    []string
	magicOffset int
	magic       []byte
}

// New validates patterns and returns a Locator.
func New(patterns []string, magicOffset int, magic string) (*Locator, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid payload pattern %q", p)
		}
	}
	if magicOffset < 0 {
		return nil, fmt.Errorf("magic offset must not be negative")
	}
	return &Locator{
		patterns:    append([]string(nil), patterns...),
		magicOffset: magicOffset,
		magic:       []byte(magic),
	}, nil
}

// Default recognizes DICOM files: *.dcm / *.ima in either case, or the
// "DICM" preamble marker at byte 128.
func Default() *Locator {
	l, _ := New([]string{"*.dcm", "*.DCM", "*.ima", "*.IMA"}, 128, "DICM")
	return l
}

// IsPayload reports whether path is a regular file recognized as payload.
func (l *Locator) IsPayload(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return l.matchName(filepath.Base(path)) || l.matchMagic(path)
}

func (l *Locator) matchName(name string) bool {
	for _, p := range l.patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (l *Locator) matchMagic(path string) bool {
	if len(l.magic) == 0 {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, l.magicOffset+len(l.magic))
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return bytes.Equal(head[l.magicOffset:], l.magic)
}

// CountPayload counts payload files directly inside dir.
func (l *Locator) CountPayload(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if l.IsPayload(filepath.Join(dir, e.Name())) {
			n++
		}
	}
	return n
}

// Locate returns the data root under root, or ErrNotFound.
func (l *Locator) Locate(root string) (string, error) {
	root = filepath.Clean(root)
	if l.CountPayload(root) > 0 {
		return root, nil
	}

	if dir, ok := l.walkChain(root); ok {
		return dir, nil
	}

	if dir, ok := l.searchBest(root); ok {
		return dir, nil
	}
	return "", fmt.Errorf("%s: %w", root, ErrNotFound)
}

// walkChain descends while the current directory has exactly one
// subdirectory and no files.
func (l *Locator) walkChain(root string) (string, bool) {
	cur := root
	for {
		dirs, files, err := split(cur)
		if err != nil {
			return "", false
		}
		if l.CountPayload(cur) > 0 {
			return cur, true
		}
		if len(dirs) != 1 || len(files) != 0 {
			return "", false
		}
		cur = dirs[0]
	}
}

// searchBest runs a BFS over the tree and returns the directory with the
// strictly highest payload count. Ties keep the first directory discovered;
// os.ReadDir yields names sorted, so discovery order is lexical per level.
func (l *Locator) searchBest(root string) (string, bool) {
	var (
		best      string
		bestCount int
		queue     = []string{root}
		seen      = make(map[string]struct{})
	)
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}

		if n := l.CountPayload(d); n > bestCount {
			best, bestCount = d, n
		}
		dirs, _, err := split(d)
		if err != nil {
			continue
		}
		queue = append(queue, dirs...)
	}
	return best, bestCount > 0
}

// split lists the subdirectories and files directly inside dir. Symlinked
// directories are not followed.
func split(dir string) (dirs, files []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir():
			dirs = append(dirs, path)
		case e.Type().IsRegular():
			files = append(files, path)
		case e.Type()&os.ModeSymlink != 0:
			if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
				files = append(files, path)
			}
		}
	}
	return dirs, files, nil
}
