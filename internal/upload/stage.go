// Package upload reconstitutes a browser directory upload into a tree on disk.
//
// Staging must finish before the originating request returns: multipart file
// handles are only valid for the lifetime of that request.
package upload

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
)

// ErrInputMismatch is returned when the number of files and relative paths differ.
var ErrInputMismatch = errors.New("file count does not match relative path count")

const copyChunk = 1 << 20

// Source is one uploaded file.
type Source struct {
	// Filename is the caller-declared name, used when no relative path is given.
	Filename string
	Open     func() (io.ReadCloser, error)
}

// Report summarizes a staging run.
type Report struct {
	Written []string // relative paths written, in input order
	Skipped []int    // input indexes skipped for an empty or unusable name
	Bytes   int64
}

// FromMultipart adapts multipart file headers.
func FromMultipart(headers []*multipart.FileHeader) []Source {
	out := make([]Source, 0, len(headers))
	for _, h := range headers {
		out = append(out, Source{
			Filename: h.Filename,
			Open: func() (io.ReadCloser, error) {
				return h.Open()
			},
		})
	}
	return out
}

// Stage writes sources[i] to dest/relPaths[i], creating directories as needed.
// Entries whose name is empty, or which would land outside dest, are skipped.
// No size cap is enforced here.
func Stage(dest string, sources []Source, relPaths []string) (Report, error) {
	var report Report
	if len(sources) != len(relPaths) {
		return report, fmt.Errorf("%w: %d files, %d paths", ErrInputMismatch, len(sources), len(relPaths))
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return report, fmt.Errorf("create staging root: %w", err)
	}

	for i, src := range sources {
		rel, ok := cleanRelPath(relPaths[i], src.Filename)
		if !ok {
			report.Skipped = append(report.Skipped, i)
			continue
		}

		n, err := writeOne(filepath.Join(dest, rel), src)
		if err != nil {
			return report, fmt.Errorf("stage %q: %w", filepath.ToSlash(rel), err)
		}
		report.Written = append(report.Written, filepath.ToSlash(rel))
		report.Bytes += n
	}
	return report, nil
}

// cleanRelPath picks the relative path (or the fallback name), strips leading
// separators, and rejects anything that escapes the staging root.
func cleanRelPath(relPath, fallback string) (string, bool) {
	p := relPath
	if strings.TrimSpace(p) == "" {
		p = fallback
	}
	p = strings.TrimLeft(strings.ReplaceAll(p, `\`, "/"), "/")
	if strings.TrimSpace(p) == "" {
		return "", false
	}

	cleaned := filepath.Clean(filepath.FromSlash(p))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", false
	}
	return cleaned, true
}

func writeOne(target string, src Source) (int64, error) {
	if src.Open == nil {
		return 0, fmt.Errorf("no content")
	}
	r, err := src.Open()
	if err != nil {
		return 0, fmt.Errorf("open upload: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create parent directory: %w", err)
	}
	out, err := os.Create(target)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	n, err := io.CopyBuffer(out, r, make([]byte, copyChunk))
	if err != nil {
		_ = out.Close()
		return n, fmt.Errorf("write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close file: %w", err)
	}
	return n, nil
}
