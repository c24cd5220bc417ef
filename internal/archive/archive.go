// Package archive packages a session's output directory for download.
package archive

import (
	"archive/zip"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Summary describes a written archive.
type Summary struct {
	Path   string
	Files  int
	Bytes  int64
	Digest string
}

// Zip writes every regular file under srcDir into a zip at dst, with entry
// names relative to srcDir. The archive is written to a temporary file and
// renamed into place, so dst either does not exist or is complete.
func Zip(srcDir, dst string) (Summary, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return Summary{}, fmt.Errorf("stat output directory: %w", err)
	}
	if !info.IsDir() {
		return Summary{}, fmt.Errorf("output path %q is not a directory", srcDir)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*.zip")
	if err != nil {
		return Summary{}, fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	hasher := blake3.New()
	zw := zip.NewWriter(io.MultiWriter(tmp, hasher))
	summary := Summary{Path: dst}

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		n, err := addFile(zw, path, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		summary.Files++
		summary.Bytes += n
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("archive %q: %w", srcDir, err)
	}

	if err := zw.Close(); err != nil {
		return Summary{}, fmt.Errorf("finish archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return Summary{}, fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Summary{}, fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return Summary{}, fmt.Errorf("move archive into place: %w", err)
	}
	committed = true

	summary.Digest = hex.EncodeToString(hasher.Sum(nil))
	return summary, nil
}

func addFile(zw *zip.Writer, path, name string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", name, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return 0, fmt.Errorf("zip header for %q: %w", name, err)
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return 0, fmt.Errorf("add %q: %w", name, err)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("write %q: %w", name, err)
	}
	return n, nil
}

// Digest returns the BLAKE3 hex digest of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash archive: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
