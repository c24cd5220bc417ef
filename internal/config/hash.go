package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrDigestMismatch reports that a config file no longer matches a recorded
// digest.
var ErrDigestMismatch = errors.New("config digest mismatch")

// Digest returns the hex BLAKE3-256 digest of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyDigest compares the file against expected, which may carry a
// "blake3:" prefix and any letter case.
func VerifyDigest(path, expected string) error {
	want := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(expected), "blake3:"))
	got, err := Digest(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrDigestMismatch, path, got, want)
	}
	return nil
}
