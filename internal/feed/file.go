package feed

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// replaceFile writes data next to destPath and renames it into place. The
// validate hook, if any, sees the complete temporary file before the rename.
// It returns the xxhash of the written bytes.
func replaceFile(destPath string, data io.Reader, validate func(path string) error) (uint64, error) {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(destPath)+"-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	digest := xxhash.New()
	if _, err := io.Copy(io.MultiWriter(tmpFile, digest), data); err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}

	if validate != nil {
		if err := validate(tmpFile.Name()); err != nil {
			return 0, fmt.Errorf("validate: %w", err)
		}
	}

	if err := os.Chmod(tmpFile.Name(), 0o644); err != nil {
		return 0, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return 0, fmt.Errorf("replace file: %w", err)
	}
	return digest.Sum64(), nil
}

// fileFingerprint hashes the file at path; a missing file hashes to 0.
func fileFingerprint(path string) (uint64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	digest := xxhash.New()
	if _, err := io.Copy(digest, f); err != nil {
		return 0, err
	}
	return digest.Sum64(), nil
}
