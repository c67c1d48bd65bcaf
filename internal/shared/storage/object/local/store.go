package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"biomarker-session/internal/shared/storage/object"
)

// Store implements object.Store using the local filesystem.
type Store struct {
	baseDir string
}

// New creates a new local object store rooted at baseDir.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// Put writes the reader to disk at key, replacing any existing object.
func (s *Store) Put(ctx context.Context, key, contentType string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	clean, err := object.CleanKey(key)
	if err != nil {
		return 0, err
	}

	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir: %w", err)
	}

	// Write to a temp file first so readers never observe a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".put-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	written, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("write body: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("close temp: %w", closeErr)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("rename: %w", err)
	}
	_ = contentType
	return written, nil
}

// Open opens a stored object for reading.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, err := object.CleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, filepath.FromSlash(clean)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", object.ErrNotFound, clean)
	}
	return f, err
}

var _ object.Store = (*Store)(nil)
