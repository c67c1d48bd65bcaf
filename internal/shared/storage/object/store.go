package object

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var (
	// ErrInvalidKey is returned for keys that escape the store root.
	ErrInvalidKey = errors.New("invalid storage key")
	// ErrNotFound is returned by Open when no object exists under the key.
	ErrNotFound = errors.New("object not found")
)

// Store saves and retrieves objects under caller-chosen keys.
type Store interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (sizeBytes int64, err error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// CleanKey normalizes a slash-separated key and rejects absolute or parent-relative keys.
func CleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || strings.HasPrefix(trimmed, "/") {
		return "", ErrInvalidKey
	}
	clean := path.Clean(trimmed)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidKey
	}
	return clean, nil
}
