package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"biomarker-session/internal/engine"
	"biomarker-session/internal/shared/storage/object"
)

const resultContentType = "application/json"

// Archive stores completed results in an object store.
type Archive struct {
	Store object.Store
}

// ResultKey is the object key for a session's result.
func ResultKey(sessionID string) string {
	return "results/" + sessionID + ".json"
}

// Save writes res and returns its key.
func (a *Archive) Save(ctx context.Context, sessionID string, res *engine.Result) (string, error) {
	if res == nil {
		return "", errors.New("archive: nil result")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("archive: encode result: %w", err)
	}
	key := ResultKey(sessionID)
	if _, err := a.Store.Put(ctx, key, resultContentType, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return key, nil
}

// Load reads the result stored under key.
func (a *Archive) Load(ctx context.Context, key string) (*engine.Result, error) {
	rc, err := a.Store.Open(ctx, key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, object.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archive: open %s: %w", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	var res engine.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", key, err)
	}
	return &res, nil
}
