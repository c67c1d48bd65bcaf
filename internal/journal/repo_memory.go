package journal

import (
	"context"
	"sync"
)

// MemoryRepo stores entries in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

// Append stores the entry.
func (r *MemoryRepo) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

// List returns up to limit entries, newest first.
func (r *MemoryRepo) List(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = NormalizeLimit(limit)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, min(limit, len(r.entries)))
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.entries[i])
	}
	return out, nil
}

func (r *MemoryRepo) LatestForSession(ctx context.Context, sessionID string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].SessionID == sessionID {
			return r.entries[i], nil
		}
	}
	return Entry{}, ErrNotFound
}
