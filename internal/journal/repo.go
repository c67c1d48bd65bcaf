package journal

import "context"

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Repo defines persistence operations for journal entries.
type Repo interface {
	Append(ctx context.Context, entry Entry) error
	// List returns the most recent entries first.
	List(ctx context.Context, limit int) ([]Entry, error)
	// LatestForSession returns the newest entry for sessionID.
	LatestForSession(ctx context.Context, sessionID string) (Entry, error)
}

// NormalizeLimit clamps a caller-supplied page size.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
