package health

import (
	"context"
	"database/sql"
	"time"
)

const pingTimeout = 2 * time.Second

// Service encapsulates health-related checks.
type Service struct {
	DB            *sql.DB
	EngineBaseURL string
}

// NewService constructs a new health service. db may be nil.
func NewService(db *sql.DB, engineBaseURL string) *Service {
	return &Service{DB: db, EngineBaseURL: engineBaseURL}
}

// Status reports the journal database state and the configured engine.
func (s *Service) Status(ctx context.Context) map[string]any {
	status := map[string]any{
		"ok":     true,
		"engine": s.EngineBaseURL,
	}
	if s.DB == nil {
		status["database"] = "disabled"
		return status
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.DB.PingContext(ctx); err != nil {
		status["ok"] = false
		status["database"] = "unreachable"
		return status
	}
	status["database"] = "ok"
	return status
}
