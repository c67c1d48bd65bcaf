package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	"biomarker-session/internal/shared/telemetry"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations brings the session journal schema up to date. A nil
// database is a no-op.
func RunMigrations(ctx context.Context, database *sql.DB) error {
	if database == nil {
		return nil
	}
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	started := time.Now()
	if err := goose.UpContext(ctx, database, migrationsDir); err != nil {
		return fmt.Errorf("apply journal migrations: %w", err)
	}
	telemetry.Info("db.migrated", map[string]any{
		"dir":         migrationsDir,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return nil
}
