// Package db opens the Postgres pool behind the session journal and applies
// its migrations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	"biomarker-session/internal/shared/telemetry"
)

const defaultPingTimeout = 5 * time.Second

// Options controls the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

var openDB = sql.Open

// DefaultServerOptions sizes the pool for the status API. The journal has a
// single writer, so a handful of connections is enough.
func DefaultServerOptions() Options {
	return Options{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnMaxLifetime: time.Hour,
		PingTimeout:     defaultPingTimeout,
	}
}

// DefaultCLIOptions sizes the pool for one-shot biomarkerctl commands.
func DefaultCLIOptions() Options {
	opts := DefaultServerOptions()
	opts.MaxOpenConns = 1
	opts.MaxIdleConns = 1
	return opts
}

// OptionsFromEnv applies DB_* overrides on top of defaults. Unparsable
// values are logged and ignored.
func OptionsFromEnv(defaults Options) Options {
	opts := defaults
	envInt("DB_MAX_OPEN_CONNS", &opts.MaxOpenConns)
	envInt("DB_MAX_IDLE_CONNS", &opts.MaxIdleConns)
	envDuration("DB_CONN_MAX_LIFETIME", &opts.ConnMaxLifetime)
	envDuration("DB_CONN_MAX_IDLE_TIME", &opts.ConnMaxIdleTime)
	envDuration("DB_PING_TIMEOUT", &opts.PingTimeout)
	return opts
}

func (o Options) withDefaults() Options {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 4
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 2
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = time.Hour
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = defaultPingTimeout
	}
	return o
}

// Connect opens databaseURL with the pgx driver and pings it.
func Connect(ctx context.Context, databaseURL string, opts Options) (*sql.DB, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("DATABASE_URL is empty")
	}
	opts = opts.withDefaults()

	database, err := openDB("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	database.SetMaxOpenConns(opts.MaxOpenConns)
	database.SetMaxIdleConns(opts.MaxIdleConns)
	database.SetConnMaxLifetime(opts.ConnMaxLifetime)
	if opts.ConnMaxIdleTime > 0 {
		database.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	telemetry.Info("db.connected", map[string]any{
		"max_open": opts.MaxOpenConns,
		"max_idle": opts.MaxIdleConns,
	})
	return database, nil
}

func envInt(key string, dst *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		telemetry.Warn("db.env_invalid", map[string]any{"key": key, "error": err})
		return
	}
	*dst = v
}

func envDuration(key string, dst *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		telemetry.Warn("db.env_invalid", map[string]any{"key": key, "error": err})
		return
	}
	*dst = v
}
