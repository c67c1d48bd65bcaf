package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"biomarker-session/internal/engine"
	"biomarker-session/internal/journal"
	"biomarker-session/internal/services/health"
	"biomarker-session/internal/session"
	"biomarker-session/internal/shared/config"
	"biomarker-session/internal/shared/server"
	"biomarker-session/internal/shared/storage/db"
	"biomarker-session/internal/shared/storage/object"
	localstore "biomarker-session/internal/shared/storage/object/local"
	s3store "biomarker-session/internal/shared/storage/object/s3"
)

// App holds shared dependencies.
type App struct {
	Config      config.Config
	Router      *gin.Engine
	DB          *sql.DB
	Store       object.Store
	Engine      *engine.Client
	Coordinator *session.Coordinator
	JournalRepo journal.Repo
	Archive     *journal.Archive
	Recorder    *journal.Recorder

	unobserve func()
}

// Options adjusts Build for non-server callers.
type Options struct {
	// DBOptions overrides the pool defaults.
	DBOptions *db.Options
	// SkipRouter leaves Router nil.
	SkipRouter bool
}

// Build prepares and wires all dependencies.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}

	sqlDB, err := buildDB(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		closeDB(sqlDB)
		return nil, err
	}

	client, err := engine.New(cfg.EngineBaseURL,
		engine.WithTimeout(cfg.EngineTimeout),
		engine.WithReconnectDelay(cfg.StreamReconnectDelay),
	)
	if err != nil {
		closeDB(sqlDB)
		return nil, fmt.Errorf("engine client: %w", err)
	}

	app := &App{
		Config: cfg,
		DB:     sqlDB,
		Store:  store,
		Engine: client,
	}
	if sqlDB != nil {
		app.JournalRepo = &journal.PGRepo{DB: sqlDB}
	} else {
		app.JournalRepo = journal.NewMemoryRepo()
	}
	if store != nil {
		app.Archive = &journal.Archive{Store: store}
	}

	app.Coordinator = session.NewCoordinator(client, session.Options{
		StartTimeout: cfg.StartTimeout,
		RetryDelay:   cfg.StreamReconnectDelay,
	})
	app.Recorder = journal.NewRecorder(app.JournalRepo, app.Archive)
	app.unobserve = app.Coordinator.Subscribe(app.Recorder.Observe)

	if !opts.SkipRouter {
		app.Router = server.NewRouter(server.RouterDeps{
			Config:         cfg,
			Health:         health.NewService(sqlDB, cfg.EngineBaseURL),
			SessionHandler: session.NewHandler(app.Coordinator),
			JournalHandler: journal.NewHandler(app.JournalRepo, app.Archive),
		})
	}

	return app, nil
}

// Close cancels the active session, flushes the journal and releases the database.
func (a *App) Close() {
	a.Coordinator.Close()
	a.unobserve()
	a.Recorder.Close()
	closeDB(a.DB)
}

func buildDB(ctx context.Context, cfg config.Config, opts Options) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Printf("bootstrap: DATABASE_URL empty; using in-memory journal")
		return nil, nil
	}

	poolOpts := db.OptionsFromEnv(db.DefaultServerOptions())
	if opts.DBOptions != nil {
		poolOpts = *opts.DBOptions
	}
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, poolOpts)
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory journal: %v", err)
			return nil, nil
		}
		return nil, err
	}
	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: migrations failed; using in-memory journal: %v", err)
			return nil, nil
		}
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.Store, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	case "local":
		return localstore.New(cfg.LocalStoreDir), nil
	default:
		return nil, nil
	}
}

func closeDB(sqlDB *sql.DB) {
	if sqlDB != nil {
		_ = sqlDB.Close()
	}
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
