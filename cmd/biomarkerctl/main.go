package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"biomarker-session/internal/bootstrap"
	"biomarker-session/internal/session"
	"biomarker-session/internal/shared/config"
	"biomarker-session/internal/shared/server"
	"biomarker-session/internal/shared/storage/db"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var engineURL string

	root := &cobra.Command{
		Use:           "biomarkerctl",
		Short:         "Run and inspect biomarker analysis sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&engineURL, "engine", "", "analysis engine base URL (overrides ENGINE_BASE_URL)")

	root.AddCommand(newSubmitCmd(&engineURL))
	root.AddCommand(newServeCmd(&engineURL))
	root.AddCommand(newJournalCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

func loadConfig(engineURL string) config.Config {
	cfg := config.Load()
	if engineURL != "" {
		cfg.EngineBaseURL = engineURL
	}
	return cfg
}

func newSubmitCmd(engineURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <payload.yaml|payload.json>",
		Short: "Submit a payload and follow the session to a terminal phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := loadPayload(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap.Build(ctx, loadConfig(*engineURL), bootstrap.Options{SkipRouter: true})
			if err != nil {
				return err
			}
			defer app.Close()

			final, err := runSubmit(ctx, app.Coordinator, raw, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if final.Phase != session.PhaseComplete {
				if final.LastError != nil {
					return fmt.Errorf("session %s %s: %s (%s)", final.SessionID, final.Phase, final.LastError.Message, final.LastError.Code)
				}
				return fmt.Errorf("session %s %s", final.SessionID, final.Phase)
			}
			return nil
		},
	}
}

// loadPayload reads a YAML or JSON submission file.
func loadPayload(path string) (session.RawPayload, error) {
	var raw session.RawPayload
	data, err := os.ReadFile(path)
	if err != nil {
		return raw, fmt.Errorf("read payload: %w", err)
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return raw, fmt.Errorf("parse payload %s: %w", path, err)
	}
	return raw, nil
}

// runSubmit prints every snapshot as a JSON line and returns the terminal one.
// Cancelling ctx cancels the session.
func runSubmit(ctx context.Context, coord *session.Coordinator, raw session.RawPayload, out io.Writer) (session.Session, error) {
	terminal := make(chan session.Session, 1)
	enc := json.NewEncoder(out)
	unsubscribe := coord.Subscribe(func(s session.Session) {
		_ = enc.Encode(s)
		if s.Phase.Terminal() {
			select {
			case terminal <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	if _, err := coord.Submit(ctx, raw); err != nil {
		var verr *session.ValidationError
		if errors.As(err, &verr) {
			return session.Session{}, err
		}
		// Start failures also land in the store as a failed snapshot.
		if st := coord.State(); st.Phase.Terminal() {
			return st, nil
		}
		return session.Session{}, err
	}

	select {
	case s := <-terminal:
		return s, nil
	case <-ctx.Done():
		_ = coord.Cancel()
		return coord.State(), nil
	}
}

func newServeCmd(engineURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session status API",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := loadConfig(*engineURL)
			app, err := bootstrap.Build(ctx, cfg, bootstrap.Options{})
			if err != nil {
				return err
			}
			defer app.Close()

			srv := &http.Server{
				Addr:              server.Addr(cfg.Port),
				Handler:           app.Router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				log.Printf("Starting status API on %s (engine %s)", srv.Addr, cfg.EngineBaseURL)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newJournalCmd() *cobra.Command {
	journalCmd := &cobra.Command{Use: "journal", Short: "Session journal commands"}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent finished sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			opts := db.DefaultCLIOptions()
			app, err := bootstrap.Build(ctx, config.Load(), bootstrap.Options{DBOptions: &opts, SkipRouter: true})
			if err != nil {
				return err
			}
			defer app.Close()

			entries, err := app.JournalRepo.List(ctx, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no entries")
				return nil
			}
			for _, e := range entries {
				score := "-"
				if e.OverallScore != nil {
					score = fmt.Sprintf("%.1f", *e.OverallScore)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%-9s\tscore=%s\t%s\n",
					e.RecordedAt.Format(time.RFC3339), e.SessionID, e.Phase, score, e.ErrorCode)
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")

	journalCmd.AddCommand(list)
	return journalCmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply journal database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			ctx := context.Background()
			sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultCLIOptions()))
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer sqlDB.Close()

			if err := db.RunMigrations(ctx, sqlDB); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
