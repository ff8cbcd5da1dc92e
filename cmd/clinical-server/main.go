package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ortho/clinical/internal/config"
	"github.com/ortho/clinical/internal/domain/session"
	"github.com/ortho/clinical/internal/intelligence"
	"github.com/ortho/clinical/internal/platform/db"
	"github.com/ortho/clinical/internal/platform/kv"
	"github.com/ortho/clinical/internal/platform/middleware"
	"github.com/ortho/clinical/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinical-server",
		Short: "Orthopaedic assessment and clinician review API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(queueCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres session store",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", migrator.Schema())
			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migration status for schema: %s\n", migrator.Schema())
			printStatuses(cmd.OutOrStdout(), statuses)
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", db.DefaultSchema, "Target schema for migrations (defaults to DB_SCHEMA)")
		c.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
		cmd.AddCommand(c)
	}
	return cmd
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, func(), error) {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required to run migrations")
	}

	if !cmd.Flags().Changed("schema") {
		schema = cfg.DBSchema
	}

	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrationFiles(dir), schema), pool.Close, nil
}

// migrationFiles returns the embedded migrations unless dir is set.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List sessions awaiting clinician review, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			after, _ := cmd.Flags().GetString("after")

			cursor, err := session.ParseCursor(after)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.Env, os.Stderr)
			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.close()

			gate := session.NewReviewGate(st.sessions, logger)
			gate.SetPageSize(cfg.ReviewPageSize)
			return printQueue(cmd.Context(), cmd.OutOrStdout(), gate.ListPending(cursor), limit)
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum sessions to list (0 for all)")
	cmd.Flags().String("after", "", "Resume after this cursor")
	return cmd
}

func printQueue(ctx context.Context, w io.Writer, it *session.PendingIterator, limit int) error {
	fmt.Fprintf(w, "%-36s %-20s %-10s %s\n", "SESSION", "PENDING SINCE", "CANDIDATE", "CONDITION")
	n := 0
	for (limit <= 0 || n < limit) && it.Next(ctx) {
		v := it.Session()
		since := ""
		if v.PendingSince != nil {
			since = v.PendingSince.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%-36s %-20s %-10s %s\n", v.SessionID, since, v.CandidateCode, v.ConditionName)
		n++
	}
	if err := it.Err(); err != nil {
		return err
	}
	if n > 0 {
		fmt.Fprintf(w, "next cursor: %s\n", it.Cursor())
	}
	return nil
}

func newLogger(env string, w io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// store is the session repository selected by STORE_BACKEND together with
// what the health check pings and how to release it.
type store struct {
	backend  string
	sessions session.SessionRepository
	health   db.Pinger
	close    func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Schema:   cfg.DBSchema,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &store{
			backend:  config.StorePostgres,
			sessions: session.NewSessionRepoPG(pool),
			health:   pool,
			close:    pool.Close,
		}, nil
	case config.StoreRedis:
		client, err := kv.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to redis")
		return &store{
			backend:  config.StoreRedis,
			sessions: session.NewSessionRepoRedis(client),
			health:   kv.Pinger{Client: client},
			close:    func() { client.Close() },
		}, nil
	case config.StoreMemory:
		return newMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func newMemoryStore() *store {
	return &store{
		backend:  config.StoreMemory,
		sessions: session.NewSessionRepoMemory(),
		health:   db.PingFunc(func(context.Context) error { return nil }),
		close:    func() {},
	}
}

// newEngine returns the remote engine when ENGINE_URL is set, otherwise the
// built-in scripted flow.
func newEngine(cfg *config.Config) session.Engine {
	if cfg.UsesRemoteEngine() {
		return intelligence.NewHTTPEngine(cfg.EngineURL, cfg.EngineVersion, &http.Client{Timeout: cfg.EngineTimeout})
	}
	return intelligence.NewScripted(cfg.EngineVersion)
}

func newServer(cfg *config.Config, logger zerolog.Logger, st *store, engine session.Engine) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware. Recovery sits inside RequestTimeout because the
	// handler chain runs on the timeout goroutine.
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, session.ClinicianHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.Audit(logger, session.ClinicianHeader))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	rateLimitCfg.KeyHeader = session.ClinicianHeader
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	svc := session.NewService(st.sessions, engine, logger)
	if cfg.EngineTimeout > 0 {
		svc.SetEngineTimeout(cfg.EngineTimeout)
	}
	gate := session.NewReviewGate(st.sessions, logger)
	gate.SetPageSize(cfg.ReviewPageSize)
	session.NewHandler(svc, gate).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":         "ok",
			"version":        version,
			"engine_version": cfg.EngineVersion,
		})
	})
	e.GET("/health/db", db.HealthHandler(st.backend, st.health))

	return e
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open session store")
	}
	defer st.close()

	e := newServer(cfg, logger, st, newEngine(cfg))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("store", st.backend).
			Bool("remote_engine", cfg.UsesRemoteEngine()).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
