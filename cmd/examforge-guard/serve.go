package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/examforge/guard/internal/config"
	"github.com/examforge/guard/internal/database"
	"github.com/examforge/guard/internal/logger"
	"github.com/examforge/guard/internal/server"
	"github.com/examforge/guard/limiter"
	"github.com/examforge/guard/metrics"
	"github.com/examforge/guard/quiz"
	"github.com/examforge/guard/store"
	"github.com/examforge/guard/verifier"
	"github.com/examforge/guard/worker"
)

var autoMigrate bool

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long:  `Start the password guard HTTP server with the configured store backend.`,
		RunE:  runServe,
	}

	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "Create or update tables on startup")

	return cmd
}

// bootstrap loads configuration, installs the process logger and opens the database.
func bootstrap() (*config.Config, *slog.Logger, *gorm.DB, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(log)

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		_ = closeLog()
		return nil, nil, nil, nil, err
	}

	cleanup := func() {
		if err := database.Close(db); err != nil {
			log.Error("failed to close database", "error", err)
		}
		_ = closeLog()
	}
	return cfg, log, db, cleanup, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, db, cleanup, err := bootstrap()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if autoMigrate {
		if err := migrateAll(ctx, db, log); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	st, err := openStore(ctx, cfg, db)
	if err != nil {
		log.Error("failed to open rate limit store", "backend", cfg.Store.Backend, "error", err)
		return err
	}
	defer st.Close()

	lim := limiter.New(st,
		limiter.WithLogger(log),
		limiter.WithMetrics(m),
		limiter.WithFailOpen(cfg.Store.FailOpen),
	)
	v := verifier.New(quiz.NewGormRepository(db), lim, cfg.Guard.Policy(),
		verifier.WithLogger(log),
		verifier.WithMetrics(m),
	)

	if len(cfg.Admin.APIKeys) == 0 {
		log.Warn("no admin api keys configured, admin routes will reject every request")
	}

	deps := server.Deps{
		Config:   cfg,
		Verifier: v,
		Limiter:  lim,
		Gatherer: reg,
	}
	if p, ok := st.(store.Pinger); ok {
		deps.Pinger = p
	}
	router := server.NewRouter(deps)

	opts := []server.Option{server.WithLogger(log)}
	if sw, ok := st.(store.Sweeper); ok {
		sweeper := worker.New(sw,
			worker.WithLogger(log),
			worker.WithMetrics(m),
			worker.WithInterval(cfg.Store.SweepInterval()),
		)
		opts = append(opts, server.WithWorker(sweeper.Start))
	}

	log.Info("starting password guard",
		"store", cfg.Store.Backend,
		"fail_open", cfg.Store.FailOpen,
		"limit", cfg.Guard.Limit,
		"window_seconds", cfg.Guard.WindowSeconds,
	)

	if err := server.New(cfg.Server, router, opts...).Run(ctx); err != nil {
		log.Error("server stopped with error", "error", err)
		return err
	}

	log.Info("server exited gracefully")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, db *gorm.DB) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		return store.NewRedis(store.RedisConfig{
			URL:      cfg.Redis.GetAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			PoolSize: cfg.Redis.PoolSize,
		})
	case config.BackendDatabase:
		st := store.NewGorm(db)
		if autoMigrate {
			if err := st.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return st, nil
	default:
		return store.NewMemory(), nil
	}
}
