// Package main contains the entrypoint for the hookcron webhook scheduler.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"

	"github.com/edgard/hookcron/internal/app"
	"github.com/edgard/hookcron/internal/config"
	"github.com/edgard/hookcron/internal/history"
	"github.com/edgard/hookcron/internal/invoker"
	"github.com/edgard/hookcron/internal/logger"
	"github.com/edgard/hookcron/internal/maintenance"
	"github.com/edgard/hookcron/internal/registry"
	"github.com/edgard/hookcron/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components (config, logger, history, registry, server),
// blocks until shutdown, and returns the process exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	invOpts := []invoker.Option{
		invoker.WithTimeout(cfg.Invoker.Timeout),
		invoker.WithRateLimit(cfg.Invoker.RateLimit, cfg.Invoker.Burst),
	}

	var (
		db      *sqlx.DB
		store   history.Store
		reader  server.HistoryReader
		tasks   = map[string]maintenance.TaskFunc{}
		configs = map[string]maintenance.TaskConfig{}
	)
	if cfg.History.Enabled {
		db, err = history.NewDB(cfg.History.DBPath)
		if err != nil {
			log.Error("Failed to open history database", "path", cfg.History.DBPath, "error", err)
			return 1
		}
		defer history.CloseDB(db)

		store = history.NewStore(db, log)
		reader = store
		invOpts = append(invOpts, invoker.WithRecorder(store))

		tasks[maintenance.TaskHistoryPrune] = maintenance.NewHistoryPruneTask(log, store, cfg.History.Retention)
		configs[maintenance.TaskHistoryPrune] = maintenance.TaskConfig{
			Enabled:  cfg.History.Retention > 0,
			Schedule: cfg.History.PruneSchedule,
		}
	}

	reg, err := registry.New(invoker.New(log, invOpts...), log)
	if err != nil {
		log.Error("Failed to create registry", "error", err)
		return 1
	}

	maint, err := maintenance.NewScheduler(log, configs, tasks)
	if err != nil {
		log.Error("Failed to create maintenance scheduler", "error", err)
		return 1
	}

	srv := server.New(reg, reader, log, server.Options{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	runErr := app.New(log, reg, srv, maint).Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("hookcron stopped due to error", "error", runErr)
		return 1
	}

	return 0
}
