// Package app wires the registry, HTTP server and maintenance tasks together
// and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/edgard/hookcron/internal/maintenance"
	"github.com/edgard/hookcron/internal/registry"
	"github.com/edgard/hookcron/internal/server"
)

// App represents the running service and owns its components' lifecycle.
type App struct {
	logger      *slog.Logger
	registry    *registry.Registry
	server      *server.Server
	maintenance *maintenance.Scheduler
}

// New creates an App from already constructed components.
// maint may be nil when no maintenance tasks are configured.
func New(
	logger *slog.Logger,
	reg *registry.Registry,
	srv *server.Server,
	maint *maintenance.Scheduler,
) *App {
	return &App{
		logger:      logger.With("component", "orchestrator"),
		registry:    reg,
		server:      srv,
		maintenance: maint,
	}
}

// Run serves HTTP and runs background tasks until ctx is cancelled or a
// component fails. On return every timer has been shut down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting hookcron...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.ListenAndServe(gCtx); err != nil {
			a.logger.Error("HTTP server failed", "error", err)
			return err
		}
		if gCtx.Err() == nil {
			return errors.New("http server stopped unexpectedly")
		}
		return nil
	})

	if a.maintenance != nil {
		g.Go(func() error {
			if err := a.maintenance.Start(); err != nil {
				return fmt.Errorf("failed to start maintenance scheduler: %w", err)
			}

			<-gCtx.Done()
			a.logger.Info("Shutdown signal received, stopping maintenance scheduler...")
			if err := a.maintenance.Stop(); err != nil {
				a.logger.Error("Error stopping maintenance scheduler", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("Stopping registry timers...", "services", a.registry.Len())
		if err := a.registry.Shutdown(); err != nil {
			a.logger.Error("Error stopping registry", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("hookcron stopped due to error", "error", err)
		return err
	}

	a.logger.Info("hookcron stopped gracefully.")
	return nil
}
