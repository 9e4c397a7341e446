// Package server exposes the registry over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/edgard/hookcron/internal/history"
	"github.com/edgard/hookcron/internal/logger"
	"github.com/edgard/hookcron/internal/registry"
)

// Registry is the set of registry operations the HTTP layer calls.
type Registry interface {
	Register(def registry.ServiceDefinition) (registry.ScheduledService, error)
	Deregister(id string) error
	Stop(id string) error
	Start(id string) error
	StopAll()
	List() []registry.ScheduledService
}

// HistoryReader is the read side of the invocation history.
type HistoryReader interface {
	Ping(ctx context.Context) error
	List(ctx context.Context, serviceID string, limit int) ([]history.Invocation, error)
}

// Options holds HTTP listener settings.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP front end of the registry.
type Server struct {
	registry Registry
	history  HistoryReader
	validate *validator.Validate
	logger   *slog.Logger
	opts     Options
}

// New creates a Server. hist may be nil when history is disabled.
func New(reg Registry, hist HistoryReader, log *slog.Logger, opts Options) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		registry: reg,
		history:  hist,
		validate: newValidator(),
		logger:   log.With("component", "http"),
		opts:     opts,
	}
}

// Handler returns the routed HTTP handler wrapped in access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("DELETE /deregister", s.handleDeregister)
	mux.HandleFunc("POST /stop-all", s.handleStopAll)
	mux.HandleFunc("POST /services/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /services/{id}/start", s.handleStart)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /history", s.handleHistory)

	return logger.Middleware(s.logger)(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server stopped: %w", err)
	case <-ctx.Done():
	}

	timeout := s.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	s.logger.Info("HTTP server stopped.")
	return nil
}
