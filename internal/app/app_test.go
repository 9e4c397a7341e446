package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/edgard/hookcron/internal/app"
	"github.com/edgard/hookcron/internal/logger"
	"github.com/edgard/hookcron/internal/maintenance"
	"github.com/edgard/hookcron/internal/registry"
	"github.com/edgard/hookcron/internal/server"
)

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	log := logger.Discard()
	reg, err := registry.New(registry.DispatcherFunc(func(context.Context, registry.ServiceDefinition) error {
		return nil
	}), log)
	if err != nil {
		t.Fatalf("registry.New() error: %v", err)
	}
	if _, err := reg.Register(registry.ServiceDefinition{
		ID: "a", URL: "http://example.invalid", Method: registry.MethodPost, Interval: 60000, Recurring: true,
	}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	maint, err := maintenance.NewScheduler(log, nil, nil)
	if err != nil {
		t.Fatalf("NewScheduler() error: %v", err)
	}

	srv := server.New(reg, nil, log, server.Options{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.New(log, reg, srv, maint).Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRunFailsOnBadAddress(t *testing.T) {
	t.Parallel()

	log := logger.Discard()
	reg, err := registry.New(registry.DispatcherFunc(func(context.Context, registry.ServiceDefinition) error {
		return nil
	}), log)
	if err != nil {
		t.Fatalf("registry.New() error: %v", err)
	}

	srv := server.New(reg, nil, log, server.Options{Addr: "256.0.0.1:99999"})

	select {
	case err := <-runAsync(app.New(log, reg, srv, nil)):
		if err == nil {
			t.Error("Run() should fail when the listener cannot bind")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return on listener failure")
	}
}

func runAsync(a *app.App) <-chan error {
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	return done
}
