// Package registry owns the in-memory set of scheduled services and the
// timers that fire their outbound calls.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/edgard/hookcron/internal/logger"
	"github.com/edgard/hookcron/internal/schedule"
)

// entry is the registry's private record for one service.
// token identifies the timer instance currently allowed to fire; it is
// uuid.Nil whenever the service is not armed.
type entry struct {
	svc   ScheduledService
	job   gocron.Job
	token uuid.UUID
}

// Registry maps service ids to scheduled services and drives their timers.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*entry

	scheduler  gocron.Scheduler
	dispatcher Dispatcher
	clock      clockwork.Clock
	logger     *slog.Logger

	// ctx is handed to every dispatch and cancelled on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for rule translation and by the timer subsystem.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// New creates a registry and starts its timer subsystem.
func New(dispatcher Dispatcher, log *slog.Logger, opts ...Option) (*Registry, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if log == nil {
		log = logger.Discard()
	}

	r := &Registry{
		services:   make(map[string]*entry),
		dispatcher: dispatcher,
		clock:      clockwork.NewRealClock(),
		logger:     log.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}

	s, err := gocron.NewScheduler(
		gocron.WithClock(r.clock),
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(logger.NewGocronLogger(log)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	r.scheduler = s
	r.ctx, r.cancel = context.WithCancel(context.Background())
	s.Start()

	return r, nil
}

// Register adds a service and arms its timer.
// It returns ErrConflict without touching the registry if the id is taken.
func (r *Registry) Register(def ServiceDefinition) (ScheduledService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[def.ID]; exists {
		r.logger.Warn("Rejected duplicate registration", "service_id", def.ID)
		return ScheduledService{}, fmt.Errorf("%w: %q", ErrConflict, def.ID)
	}

	payload, err := normalizePayload(def.Payload)
	if err != nil {
		return ScheduledService{}, fmt.Errorf("invalid service %q: %w", def.ID, err)
	}
	def.Payload = payload

	now := r.clock.Now()

	e := &entry{
		svc: ScheduledService{
			ServiceDefinition: def,
			Rule:              schedule.Translate(def.Interval, def.Recurring, now),
			RegisteredAt:      now,
		},
	}

	if err := r.arm(e, now); err != nil {
		r.logger.Error("Failed to arm timer", "service_id", def.ID, "rule", e.svc.Rule.String(), "error", err)
		return ScheduledService{}, fmt.Errorf("failed to schedule service %q: %w", def.ID, err)
	}

	r.services[def.ID] = e
	r.logger.Info("Registered service",
		"service_id", def.ID,
		"method", def.Method,
		"url", def.URL,
		"rule", e.svc.Rule.String())

	return e.snapshot(), nil
}

// Deregister stops the service's timer and removes it from the registry.
// It returns ErrNotFound if the id is not registered.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[id]
	if !ok {
		r.logger.Info("Deregister requested for unknown service", "service_id", id)
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	r.disarm(e)
	delete(r.services, id)

	r.logger.Info("Deregistered service", "service_id", id)
	return nil
}

// Stop pauses one service's timer. The service stays registered.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	r.disarm(e)
	e.svc.State = StateStopped

	r.logger.Info("Stopped service", "service_id", id)
	return nil
}

// Start re-arms a service that is stopped or has already fired.
// A one-shot whose instant has passed fires immediately. Starting an armed
// service is a no-op.
func (r *Registry) Start(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if e.svc.State == StateArmed {
		return nil
	}

	r.disarm(e)
	if err := r.arm(e, r.clock.Now()); err != nil {
		return fmt.Errorf("failed to restart service %q: %w", id, err)
	}

	r.logger.Info("Started service", "service_id", id, "rule", e.svc.Rule.String())
	return nil
}

// StopAll stops every timer without removing any service.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := slices.Collect(maps.Values(r.services))
	for _, e := range snapshot {
		r.disarm(e)
		e.svc.State = StateStopped
	}

	r.logger.Info("Stopped all services", "count", len(snapshot))
}

// Get returns a snapshot of one service.
func (r *Registry) Get(id string) (ScheduledService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.services[id]
	if !ok {
		return ScheduledService{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return e.snapshot(), nil
}

// List returns snapshots of all services ordered by registration time.
func (r *Registry) List() []ScheduledService {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ScheduledService, 0, len(r.services))
	for _, e := range r.services {
		out = append(out, e.snapshot())
	}

	slices.SortFunc(out, func(a, b ScheduledService) int {
		if c := a.RegisteredAt.Compare(b.RegisteredAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})

	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Shutdown stops the timer subsystem and cancels in-flight dispatches.
// Entries are left in place.
func (r *Registry) Shutdown() error {
	r.cancel()
	if err := r.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	r.logger.Info("Registry scheduler stopped")
	return nil
}

// arm creates a fresh timer for e. Caller holds r.mu.
func (r *Registry) arm(e *entry, now time.Time) error {
	jobDef, err := e.svc.Rule.JobDefinition(now)
	if err != nil {
		return err
	}

	id := e.svc.ID
	token := uuid.New()

	job, err := r.scheduler.NewJob(
		jobDef,
		gocron.NewTask(func() { r.invoke(id, token) }),
		gocron.WithName(id),
		gocron.WithTags(e.svc.Rule.Kind.String()),
	)
	if errors.Is(err, gocron.ErrOneTimeJobStartDateTimePast) {
		// The instant slipped into the past while arming.
		job, err = r.scheduler.NewJob(
			gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()),
			gocron.NewTask(func() { r.invoke(id, token) }),
			gocron.WithName(id),
			gocron.WithTags(e.svc.Rule.Kind.String()),
		)
	}
	if err != nil {
		return fmt.Errorf("failed to create timer: %w", err)
	}

	e.job = job
	e.token = token
	e.svc.TimerID = job.ID()
	e.svc.State = StateArmed
	return nil
}

// disarm removes e's timer from the scheduler. Caller holds r.mu.
// Once it returns no new dispatch starts for the old timer.
func (r *Registry) disarm(e *entry) {
	e.token = uuid.Nil
	if e.job == nil {
		return
	}

	if err := r.scheduler.RemoveJob(e.job.ID()); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		r.logger.Warn("Failed to remove timer", "service_id", e.svc.ID, "timer_id", e.job.ID(), "error", err)
	}
	e.job = nil
}

// invoke is the timer callback. It never panics and never returns an error:
// every failure is logged and contained here.
func (r *Registry) invoke(id string, token uuid.UUID) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Recovered from panic during invocation", "service_id", id, "panic", rec)
		}
	}()

	def, timerID, ok := r.beginInvocation(id, token)
	if !ok {
		return
	}

	startTime := r.clock.Now()
	err := r.dispatcher.Dispatch(r.ctx, def)
	duration := r.clock.Since(startTime)

	if err != nil {
		r.logger.Warn("Invocation failed", "service_id", id, "url", def.URL, "duration", duration, "error", err)
	} else {
		r.logger.Debug("Invocation completed", "service_id", id, "duration", duration)
	}

	// The entry may have been replaced or restarted while the call was in flight.
	r.mu.Lock()
	if e, exists := r.services[id]; exists && e.svc.TimerID == timerID {
		if err != nil {
			e.svc.LastError = err.Error()
		} else {
			e.svc.LastError = ""
		}
	}
	r.mu.Unlock()
}

// beginInvocation validates that token is still the live timer for id and
// returns the definition to dispatch with and the timer that fired.
func (r *Registry) beginInvocation(id string, token uuid.UUID) (ServiceDefinition, uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[id]
	if !ok {
		r.logger.Warn("Timer fired for unregistered service, ignoring", "service_id", id)
		return ServiceDefinition{}, uuid.Nil, false
	}
	if e.token != token || token == uuid.Nil {
		r.logger.Debug("Stale timer fired, ignoring", "service_id", id, "state", e.svc.State)
		return ServiceDefinition{}, uuid.Nil, false
	}

	now := r.clock.Now()
	e.svc.Runs++
	e.svc.LastRun = &now

	if e.svc.Rule.Kind == schedule.OneShot {
		e.token = uuid.Nil
		e.svc.State = StateInert
	}

	def := e.svc.ServiceDefinition
	def.Payload = copyPayload(def.Payload)
	return def, e.svc.TimerID, true
}

// snapshot copies the entry for callers outside the lock.
func (e *entry) snapshot() ScheduledService {
	svc := e.svc
	svc.Payload = copyPayload(svc.Payload)
	if svc.LastRun != nil {
		lastRun := *svc.LastRun
		svc.LastRun = &lastRun
	}
	svc.NextRun = nil

	if svc.State == StateArmed && e.job != nil {
		if next, err := e.job.NextRun(); err == nil && !next.IsZero() {
			svc.NextRun = &next
		}
	}
	return svc
}
