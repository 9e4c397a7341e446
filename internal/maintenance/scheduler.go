// Package maintenance runs housekeeping tasks on cron schedules.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/edgard/hookcron/internal/logger"
)

// TaskFunc is the signature of a maintenance task.
// The context is cancelled when the scheduler stops.
type TaskFunc func(ctx context.Context) error

// TaskConfig enables a task and sets its cron schedule (with seconds field).
type TaskConfig struct {
	Enabled  bool
	Schedule string
}

// Scheduler manages maintenance tasks using gocron.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	tasks     map[string]TaskFunc
	configs   map[string]TaskConfig
	mu        sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewScheduler creates a scheduler for the given tasks.
func NewScheduler(log *slog.Logger, configs map[string]TaskConfig, tasks map[string]TaskFunc) (*Scheduler, error) {
	if log == nil {
		log = logger.Discard()
	}

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(logger.NewGocronLogger(log)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		logger:    log.With("component", "maintenance"),
		tasks:     tasks,
		configs:   configs,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start schedules every enabled task and starts the scheduler.
// Tasks that are unknown or fail to schedule are skipped and logged.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("maintenance scheduler is already running")
	}

	scheduled := 0
	for name, cfg := range s.configs {
		if !cfg.Enabled {
			s.logger.Info("Skipping disabled task", "task_name", name)
			continue
		}

		task, exists := s.tasks[name]
		if !exists {
			s.logger.Warn("Task configured but not registered, skipping", "task_name", name)
			continue
		}

		if cfg.Schedule == "" {
			s.logger.Warn("Task enabled but has empty schedule, skipping", "task_name", name)
			continue
		}

		_, err := s.scheduler.NewJob(
			gocron.CronJob(cfg.Schedule, true),
			gocron.NewTask(s.run, name, task),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			s.logger.Error("Failed to schedule task", "task_name", name, "schedule", cfg.Schedule, "error", err)
			continue
		}

		s.logger.Info("Scheduled task", "task_name", name, "schedule", cfg.Schedule)
		scheduled++
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Maintenance scheduler started", "tasks_scheduled", scheduled)

	return nil
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	err := s.scheduler.Shutdown()
	if err != nil {
		s.logger.Error("Error during maintenance scheduler shutdown", "error", err)
	} else {
		s.logger.Info("Maintenance scheduler stopped.")
	}

	s.running = false
	return err
}

// JobCount returns the number of scheduled jobs.
func (s *Scheduler) JobCount() int {
	return len(s.scheduler.Jobs())
}

// run wraps a task with logging.
func (s *Scheduler) run(name string, task TaskFunc) {
	s.logger.Debug("Running maintenance task", "task_name", name)
	startTime := time.Now()

	if err := task(s.ctx); err != nil {
		s.logger.Error("Maintenance task failed", "task_name", name, "error", err)
		return
	}

	s.logger.Debug("Finished maintenance task", "task_name", name, "duration", time.Since(startTime))
}
