package logger

import (
	"errors"
	"log/slog"

	"github.com/go-co-op/gocron/v2"
)

// gocronLogger implements gocron.Logger on top of slog.
type gocronLogger struct {
	log *slog.Logger
}

// NewGocronLogger returns a gocron.Logger that writes through the given slog logger.
//
//nolint:ireturn // Interface return is required by gocron's API contract
func NewGocronLogger(log *slog.Logger) gocron.Logger {
	if log == nil {
		log = Discard()
	}
	return &gocronLogger{log: log.With("component", "gocron")}
}

func (l *gocronLogger) Debug(msg string, args ...any) {
	l.log.Debug(msg, processSchedulerArgs(args...)...)
}

func (l *gocronLogger) Error(msg string, args ...any) {
	l.log.Error(msg, processSchedulerArgs(args...)...)
}

func (l *gocronLogger) Info(msg string, args ...any) {
	l.log.Info(msg, processSchedulerArgs(args...)...)
}

func (l *gocronLogger) Warn(msg string, args ...any) {
	l.log.Warn(msg, processSchedulerArgs(args...)...)
}

// processSchedulerArgs tags well-known scheduler errors so they can be told
// apart from genuine failures in the logs.
func processSchedulerArgs(args ...any) []any {
	processedArgs := make([]any, 0, len(args)+1)

	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			processedArgs = append(processedArgs, "extra", args[i])
			break
		}

		key, val := args[i], args[i+1]
		processedArgs = append(processedArgs, key, val)

		err, ok := val.(error)
		if !ok {
			continue
		}

		switch {
		case errors.Is(err, gocron.ErrJobNotFound):
			processedArgs = append(processedArgs, "error_kind", "job_not_found")
		case errors.Is(err, gocron.ErrStopSchedulerTimedOut):
			processedArgs = append(processedArgs, "error_kind", "shutdown_timeout")
		}
	}

	return processedArgs
}
