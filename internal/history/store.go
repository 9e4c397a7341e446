package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edgard/hookcron/internal/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Invocation is one recorded outbound call.
type Invocation struct {
	ID         int64         `json:"id"`
	ServiceID  string        `json:"service_id"`
	Method     string        `json:"method"`
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Succeeded reports whether the call completed with a 2xx status.
func (i Invocation) Succeeded() bool {
	return i.Error == "" && i.StatusCode >= 200 && i.StatusCode < 300
}

// row is the database shape of an Invocation.
type row struct {
	ID         int64  `db:"id"`
	ServiceID  string `db:"service_id"`
	Method     string `db:"method"`
	URL        string `db:"url"`
	StatusCode int    `db:"status_code"`
	Error      string `db:"error"`
	StartedAt  int64  `db:"started_at"`
	DurationMS int64  `db:"duration_ms"`
}

func (r row) invocation() Invocation {
	return Invocation{
		ID:         r.ID,
		ServiceID:  r.ServiceID,
		Method:     r.Method,
		URL:        r.URL,
		StatusCode: r.StatusCode,
		Error:      r.Error,
		StartedAt:  msToTime(r.StartedAt),
		Duration:   time.Duration(r.DurationMS) * time.Millisecond,
	}
}

// msToTime converts a unix millisecond column back to UTC time.
func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Store defines the history operations.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// Record appends one invocation.
	Record(ctx context.Context, inv Invocation) error

	// List returns the most recent invocations, newest first.
	// An empty serviceID lists across all services.
	List(ctx context.Context, serviceID string, limit int) ([]Invocation, error)

	// Prune deletes invocations that started before the cutoff and returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// sqlxStore implements Store using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store backed by sqlx.
func NewStore(db *sqlx.DB, log *slog.Logger) Store {
	if log == nil {
		log = logger.Discard()
	}
	return &sqlxStore{
		db:     db,
		logger: log.With("component", "history"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) Record(ctx context.Context, inv Invocation) error {
	if inv.ServiceID == "" {
		return errors.New("invocation must have a service_id")
	}
	if inv.StartedAt.IsZero() {
		return errors.New("invocation must have a start time")
	}

	query := `
        INSERT INTO invocations (service_id, method, url, status_code, error, started_at, duration_ms)
        VALUES (:service_id, :method, :url, :status_code, :error, :started_at, :duration_ms);
    `
	r := row{
		ServiceID:  inv.ServiceID,
		Method:     inv.Method,
		URL:        inv.URL,
		StatusCode: inv.StatusCode,
		Error:      inv.Error,
		StartedAt:  inv.StartedAt.UnixMilli(),
		DurationMS: inv.Duration.Milliseconds(),
	}

	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		s.logger.ErrorContext(ctx, "Error recording invocation", "service_id", inv.ServiceID, "error", err)
		return fmt.Errorf("failed to record invocation for %q: %w", inv.ServiceID, err)
	}
	return nil
}

func (s *sqlxStore) List(ctx context.Context, serviceID string, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	} else if limit > maxListLimit {
		limit = maxListLimit
	}

	var rows []row
	var err error
	if serviceID == "" {
		err = s.db.SelectContext(ctx, &rows, `
            SELECT id, service_id, method, url, status_code, error, started_at, duration_ms
            FROM invocations
            ORDER BY started_at DESC, id DESC
            LIMIT ?;`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
            SELECT id, service_id, method, url, status_code, error, started_at, duration_ms
            FROM invocations
            WHERE service_id = ?
            ORDER BY started_at DESC, id DESC
            LIMIT ?;`, serviceID, limit)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing invocations", "service_id", serviceID, "error", err)
		return nil, fmt.Errorf("failed to list invocations: %w", err)
	}

	out := make([]Invocation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.invocation())
	}
	return out, nil
}

func (s *sqlxStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM invocations WHERE started_at < ?;`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune invocations: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not read affected rows after prune", "error", err)
		return 0, nil
	}

	s.logger.DebugContext(ctx, "Pruned invocation history", "removed", affected, "before", before)
	return affected, nil
}
