package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/edgard/hookcron/internal/schedule"
)

var (
	// ErrConflict is returned by Register when the id is already registered.
	ErrConflict = errors.New("service already registered")
	// ErrNotFound is returned when an operation names an id that is not registered.
	ErrNotFound = errors.New("service not found")
)

// Supported outbound methods.
const (
	MethodPost   = "POST"
	MethodGet    = "GET"
	MethodDelete = "DELETE"
	MethodPut    = "PUT"
)

// ServiceDefinition is the caller-supplied description of a scheduled call.
// It is immutable once accepted by the registry.
type ServiceDefinition struct {
	ID        string         `json:"id"`
	URL       string         `json:"url"`
	Payload   map[string]any `json:"payload,omitempty"`
	Method    string         `json:"method"`
	Interval  int64          `json:"interval"` // milliseconds
	Recurring bool           `json:"recurring"`
}

// State is the lifecycle state of a scheduled service's timer.
type State string

const (
	// StateArmed means the timer is running.
	StateArmed State = "armed"
	// StateInert means a one-shot service has fired and will not fire again.
	StateInert State = "inert"
	// StateStopped means the timer was stopped explicitly.
	StateStopped State = "stopped"
)

// ScheduledService is a snapshot of a registered service and its timer.
type ScheduledService struct {
	ServiceDefinition

	Rule         schedule.Rule `json:"rule"`
	State        State         `json:"state"`
	TimerID      uuid.UUID     `json:"timer_id"`
	RegisteredAt time.Time     `json:"registered_at"`
	NextRun      *time.Time    `json:"next_run,omitempty"`
	LastRun      *time.Time    `json:"last_run,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int64         `json:"runs"`
}

// Dispatcher performs the outbound call for one firing.
type Dispatcher interface {
	Dispatch(ctx context.Context, def ServiceDefinition) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, def ServiceDefinition) error

// Dispatch calls f(ctx, def).
func (f DispatcherFunc) Dispatch(ctx context.Context, def ServiceDefinition) error {
	return f(ctx, def)
}
