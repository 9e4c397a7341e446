// Package invoker performs the outbound HTTP call for a scheduled service.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/edgard/hookcron/internal/history"
	"github.com/edgard/hookcron/internal/logger"
	"github.com/edgard/hookcron/internal/registry"
)

// maxDrainBytes bounds how much of a response body is read before closing.
const maxDrainBytes = 64 << 10

// StatusError reports a completed call that returned a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "unexpected response status: " + e.Status
}

// Recorder stores invocation outcomes.
type Recorder interface {
	Record(ctx context.Context, inv history.Invocation) error
}

// Invoker issues outbound calls. It is safe for concurrent use.
type Invoker struct {
	client   *http.Client
	timeout  time.Duration
	limiter  *rate.Limiter
	recorder Recorder
	logger   *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithClient replaces the default HTTP client.
func WithClient(client *http.Client) Option {
	return func(i *Invoker) {
		if client != nil {
			i.client = client
		}
	}
}

// WithTimeout bounds each call. Zero disables the timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(i *Invoker) {
		i.timeout = timeout
	}
}

// WithRateLimit caps outbound calls per second across all services.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(i *Invoker) {
		if perSecond <= 0 {
			i.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		i.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRecorder records every attempt.
func WithRecorder(rec Recorder) Option {
	return func(i *Invoker) {
		i.recorder = rec
	}
}

// New creates an Invoker.
func New(log *slog.Logger, opts ...Option) *Invoker {
	if log == nil {
		log = logger.Discard()
	}
	i := &Invoker{
		client: &http.Client{},
		logger: log.With("component", "invoker"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Dispatch sends def.Method to def.URL with the JSON-encoded payload as body.
// Network errors and non-2xx responses are returned; nothing is retried.
func (i *Invoker) Dispatch(ctx context.Context, def registry.ServiceDefinition) error {
	inv := history.Invocation{
		ServiceID: def.ID,
		Method:    def.Method,
		URL:       def.URL,
		StartedAt: time.Now().UTC(),
	}

	statusCode, err := i.call(ctx, def)
	inv.StatusCode = statusCode
	inv.Duration = time.Since(inv.StartedAt)
	if err != nil {
		inv.Error = err.Error()
	}

	i.record(inv)
	return err
}

func (i *Invoker) call(ctx context.Context, def registry.ServiceDefinition) (int, error) {
	if i.limiter != nil {
		if err := i.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("rate limiter: %w", err)
		}
	}

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	var body io.Reader
	if def.Payload != nil {
		encoded, err := json.Marshal(def.Payload)
		if err != nil {
			return 0, fmt.Errorf("failed to encode payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, def.Method, def.URL, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes)); err != nil {
		i.logger.Debug("Failed to drain response body", "service_id", def.ID, "error", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	i.logger.Debug("Outbound call succeeded", "service_id", def.ID, "status", resp.StatusCode)
	return resp.StatusCode, nil
}

// record stores inv without letting history failures affect the call outcome.
// It uses its own context so cancelled dispatches are still recorded.
func (i *Invoker) record(inv history.Invocation) {
	if i.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := i.recorder.Record(ctx, inv); err != nil {
		i.logger.Warn("Failed to record invocation", "service_id", inv.ServiceID, "error", err)
	}
}
