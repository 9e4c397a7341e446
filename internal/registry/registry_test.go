package registry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/edgard/hookcron/internal/registry"
)

// recorder is a Dispatcher that counts firings per service.
type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
	panic bool
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string]int)}
}

func (r *recorder) Dispatch(_ context.Context, def registry.ServiceDefinition) error {
	r.mu.Lock()
	r.calls[def.ID]++
	err, shouldPanic := r.err, r.panic
	r.mu.Unlock()

	if shouldPanic {
		panic("dispatcher exploded")
	}
	return err
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

// waitFor polls cond until it holds or the timeout expires. Firings run on
// gocron goroutines, so even on a fake clock they land asynchronously.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// settle gives already-triggered firings a moment to land before asserting
// that nothing happened.
func settle() {
	time.Sleep(50 * time.Millisecond)
}

// waitForTimers blocks until n timers are armed on the fake clock.
func waitForTimers(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("timed out waiting for %d armed timers: %v", n, err)
	}
}

func newRegistry(t *testing.T, d registry.Dispatcher) (*registry.Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 6, 12, 0, 0, 0, time.UTC))
	reg, err := registry.New(d, nil, registry.WithClock(clock))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		if err := reg.Shutdown(); err != nil {
			t.Errorf("Shutdown() error: %v", err)
		}
	})
	return reg, clock
}

func def(id string, interval int64, recurring bool) registry.ServiceDefinition {
	return registry.ServiceDefinition{
		ID:        id,
		URL:       "http://example.invalid/" + id,
		Method:    registry.MethodPost,
		Payload:   map[string]any{"id": id},
		Interval:  interval,
		Recurring: recurring,
	}
}

func TestNewRequiresDispatcher(t *testing.T) {
	t.Parallel()

	if _, err := registry.New(nil, nil); err == nil {
		t.Fatal("expected error for nil dispatcher")
	}
}

func TestRegisterDistinctIDs(t *testing.T) {
	t.Parallel()

	reg, clock := newRegistry(t, newRecorder())

	a, err := reg.Register(def("a", int64(time.Hour/time.Millisecond), false))
	if err != nil {
		t.Fatalf("Register(a) error: %v", err)
	}
	b, err := reg.Register(def("b", 60000, true))
	if err != nil {
		t.Fatalf("Register(b) error: %v", err)
	}

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(list))
	}
	if a.TimerID == b.TimerID {
		t.Error("services share a timer id")
	}
	if !a.RegisteredAt.Equal(clock.Now()) {
		t.Errorf("RegisteredAt = %s, want fake clock time %s", a.RegisteredAt, clock.Now())
	}
	for _, svc := range list {
		if svc.State != registry.StateArmed {
			t.Errorf("service %s state = %s, want armed", svc.ID, svc.State)
		}
	}
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t, newRecorder())

	first := def("dup", 60000, true)
	if _, err := reg.Register(first); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	second := def("dup", 100, false)
	second.URL = "http://other.invalid/"
	_, err := reg.Register(second)
	if !errors.Is(err, registry.ErrConflict) {
		t.Fatalf("second Register() error = %v, want ErrConflict", err)
	}

	got, err := reg.Get("dup")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.URL != first.URL || !got.Recurring || got.Interval != first.Interval {
		t.Errorf("first entry was modified: %+v", got)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
}

func TestRegisterRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t, newRecorder())

	bad := def("bad", 60000, true)
	bad.Payload = map[string]any{"ch": make(chan int)}
	if _, err := reg.Register(bad); err == nil {
		t.Fatal("expected error for payload that cannot be JSON encoded")
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d after rejected registration", reg.Len())
	}
}

func TestDeregisterStopsFirings(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	reg, clock := newRegistry(t, rec)

	if _, err := reg.Register(def("gone", 1000, true)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	waitForTimers(t, clock, 1)

	if err := reg.Deregister("gone"); err != nil {
		t.Fatalf("Deregister() error: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatalf("List() not empty after deregister")
	}

	clock.Advance(1500 * time.Millisecond)
	settle()
	if n := rec.count("gone"); n != 0 {
		t.Errorf("deregistered service fired %d times", n)
	}
}

func TestDeregisterAbsentIsNoop(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t, newRecorder())
	if _, err := reg.Register(def("keep", 60000, true)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	err := reg.Deregister("missing")
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("Deregister(missing) error = %v, want ErrNotFound", err)
	}

	list := reg.List()
	if len(list) != 1 || list[0].ID != "keep" {
		t.Errorf("List() changed: %+v", list)
	}
}

func TestStopAllKeepsEntries(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	reg, clock := newRegistry(t, rec)

	for _, d := range []registry.ServiceDefinition{
		def("r1", 1000, true),
		def("r2", 1000, true),
		def("once", 200, false),
	} {
		if _, err := reg.Register(d); err != nil {
			t.Fatalf("Register(%s) error: %v", d.ID, err)
		}
	}
	waitForTimers(t, clock, 3)

	reg.StopAll()
	clock.Advance(5 * time.Second)
	settle()

	for _, id := range []string{"r1", "r2", "once"} {
		if n := rec.count(id); n != 0 {
			t.Errorf("service %s fired %d times after StopAll", id, n)
		}
	}

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("List() returned %d entries after StopAll, want 3", len(list))
	}
	for _, svc := range list {
		if svc.State != registry.StateStopped {
			t.Errorf("service %s state = %s, want stopped", svc.ID, svc.State)
		}
	}
}

func TestOneShotFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	reg, clock := newRegistry(t, rec)

	if _, err := reg.Register(def("once", 100, false)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	waitForTimers(t, clock, 1)

	clock.Advance(99 * time.Millisecond)
	settle()
	if n := rec.count("once"); n != 0 {
		t.Fatalf("one-shot fired %d times before its delay", n)
	}

	clock.Advance(time.Millisecond)
	if !waitFor(t, 2*time.Second, func() bool { return rec.count("once") == 1 }) {
		t.Fatalf("one-shot did not fire at its delay")
	}

	clock.Advance(time.Second)
	settle()
	if n := rec.count("once"); n != 1 {
		t.Errorf("one-shot fired %d times, want 1", n)
	}

	svc, err := reg.Get("once")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if svc.State != registry.StateInert || svc.Runs != 1 || svc.LastRun == nil {
		t.Errorf("unexpected one-shot state after firing: %+v", svc)
	}
}

func TestZeroDelayOneShotFiresPromptly(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	reg, _ := newRegistry(t, rec)

	if _, err := reg.Register(def("now", 0, false)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return rec.count("now") == 1 }) {
		t.Fatal("zero-delay one-shot did not fire")
	}
}

func TestRecurringFiresEachPeriod(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	reg, clock := newRegistry(t, rec)

	if _, err := reg.Register(def("tick", 1000, true)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	for want := 1; want <= 3; want++ {
		waitForTimers(t, clock, 1)

		clock.Advance(999 * time.Millisecond)
		settle()
		if n := rec.count("tick"); n != want-1 {
			t.Fatalf("fired %d times before second %d, want %d", n, want, want-1)
		}

		clock.Advance(time.Millisecond)
		if !waitFor(t, 2*time.Second, func() bool { return rec.count("tick") == want }) {
			t.Fatalf("firing %d did not happen at %ds", want, want)
		}
	}

	if err := reg.Deregister("tick"); err != nil {
		t.Fatalf("Deregister() error: %v", err)
	}
	clock.Advance(3 * time.Second)
	settle()
	if n := rec.count("tick"); n != 3 {
		t.Errorf("service fired after deregistration: %d firings, want 3", n)
	}
}

func TestStopAndStart(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	reg, clock := newRegistry(t, rec)

	if _, err := reg.Register(def("toggle", 1000, true)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	waitForTimers(t, clock, 1)

	if err := reg.Stop("toggle"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	clock.Advance(2 * time.Second)
	settle()
	if n := rec.count("toggle"); n != 0 {
		t.Fatalf("stopped service fired %d times", n)
	}

	if err := reg.Start("toggle"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitForTimers(t, clock, 1)
	clock.Advance(time.Second)
	if !waitFor(t, 2*time.Second, func() bool { return rec.count("toggle") == 1 }) {
		t.Fatal("restarted service did not fire")
	}

	if err := reg.Stop("missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Stop(missing) error = %v, want ErrNotFound", err)
	}
	if err := reg.Start("missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Start(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDispatchFailureKeepsService(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	rec.err = errors.New("connection refused")
	reg, clock := newRegistry(t, rec)

	if _, err := reg.Register(def("flaky", 1000, true)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	waitForTimers(t, clock, 1)
	clock.Advance(time.Second)

	if !waitFor(t, 2*time.Second, func() bool {
		svc, err := reg.Get("flaky")
		return err == nil && svc.LastError != ""
	}) {
		t.Fatal("failure was not recorded")
	}

	svc, err := reg.Get("flaky")
	if err != nil {
		t.Fatalf("service removed after failed invocation: %v", err)
	}
	if svc.State != registry.StateArmed {
		t.Errorf("state = %s after failure, want armed", svc.State)
	}
}

func TestInFlightResultIgnoredAfterReRegistration(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	d := registry.DispatcherFunc(func(context.Context, registry.ServiceDefinition) error {
		first := false
		once.Do(func() { first = true })
		if !first {
			return nil
		}
		close(started)
		<-release
		return errors.New("old call failed")
	})
	reg, _ := newRegistry(t, d)

	if _, err := reg.Register(def("swap", 0, false)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first call never started")
	}

	if err := reg.Deregister("swap"); err != nil {
		t.Fatalf("Deregister() error: %v", err)
	}
	replacement, err := reg.Register(def("swap", 60000, true))
	if err != nil {
		t.Fatalf("re-Register() error: %v", err)
	}

	close(release)
	settle()

	got, err := reg.Get("swap")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.TimerID != replacement.TimerID {
		t.Fatalf("entry replaced unexpectedly")
	}
	if got.LastError != "" {
		t.Errorf("old call's failure leaked onto the new entry: %q", got.LastError)
	}
}

func TestDispatchPanicIsContained(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	rec.panic = true
	reg, _ := newRegistry(t, rec)

	if _, err := reg.Register(def("boom", 0, false)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return rec.count("boom") == 1 }) {
		t.Fatal("service did not fire")
	}

	// The registry keeps working after the panic.
	if _, err := reg.Register(def("after", 60000, true)); err != nil {
		t.Fatalf("Register() after panic error: %v", err)
	}
	if reg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", reg.Len())
	}
}

func TestConcurrentMutations(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t, newRecorder())

	const n = 50
	var wg sync.WaitGroup

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("svc-%d", i)
			if _, err := reg.Register(def(id, int64(time.Hour/time.Millisecond), false)); err != nil {
				t.Errorf("Register(%s) error: %v", id, err)
			}
			// Overlapping duplicate registrations must all conflict.
			if _, err := reg.Register(def(id, 1000, true)); !errors.Is(err, registry.ErrConflict) {
				t.Errorf("duplicate Register(%s) error = %v, want ErrConflict", id, err)
			}
			_ = reg.List()
			if i%2 == 0 {
				if err := reg.Deregister(id); err != nil {
					t.Errorf("Deregister(%s) error: %v", id, err)
				}
			}
		}()
	}

	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, svc := range reg.List() {
				if svc.ID == "" || svc.TimerID == uuid.Nil {
					t.Errorf("observed partially constructed entry: %+v", svc)
				}
			}
		}()
	}

	wg.Wait()

	list := reg.List()
	if len(list) != n/2 {
		t.Fatalf("List() returned %d entries, want %d", len(list), n/2)
	}
	seen := make(map[string]bool, len(list))
	for _, svc := range list {
		if seen[svc.ID] {
			t.Errorf("duplicate entry %s", svc.ID)
		}
		seen[svc.ID] = true
	}
	for i := 1; i < n; i += 2 {
		if id := fmt.Sprintf("svc-%d", i); !seen[id] {
			t.Errorf("missing entry %s", id)
		}
	}
}

func TestListReturnsCopies(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(t, newRecorder())

	d := def("copy", 60000, true)
	d.Payload = map[string]any{
		"id":    "copy",
		"inner": map[string]any{"k": "v"},
		"items": []any{"a", map[string]any{"deep": "x"}},
	}
	if _, err := reg.Register(d); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	// Mutating the caller's original must not reach the registry either.
	d.Payload["inner"].(map[string]any)["k"] = "caller"

	list := reg.List()
	list[0].Payload["id"] = "mutated"
	list[0].Payload["inner"].(map[string]any)["k"] = "mutated"
	list[0].Payload["items"].([]any)[1].(map[string]any)["deep"] = "mutated"
	list[0].URL = "http://mutated.invalid/"

	got, err := reg.Get("copy")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Payload["id"] != "copy" || got.URL == "http://mutated.invalid/" {
		t.Errorf("top-level state leaked through List(): %+v", got)
	}
	if k := got.Payload["inner"].(map[string]any)["k"]; k != "v" {
		t.Errorf("nested map leaked: inner.k = %v, want v", k)
	}
	if deep := got.Payload["items"].([]any)[1].(map[string]any)["deep"]; deep != "x" {
		t.Errorf("nested slice leaked: items[1].deep = %v, want x", deep)
	}

	got.Payload["inner"].(map[string]any)["k"] = "via-get"
	again, _ := reg.Get("copy")
	if k := again.Payload["inner"].(map[string]any)["k"]; k != "v" {
		t.Errorf("nested map leaked through Get(): inner.k = %v", k)
	}
}
