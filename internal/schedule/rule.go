// Package schedule translates a service's interval settings into a firing rule
// that the timer subsystem can execute directly.
package schedule

import (
	"fmt"
	"math"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// MinPeriod is the shortest period a repeating rule can have.
// Sub-second recurring schedules are not supported.
const MinPeriod = time.Second

// MaxIntervalMS is the largest interval, in milliseconds, that fits in a
// time.Duration. Larger intervals are clamped to it.
const MaxIntervalMS = int64(math.MaxInt64 / int64(time.Millisecond))

// Kind identifies which variant of Rule is populated.
type Kind int

const (
	// OneShot fires once at Rule.At and then becomes inert.
	OneShot Kind = iota + 1
	// Repeating fires every Rule.Period, starting one period after arming.
	Repeating
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case OneShot:
		return "one_shot"
	case Repeating:
		return "repeating"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so kinds render by name in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "one_shot":
		*k = OneShot
	case "repeating":
		*k = Repeating
	default:
		return fmt.Errorf("unknown rule kind %q", text)
	}
	return nil
}

// Rule is a structured firing rule: either OneShot{At} or Repeating{Period}.
type Rule struct {
	Kind   Kind          `json:"kind"`
	At     time.Time     `json:"at,omitzero"`
	Period time.Duration `json:"period,omitempty"`
}

// Translate converts an interval in milliseconds into a firing rule relative to now.
//
// For one-shot rules the interval is a delay and millisecond precision is kept.
// For repeating rules the interval is truncated to whole seconds, with MinPeriod
// as a floor. Negative intervals are treated as zero and intervals above
// MaxIntervalMS saturate.
func Translate(intervalMS int64, recurring bool, now time.Time) Rule {
	intervalMS = min(max(intervalMS, 0), MaxIntervalMS)

	if !recurring {
		return Rule{
			Kind: OneShot,
			At:   now.Add(time.Duration(intervalMS) * time.Millisecond),
		}
	}

	period := time.Duration(intervalMS/1000) * time.Second
	if period < MinPeriod {
		period = MinPeriod
	}

	return Rule{Kind: Repeating, Period: period}
}

// Due reports whether a one-shot rule's instant is not in the future.
// Repeating rules are never due.
func (r Rule) Due(now time.Time) bool {
	return r.Kind == OneShot && !r.At.After(now)
}

// JobDefinition maps the rule onto a gocron job definition.
// A one-shot rule that is already due starts immediately.
//
//nolint:ireturn // gocron's API is interface based
func (r Rule) JobDefinition(now time.Time) (gocron.JobDefinition, error) {
	switch r.Kind {
	case OneShot:
		if r.Due(now) {
			return gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()), nil
		}
		return gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(r.At)), nil
	case Repeating:
		if r.Period < MinPeriod {
			return nil, fmt.Errorf("repeating period %s is below minimum %s", r.Period, MinPeriod)
		}
		return gocron.DurationJob(r.Period), nil
	default:
		return nil, fmt.Errorf("unknown rule kind %d", r.Kind)
	}
}

// String renders the rule for logs.
func (r Rule) String() string {
	switch r.Kind {
	case OneShot:
		return "once at " + r.At.UTC().Format(time.RFC3339Nano)
	case Repeating:
		return "every " + r.Period.String()
	default:
		return "invalid rule"
	}
}
