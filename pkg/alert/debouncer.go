// Package alert decides when a seizure report becomes an alert.
//
// The debouncer has two states. Quiet moves to Alerting on a seizure sample
// and raises an alert. While Alerting, further seizure samples are
// suppressed until the debounce interval has passed since the last alert, at
// which point the ongoing episode raises again. A sample without a seizure
// returns to Quiet, and the next seizure sample raises immediately even if
// the interval has not elapsed: an observed recovery re-arms the alert.
//
// The occurrence count covers a rolling counting window (24h by default) and
// resets independently of the Quiet/Alerting state.
package alert

import (
	"errors"
	"fmt"
	"time"

	"github.com/alimk/seizuresafe/pkg/models"
)

const (
	DefaultDebounceInterval = 15 * time.Second
	DefaultCountWindow      = 24 * time.Hour
)

// Decision is the outcome of observing one sample.
type Decision int

const (
	// None: no seizure reported and no episode to clear.
	None Decision = iota
	// Raised: a new alert fired.
	Raised
	// Suppressed: a repeat within the debounce interval.
	Suppressed
	// Cleared: the device reported the episode has ended.
	Cleared
)

func (d Decision) String() string {
	switch d {
	case None:
		return "none"
	case Raised:
		return "raised"
	case Suppressed:
		return "suppressed"
	case Cleared:
		return "cleared"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Policy holds the tunable timings.
type Policy struct {
	DebounceInterval time.Duration
	CountWindow      time.Duration
}

// DefaultPolicy returns a 15s debounce interval and a 24h counting window.
func DefaultPolicy() Policy {
	return Policy{DebounceInterval: DefaultDebounceInterval, CountWindow: DefaultCountWindow}
}

var errInvalidPolicy = errors.New("invalid alert policy")

func (p Policy) Validate() error {
	if p.DebounceInterval <= 0 {
		return fmt.Errorf("%w: debounce interval must be positive, got %s", errInvalidPolicy, p.DebounceInterval)
	}
	if p.CountWindow <= 0 {
		return fmt.Errorf("%w: count window must be positive, got %s", errInvalidPolicy, p.CountWindow)
	}
	return nil
}

// Debouncer owns the AlertState. It is not safe for concurrent use.
type Debouncer struct {
	policy Policy
	state  models.AlertState
}

// New returns a Quiet debouncer whose counting window starts at start.
func New(p Policy, start time.Time) (*Debouncer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Debouncer{
		policy: p,
		state:  models.AlertState{WindowStartedAt: start},
	}, nil
}

// Policy returns the debouncer's timings.
func (d *Debouncer) Policy() Policy { return d.policy }

// State returns a copy of the current alert state.
func (d *Debouncer) State() models.AlertState { return d.state }

// NextReset returns when the occurrence count is next due to reset.
func (d *Debouncer) NextReset() time.Time {
	return d.state.WindowStartedAt.Add(d.policy.CountWindow)
}

// Expire resets the occurrence count if the counting window has elapsed at
// now, and starts a new window there. It reports whether a reset happened.
func (d *Debouncer) Expire(now time.Time) bool {
	if now.Sub(d.state.WindowStartedAt) < d.policy.CountWindow {
		return false
	}
	d.state.OccurrenceCount = 0
	d.state.WindowStartedAt = now
	return true
}

// Observe applies one validated sample, using its ReceivedAt as the current
// time.
func (d *Debouncer) Observe(s models.TelemetrySample) Decision {
	now := s.ReceivedAt
	d.Expire(now)

	if !s.SeizureDetected {
		if !d.state.Active {
			return None
		}
		d.state.Active = false
		return Cleared
	}

	// Quiet is only reachable before the first alert or after a cleared
	// episode, so it always raises.
	if !d.state.Active {
		d.fire(now)
		return Raised
	}
	if now.Sub(d.state.LastFiredAt) >= d.policy.DebounceInterval {
		d.fire(now)
		return Raised
	}
	return Suppressed
}

func (d *Debouncer) fire(now time.Time) {
	d.state.Active = true
	d.state.LastFiredAt = now
	d.state.OccurrenceCount++
}
