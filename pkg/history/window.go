// Package history keeps the bounded window of recent samples that the
// dashboard charts and derives heart-rate trends from.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/alimk/seizuresafe/pkg/models"
)

// TrendThresholdBPM is the heart-rate change above which a delta is flagged
// as a trend. Informational only; it does not drive alerting.
const TrendThresholdBPM = 10

// ErrInvalidBound is returned when a Bound does not name exactly one policy.
var ErrInvalidBound = errors.New("history bound must set exactly one of MaxAge or MaxCount")

// Bound selects the eviction policy: samples older than MaxAge (measured on
// ReceivedAt against the newest sample), or all but the newest MaxCount.
type Bound struct {
	MaxAge   time.Duration
	MaxCount int
}

// Validate reports whether exactly one policy is set.
func (b Bound) Validate() error {
	byAge := b.MaxAge > 0
	byCount := b.MaxCount > 0
	if byAge == byCount || b.MaxAge < 0 || b.MaxCount < 0 {
		return fmt.Errorf("%w (max_age=%s, max_count=%d)", ErrInvalidBound, b.MaxAge, b.MaxCount)
	}
	return nil
}

func (b Bound) String() string {
	if b.MaxAge > 0 {
		return "max_age=" + b.MaxAge.String()
	}
	return fmt.Sprintf("max_count=%d", b.MaxCount)
}

// Window is an oldest-first sequence of samples. It is not safe for
// concurrent use; the telemetry client owns it from a single goroutine.
//
// The backing slice is only ever appended to or re-sliced from the front, so
// a View taken earlier keeps seeing exactly the samples it was taken with.
type Window struct {
	bound   Bound
	samples []models.TelemetrySample
}

// New returns an empty window with the given bound.
func New(b Bound) (*Window, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &Window{bound: b}, nil
}

// Bound returns the window's eviction policy.
func (w *Window) Bound() Bound { return w.bound }

// Len returns the number of samples currently held.
func (w *Window) Len() int { return len(w.samples) }

// Append inserts s as the newest sample, then evicts samples outside the
// bound, oldest first. It returns the number of evicted samples.
func (w *Window) Append(s models.TelemetrySample) int {
	w.samples = append(w.samples, s)

	drop := 0
	if w.bound.MaxCount > 0 {
		if n := len(w.samples) - w.bound.MaxCount; n > 0 {
			drop = n
		}
	} else {
		newest := s.ReceivedAt
		for drop < len(w.samples)-1 && newest.Sub(w.samples[drop].ReceivedAt) >= w.bound.MaxAge {
			drop++
		}
	}
	// Evicted samples stay in the backing array until append outgrows it and
	// copies the live tail; older views may still reference them.
	w.samples = w.samples[drop:]
	return drop
}

// Snapshot returns an immutable view of the current contents.
func (w *Window) Snapshot() View {
	n := len(w.samples)
	return View{samples: w.samples[:n:n]}
}

// Delta is the change between the two most recent heart-rate readings.
type Delta struct {
	BPM   float64 `json:"bpm"`
	Trend bool    `json:"trend"`
}

// HeartRateDelta returns newest minus previous heart rate. ok is false with
// fewer than two samples.
func (w *Window) HeartRateDelta() (Delta, bool) {
	return w.Snapshot().HeartRateDelta()
}

// View is a read-only snapshot of the window, oldest first. The zero View is
// empty. Views never observe later appends or evictions.
type View struct {
	samples []models.TelemetrySample
}

// Len returns the number of samples in the view.
func (v View) Len() int { return len(v.samples) }

// At returns the i-th sample, oldest first.
func (v View) At(i int) models.TelemetrySample { return v.samples[i] }

// Latest returns the newest sample.
func (v View) Latest() (models.TelemetrySample, bool) {
	if len(v.samples) == 0 {
		return models.TelemetrySample{}, false
	}
	return v.samples[len(v.samples)-1], true
}

// Samples returns a copy of the samples, oldest first.
func (v View) Samples() []models.TelemetrySample {
	out := make([]models.TelemetrySample, len(v.samples))
	copy(out, v.samples)
	return out
}

// Recent returns up to n samples, newest first.
func (v View) Recent(n int) []models.TelemetrySample {
	if n > len(v.samples) {
		n = len(v.samples)
	}
	if n < 0 {
		n = 0
	}
	out := make([]models.TelemetrySample, 0, n)
	for i := len(v.samples) - 1; i >= len(v.samples)-n; i-- {
		out = append(out, v.samples[i])
	}
	return out
}

// Since returns the samples received at or after t, oldest first.
func (v View) Since(t time.Time) []models.TelemetrySample {
	out := make([]models.TelemetrySample, 0)
	for _, s := range v.samples {
		if !s.ReceivedAt.Before(t) {
			out = append(out, s)
		}
	}
	return out
}

// HeartRateDelta returns newest minus previous heart rate in the view.
func (v View) HeartRateDelta() (Delta, bool) {
	n := len(v.samples)
	if n < 2 {
		return Delta{}, false
	}
	d := v.samples[n-1].HeartRateBPM - v.samples[n-2].HeartRateBPM
	return Delta{BPM: d, Trend: math.Abs(d) > TrendThresholdBPM}, true
}

// MarshalJSON encodes the view as an array, oldest first.
func (v View) MarshalJSON() ([]byte, error) {
	if v.samples == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v.samples)
}
