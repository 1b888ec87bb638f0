// Package monitor is the real-time telemetry client. It composes the broker
// session, the decoder, the history window and the alert debouncer, and
// applies every inbound event on a single goroutine in delivery order.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alimk/seizuresafe/pkg/alert"
	"github.com/alimk/seizuresafe/pkg/broker"
	"github.com/alimk/seizuresafe/pkg/decoder"
	"github.com/alimk/seizuresafe/pkg/history"
)

// Config gathers everything a client needs.
type Config struct {
	Broker         broker.Config
	Alert          alert.Policy
	History        history.Bound
	EventQueueSize int
}

// DefaultConfig returns the dashboard defaults: local broker, 15s debounce,
// 24h counting window and 24h of history.
func DefaultConfig() Config {
	return Config{
		Broker:         broker.DefaultConfig(),
		Alert:          alert.DefaultPolicy(),
		History:        history.Bound{MaxAge: 24 * time.Hour},
		EventQueueSize: broker.DefaultEventQueueSize,
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithClock replaces time.Now for receipt instants and the counting window.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client is one dashboard session. Start it once, Close it on every exit
// path.
type Client struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	now     func() time.Time

	mgr       *broker.Manager
	window    *history.Window
	debouncer *alert.Debouncer

	state atomic.Pointer[State]

	startOnce sync.Once
	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New builds a client. A nil handler discards events; a nil logger uses
// slog.Default().
func New(cfg Config, dialer broker.Dialer, h Handler, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if h == nil {
		h = HandlerFuncs{}
	}
	c := &Client{
		cfg:     cfg,
		handler: h,
		logger:  logger,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	window, err := history.New(cfg.History)
	if err != nil {
		return nil, fmt.Errorf("history window: %w", err)
	}
	debouncer, err := alert.New(cfg.Alert, c.now())
	if err != nil {
		return nil, fmt.Errorf("alert debouncer: %w", err)
	}
	mgr, err := broker.New(cfg.Broker, dialer,
		broker.WithLogger(logger),
		broker.WithClock(c.now),
		broker.WithEventQueueSize(cfg.EventQueueSize),
	)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	c.window = window
	c.debouncer = debouncer
	c.mgr = mgr

	c.state.Store(&State{
		Connection: mgr.State(),
		Alert:      debouncer.State(),
		History:    window.Snapshot(),
	})
	return c, nil
}

// Start connects to the broker and begins processing events. It returns
// broker.ErrAlreadyStarted on a second call.
func (c *Client) Start(ctx context.Context) error {
	err := broker.ErrAlreadyStarted
	c.startOnce.Do(func() {
		if err = c.mgr.Connect(ctx); err != nil {
			return
		}
		c.started.Store(true)
		c.logger.Info("telemetry client started",
			"broker", c.cfg.Broker.BrokerURL(),
			"topic", c.cfg.Broker.Topic,
			"client_id", c.mgr.ClientID(),
			"debounce_interval", c.cfg.Alert.DebounceInterval.String(),
			"history_bound", c.cfg.History.String(),
		)
		go c.loop()
	})
	return err
}

// Close releases the transport, stops the timers and waits until the final
// Disconnected state has been delivered. Later calls are no-ops.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mgr.Disconnect()
		if c.started.Load() {
			<-c.done
		}
		c.logger.Info("telemetry client stopped")
	})
}

// Done is closed once the event loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Snapshot returns the latest published state. Safe from any goroutine; the
// pointers in the result are private copies.
func (c *Client) Snapshot() State {
	s := *c.state.Load()
	if s.Latest != nil {
		latest := *s.Latest
		s.Latest = &latest
	}
	if s.Delta != nil {
		delta := *s.Delta
		s.Delta = &delta
	}
	return s
}

// loop is the only goroutine that touches the window and the debouncer.
func (c *Client) loop() {
	defer close(c.done)

	nextReset := c.debouncer.NextReset()
	reset := time.NewTimer(untilOrZero(nextReset, c.now()))
	defer reset.Stop()

	events := c.mgr.Events()
	for {
		fired := false
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handle(ev)
		case <-reset.C:
			fired = true
			if c.debouncer.Expire(c.now()) {
				st := c.debouncer.State()
				occurrenceCount.Set(float64(st.OccurrenceCount))
				c.logger.Info("alert counting window reset", "window_started_at", st.WindowStartedAt)
				c.publish(func(s *State) { s.Alert = st })
			}
		}

		// Observe may also reset the counting window, so re-arm whenever the
		// deadline moves.
		if next := c.debouncer.NextReset(); fired || !next.Equal(nextReset) {
			if !fired && !reset.Stop() {
				select {
				case <-reset.C:
				default:
				}
			}
			nextReset = next
			reset.Reset(untilOrZero(nextReset, c.now()))
		}
	}
}

func (c *Client) handle(ev broker.Event) {
	switch e := ev.(type) {
	case broker.StateChanged:
		c.publish(func(s *State) { s.Connection = e.State })
		c.handler.OnConnectionStateChanged(e.State)

	case broker.MessageReceived:
		c.handleMessage(e)
	}
}

func (c *Client) handleMessage(msg broker.MessageReceived) {
	messagesReceived.Inc()

	sample, warnings, err := decoder.DecodeWithWarnings(msg.Payload, msg.Topic, msg.ReceivedAt)
	if err != nil {
		decodeFailures.Inc()
		var de *decoder.DecodeError
		field := ""
		if errors.As(err, &de) {
			field = de.Field
		}
		c.logger.Warn("dropping malformed telemetry",
			"topic", msg.Topic,
			"bytes", len(msg.Payload),
			"field", field,
			"error", err,
		)
		c.publish(func(s *State) {
			s.Received++
			s.Malformed++
		})
		return
	}

	for _, w := range warnings {
		c.logger.Debug("ignoring unusable telemetry field", "field", w.Field, "reason", w.Reason)
	}

	evicted := c.window.Append(sample)
	view := c.window.Snapshot()
	delta, hasDelta := view.HeartRateDelta()
	decision := c.debouncer.Observe(sample)
	alertState := c.debouncer.State()

	historySize.Set(float64(view.Len()))
	heartRate.Set(sample.HeartRateBPM)
	occurrenceCount.Set(float64(alertState.OccurrenceCount))
	if decision != alert.None {
		alertDecisions.WithLabelValues(decision.String()).Inc()
	}

	c.logger.Debug("telemetry accepted",
		"heart_rate", sample.HeartRateBPM,
		"seizure_detected", sample.SeizureDetected,
		"fall_detected", sample.FallDetected,
		"history_len", view.Len(),
		"evicted", evicted,
		"decision", decision.String(),
	)
	if hasDelta && delta.Trend {
		c.logger.Info("heart rate trend", "delta_bpm", delta.BPM, "heart_rate", sample.HeartRateBPM)
	}

	c.publish(func(s *State) {
		s.Received++
		s.Latest = &sample
		s.History = view
		s.Alert = alertState
		s.Delta = nil
		if hasDelta {
			s.Delta = &delta
		}
	})

	c.handler.OnSampleReceived(sample)
	c.handler.OnHistoryUpdated(view)
	switch decision {
	case alert.Raised:
		c.logger.Info("seizure alert raised",
			"occurrence_count", alertState.OccurrenceCount,
			"heart_rate", sample.HeartRateBPM,
		)
		c.handler.OnAlertRaised(sample)
	case alert.Cleared:
		c.logger.Info("seizure alert cleared")
		c.handler.OnAlertCleared()
	}
}

// publish swaps in a modified copy of the current state.
func (c *Client) publish(update func(*State)) {
	next := *c.state.Load()
	update(&next)
	c.state.Store(&next)
}

func untilOrZero(t, now time.Time) time.Duration {
	if d := t.Sub(now); d > 0 {
		return d
	}
	return 0
}
