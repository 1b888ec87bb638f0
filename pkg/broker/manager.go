// Package broker owns the session with the MQTT broker: connecting,
// subscribing, reconnecting with backoff, and releasing the transport.
//
// The Manager does not interpret payloads. Raw messages and connection state
// transitions are published, in order, on a single Events channel.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alimk/seizuresafe/pkg/models"
)

// ErrAlreadyStarted is returned by a second call to Connect.
var ErrAlreadyStarted = errors.New("broker session already started")

// DefaultEventQueueSize is the Events buffer when none is configured.
const DefaultEventQueueSize = 256

// Event is either a StateChanged or a MessageReceived.
type Event interface {
	isEvent()
}

// StateChanged carries a new connection state.
type StateChanged struct {
	State models.ConnectionState
}

// MessageReceived carries one raw payload from the telemetry topic.
type MessageReceived struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

func (StateChanged) isEvent()    {}
func (MessageReceived) isEvent() {}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEventQueueSize sets the Events buffer.
func WithEventQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// Manager drives one broker session. Callers must drain Events until it is
// closed; Disconnect closes it after delivering the final Disconnected state.
type Manager struct {
	cfg       Config
	dialer    Dialer
	logger    *slog.Logger
	now       func() time.Time
	queueSize int

	events   chan Event
	stopping chan struct{}

	mu       sync.Mutex
	state    models.ConnectionState
	conn     Conn
	started  bool
	clientID string
	cancel   context.CancelFunc

	// sendMu guards sendClosed; senders hold it shared while delivering so
	// Disconnect can close events once every sender has left.
	sendMu     sync.RWMutex
	sendClosed bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New validates cfg and returns a Disconnected manager.
func New(cfg Config, dialer Dialer, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, fmt.Errorf("%w: dialer is required", errInvalidConfig)
	}
	m := &Manager{
		cfg:       cfg,
		dialer:    dialer,
		logger:    slog.Default(),
		now:       time.Now,
		queueSize: DefaultEventQueueSize,
		stopping:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = make(chan Event, m.queueSize)
	m.state = models.ConnectionState{Status: models.Disconnected, Since: m.now()}
	return m, nil
}

// Events returns the ordered stream of state changes and messages.
func (m *Manager) Events() <-chan Event { return m.events }

// State returns the current connection state.
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ClientID returns the identifier used for this session, empty before
// Connect.
func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}

// Connect starts the session in the background and returns immediately.
// Cancelling ctx has the same effect on the session as Disconnect, except
// that Events stays open until Disconnect is called.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	select {
	case <-m.stopping:
		return fmt.Errorf("connect after disconnect: %w", ErrAlreadyStarted)
	default:
	}
	m.started = true
	m.clientID = m.cfg.ClientIDPrefix + uuid.NewString()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Disconnect stops the session, releases the transport, delivers a final
// Disconnected state and closes Events. Later calls are no-ops.
func (m *Manager) Disconnect() {
	m.stopOnce.Do(func() {
		close(m.stopping)

		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.wg.Wait()

		m.mu.Lock()
		conn := m.conn
		m.conn = nil
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}

		m.sendMu.Lock()
		m.sendClosed = true
		m.sendMu.Unlock()

		if st, changed := m.transition(models.Disconnected, "", false); changed {
			m.events <- StateChanged{State: st}
		}
		close(m.events)
		m.logger.Info("broker session closed", "client_id", m.ClientID())
	})
}

// run is the session loop: dial, subscribe, wait for loss, back off, repeat.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	status := models.Connecting
	reason := ""
	failures := 0
	url := m.cfg.BrokerURL()

	for {
		m.setState(status, reason, false)
		attemptsTotal.Inc()

		lost := make(chan error, 1)
		conn, err := m.dialer.Dial(ctx, m.cfg, m.clientID, func(err error) {
			select {
			case lost <- err:
			default:
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			attemptFailures.Inc()

			if errors.Is(err, ErrAuthRejected) {
				m.logger.Error("broker rejected credentials", "broker", url, "error", err)
				m.setState(models.Failed, err.Error(), false)
				return
			}
			if m.cfg.Backoff.Exhausted(failures) {
				m.logger.Error("giving up on broker", "broker", url, "attempts", failures, "error", err)
				m.setState(models.Failed, fmt.Sprintf("gave up after %d attempts: %v", failures, err), false)
				return
			}

			delay := m.cfg.Backoff.Delay(failures)
			m.logger.Warn("broker connect failed, retrying",
				"broker", url,
				"attempt", failures,
				"delay", delay.String(),
				"error", err,
			)
			m.setState(models.Offline, err.Error(), false)
			if !sleep(ctx, delay) {
				return
			}
			status, reason = models.Reconnecting, ""
			continue
		}

		failures = 0
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()

		subscribed, subErr := m.subscribe(conn)
		if subErr != nil {
			subscribeFailures.Inc()
			m.setState(models.Connected, subErr.Error(), false)
		} else {
			m.setState(models.Connected, "", subscribed)
		}
		m.logger.Info("connected to MQTT broker", "broker", url, "client_id", m.clientID, "subscribed", subscribed)

		select {
		case <-ctx.Done():
			return
		case err := <-lost:
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			conn.Close()
			reconnectsTotal.Inc()

			reason = "connection lost"
			if err != nil {
				reason = err.Error()
			}
			m.logger.Warn("MQTT connection lost, will reconnect", "broker", url, "error", err)
			status = models.Reconnecting
		}
	}
}

// subscribe registers the telemetry topic and, when configured, the
// diagnostic topic. Only the telemetry subscription is required.
func (m *Manager) subscribe(conn Conn) (bool, error) {
	if err := conn.Subscribe(m.cfg.Topic, m.cfg.QoS, m.deliver); err != nil {
		m.logger.Error("subscribe failed", "topic", m.cfg.Topic, "error", err)
		return false, err
	}
	if m.cfg.DebugTopic != "" {
		err := conn.Subscribe(m.cfg.DebugTopic, 0, func(topic string, payload []byte) {
			m.logger.Debug("debug topic message", "topic", topic, "bytes", len(payload))
		})
		if err != nil {
			m.logger.Warn("debug subscription failed", "topic", m.cfg.DebugTopic, "error", err)
		}
	}
	return true, nil
}

// deliver runs on the transport's goroutine. It blocks while the Events
// buffer is full, which keeps delivery ordered, but gives up once the
// manager is stopping.
func (m *Manager) deliver(topic string, payload []byte) {
	m.send(MessageReceived{Topic: topic, Payload: payload, ReceivedAt: m.now()})
}

func (m *Manager) setState(status models.ConnectionStatus, reason string, subscribed bool) {
	if st, changed := m.transition(status, reason, subscribed); changed {
		m.logger.Info("connection state changed", "state", st.String())
		m.send(StateChanged{State: st})
	}
}

// transition records a new state, suppressing exact repeats.
func (m *Manager) transition(status models.ConnectionStatus, reason string, subscribed bool) (models.ConnectionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := models.ConnectionState{Status: status, Reason: reason, Subscribed: subscribed}
	if next.Equal(m.state) {
		return m.state, false
	}
	next.Since = m.now()
	m.state = next
	statusGauge.Set(float64(status))
	return next, true
}

func (m *Manager) send(ev Event) {
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	if m.sendClosed {
		return
	}
	select {
	case m.events <- ev:
	case <-m.stopping:
	}
}

// sleep waits for d or until ctx is done, and reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
