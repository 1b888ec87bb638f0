package broker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimk/seizuresafe/pkg/models"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]MessageHandler
	subErr   error
	closes   int
	onLost   func(error)
}

func (c *fakeConn) Subscribe(topic string, _ byte, h MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return c.subErr
	}
	c.handlers[topic] = h
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
}

func (c *fakeConn) publish(topic string, payload string) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	if h != nil {
		h(topic, []byte(payload))
	}
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakeDialer hands out results in order; once they run out every dial
// succeeds.
type fakeDialer struct {
	mu      sync.Mutex
	errs    []error
	subErr  error
	dials   int
	conns   []*fakeConn
	clients []string
}

func (d *fakeDialer) Dial(ctx context.Context, _ Config, clientID string, onLost func(error)) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.clients = append(d.clients, clientID)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := &fakeConn{handlers: map[string]MessageHandler{}, subErr: d.subErr, onLost: onLost}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = Backoff{Initial: time.Millisecond}
	return cfg
}

func newTestManager(t *testing.T, cfg Config, d Dialer) *Manager {
	t.Helper()
	m, err := New(cfg, d, WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() {
		go func() {
			for range m.Events() {
			}
		}()
		m.Disconnect()
	})
	return m
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev, ok := <-m.Events():
		require.True(t, ok, "events closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func nextState(t *testing.T, m *Manager) models.ConnectionState {
	t.Helper()
	ev := nextEvent(t, m)
	sc, ok := ev.(StateChanged)
	require.True(t, ok, "expected StateChanged, got %T", ev)
	return sc.State
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

// ---------------------------------------------------------------------------
// session lifecycle
// ---------------------------------------------------------------------------

func TestConnect_SubscribesAndDelivers(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := newTestManager(t, testConfig(), d)
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, models.Connecting, nextState(t, m).Status)
	st := nextState(t, m)
	assert.Equal(t, models.Connected, st.Status)
	assert.True(t, st.Subscribed)
	assert.False(t, st.Since.IsZero())

	d.lastConn().publish(DefaultTopic, `{"heart_rate":75}`)
	ev := nextEvent(t, m)
	msg, ok := ev.(MessageReceived)
	require.True(t, ok, "expected MessageReceived, got %T", ev)
	assert.Equal(t, DefaultTopic, msg.Topic)
	assert.Equal(t, `{"heart_rate":75}`, string(msg.Payload))
	assert.False(t, msg.ReceivedAt.IsZero())
	assert.Equal(t, models.Connected, m.State().Status)
}

func TestConnect_Twice(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testConfig(), &fakeDialer{})
	require.NoError(t, m.Connect(context.Background()))
	assert.ErrorIs(t, m.Connect(context.Background()), ErrAlreadyStarted)
}

func TestConnect_ClientIDHasPrefix(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := newTestManager(t, testConfig(), d)
	assert.Empty(t, m.ClientID())
	require.NoError(t, m.Connect(context.Background()))
	nextState(t, m)
	nextState(t, m)

	id := m.ClientID()
	assert.Regexp(t, `^dashboard_[0-9a-f-]{36}$`, id)
	d.mu.Lock()
	assert.Equal(t, []string{id}, d.clients)
	d.mu.Unlock()
}

func TestReconnect_AfterConnectionLoss(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := newTestManager(t, testConfig(), d)
	require.NoError(t, m.Connect(context.Background()))
	nextState(t, m)
	nextState(t, m)

	first := d.lastConn()
	first.onLost(io.ErrUnexpectedEOF)

	st := nextState(t, m)
	assert.Equal(t, models.Reconnecting, st.Status)
	assert.Equal(t, io.ErrUnexpectedEOF.Error(), st.Reason)

	st = nextState(t, m)
	assert.Equal(t, models.Connected, st.Status)
	assert.True(t, st.Subscribed, "must re-subscribe after reconnect")

	assert.Equal(t, 2, d.dialCount())
	assert.Equal(t, 1, first.closeCount(), "lost connection released once")

	second := d.lastConn()
	require.NotSame(t, first, second)
	second.publish(DefaultTopic, `{"heart_rate":80}`)
	_, ok := nextEvent(t, m).(MessageReceived)
	assert.True(t, ok)
}

func TestReconnect_OfflineBetweenAttempts(t *testing.T) {
	t.Parallel()

	refused := errors.New("connection refused")
	d := &fakeDialer{errs: []error{refused, refused}}
	m := newTestManager(t, testConfig(), d)
	require.NoError(t, m.Connect(context.Background()))

	var got []models.ConnectionStatus
	for {
		st := nextState(t, m)
		got = append(got, st.Status)
		if st.Status == models.Offline {
			assert.Equal(t, "connection refused", st.Reason)
		}
		if st.Status == models.Connected {
			break
		}
	}
	assert.Equal(t, []models.ConnectionStatus{
		models.Connecting, models.Offline,
		models.Reconnecting, models.Offline,
		models.Reconnecting, models.Connected,
	}, got)
}

func TestAuthRejected_IsTerminal(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{errs: []error{ErrAuthRejected}}
	m := newTestManager(t, testConfig(), d)
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, models.Connecting, nextState(t, m).Status)
	st := nextState(t, m)
	assert.Equal(t, models.Failed, st.Status)
	assert.Contains(t, st.Reason, "rejected credentials")

	// No retry follows a rejection.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, models.Failed, m.State().Status)
}

func TestMaxAttempts_Fails(t *testing.T) {
	t.Parallel()

	refused := errors.New("connection refused")
	d := &fakeDialer{errs: []error{refused, refused, refused, refused, refused}}
	cfg := testConfig()
	cfg.Backoff.MaxAttempts = 3
	m := newTestManager(t, cfg, d)
	require.NoError(t, m.Connect(context.Background()))

	var last models.ConnectionState
	for last.Status != models.Failed {
		last = nextState(t, m)
	}
	assert.Contains(t, last.Reason, "gave up after 3 attempts")
	assert.Equal(t, 3, d.dialCount())
}

func TestSubscribeFailure_ReportedAsSubscriptionError(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{subErr: errors.New("not authorized")}
	m := newTestManager(t, testConfig(), d)
	require.NoError(t, m.Connect(context.Background()))

	nextState(t, m)
	st := nextState(t, m)
	assert.Equal(t, models.Connected, st.Status)
	assert.False(t, st.Subscribed)
	assert.True(t, st.SubscriptionError())
	assert.Equal(t, "not authorized", st.Reason)

	// The next reconnect cycle retries the subscription.
	d.mu.Lock()
	d.subErr = nil
	d.mu.Unlock()
	d.lastConn().onLost(io.EOF)
	assert.Equal(t, models.Reconnecting, nextState(t, m).Status)
	st = nextState(t, m)
	assert.True(t, st.Subscribed)
}

// ---------------------------------------------------------------------------
// teardown
// ---------------------------------------------------------------------------

func TestDisconnect_ReleasesOnceAndClosesEvents(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m, err := New(testConfig(), d, WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	nextState(t, m)
	nextState(t, m)

	var states []models.ConnectionState
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range m.Events() {
			if sc, ok := ev.(StateChanged); ok {
				states = append(states, sc.State)
			}
		}
	}()

	m.Disconnect()
	m.Disconnect()
	<-done

	require.Len(t, states, 1)
	assert.Equal(t, models.Disconnected, states[0].Status)
	assert.Equal(t, 1, d.lastConn().closeCount())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrAlreadyStarted)
}

func TestDisconnect_CancelsPendingRetry(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{errs: []error{errors.New("connection refused")}}
	cfg := testConfig()
	cfg.Backoff = Backoff{Initial: time.Hour}
	m, err := New(cfg, d, WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	nextState(t, m)
	assert.Equal(t, models.Offline, nextState(t, m).Status)

	go func() {
		for range m.Events() {
		}
	}()

	stopped := make(chan struct{})
	go func() {
		m.Disconnect()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not cancel the reconnect timer")
	}
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, models.Disconnected, m.State().Status)
}

func TestDisconnect_BeforeConnect(t *testing.T) {
	t.Parallel()

	m, err := New(testConfig(), &fakeDialer{}, WithLogger(discardLogger()))
	require.NoError(t, err)
	m.Disconnect()

	_, ok := <-m.Events()
	assert.False(t, ok, "events must be closed")
}

func TestDisconnect_UnblocksFullQueue(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m, err := New(testConfig(), d, WithLogger(discardLogger()), WithEventQueueSize(2))
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	waitFor(t, func() bool { return m.State().Status == models.Connected })

	// Connecting and Connected fill the buffer, so this publish blocks.
	published := make(chan struct{})
	go func() {
		d.lastConn().publish(DefaultTopic, `{"heart_rate":75}`)
		close(published)
	}()

	go func() {
		for range m.Events() {
		}
	}()
	m.Disconnect()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("transport goroutine still blocked after Disconnect")
	}
}
