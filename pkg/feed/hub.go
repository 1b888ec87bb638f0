package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alimk/seizuresafe/pkg/history"
	"github.com/alimk/seizuresafe/pkg/models"
)

// Envelope types pushed to stream subscribers.
const (
	EventConnection   = "connection_state"
	EventSample       = "sample"
	EventHistory      = "history"
	EventAlertRaised  = "alert_raised"
	EventAlertCleared = "alert_cleared"
)

const (
	subscriberBuffer = 64
	writeWait        = 5 * time.Second
	pingPeriod       = 30 * time.Second
)

var streamDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "seizuresafe_feed_stream_dropped_total",
	Help: "Total stream messages dropped because a subscriber was too slow.",
})

// Envelope is one message on the live stream.
type Envelope struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

type historySummary struct {
	Len    int            `json:"len"`
	Delta  *history.Delta `json:"heart_rate_delta"`
	Oldest *time.Time     `json:"oldest_received_at"`
}

type subscriber struct {
	ch chan []byte
}

// Hub fans the telemetry client's events out to WebSocket subscribers. It
// implements monitor.Handler and never blocks the caller: a subscriber that
// falls behind loses messages.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		now:    time.Now,
		subs:   make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Same policy as the REST routes: any origin may read.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}

func (h *Hub) OnConnectionStateChanged(s models.ConnectionState) {
	h.broadcast(EventConnection, s)
}

func (h *Hub) OnSampleReceived(s models.TelemetrySample) {
	h.broadcast(EventSample, s)
}

func (h *Hub) OnHistoryUpdated(v history.View) {
	summary := historySummary{Len: v.Len()}
	if d, ok := v.HeartRateDelta(); ok {
		summary.Delta = &d
	}
	if v.Len() > 0 {
		oldest := v.At(0).ReceivedAt
		summary.Oldest = &oldest
	}
	h.broadcast(EventHistory, summary)
}

func (h *Hub) OnAlertRaised(s models.TelemetrySample) {
	h.broadcast(EventAlertRaised, s)
}

func (h *Hub) OnAlertCleared() {
	h.broadcast(EventAlertCleared, nil)
}

func (h *Hub) broadcast(kind string, data any) {
	msg, err := json.Marshal(Envelope{Type: kind, Data: data, At: h.now()})
	if err != nil {
		h.logger.Error("failed to encode stream message", "type", kind, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			streamDropped.Inc()
		}
	}
}

func (h *Hub) subscribe() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	h.subs[sub] = struct{}{}
	return sub, true
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// ServeWS upgrades the request and streams envelopes until the peer goes
// away or the hub closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscribe()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "stream is closed")
		return
	}
	defer h.unsubscribe(sub)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	h.logger.Info("stream subscriber connected", "remote", r.RemoteAddr)

	// The read side only exists to process control frames and notice the
	// peer closing.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-sub.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-peerGone:
			h.logger.Info("stream subscriber disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
