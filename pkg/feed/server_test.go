package feed

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimk/seizuresafe/pkg/history"
	"github.com/alimk/seizuresafe/pkg/models"
	"github.com/alimk/seizuresafe/pkg/monitor"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticSource struct {
	state monitor.State
}

func (s staticSource) Snapshot() monitor.State { return s.state }

// sourceWith returns a source holding one sample per heart rate, received
// one hour apart and ending at now.
func sourceWith(t *testing.T, rates ...float64) staticSource {
	t.Helper()
	w, err := history.New(history.Bound{MaxCount: 1000})
	require.NoError(t, err)
	for i, hr := range rates {
		at := now.Add(-time.Duration(len(rates)-1-i) * time.Hour)
		w.Append(models.TelemetrySample{
			HeartRateBPM: hr,
			Timestamp:    at,
			ReceivedAt:   at,
			Topic:        "seizureSafe/data",
		})
	}
	st := monitor.State{
		Connection: models.ConnectionState{Status: models.Connected, Subscribed: true, Since: now},
		History:    w.Snapshot(),
		Received:   uint64(len(rates)),
	}
	if latest, ok := st.History.Latest(); ok {
		st.Latest = &latest
	}
	return staticSource{state: st}
}

func newTestServer(t *testing.T, src StateSource, hub *Hub) http.Handler {
	t.Helper()
	s := NewServer(src, hub, discardLogger())
	s.now = func() time.Time { return now }
	return s.Handler()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func heartRatesOf(t *testing.T, body io.Reader) []float64 {
	t.Helper()
	var samples []map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&samples))
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		out = append(out, s["heart_rate"].(float64))
	}
	return out
}

// ---------------------------------------------------------------------------
// REST
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, staticSource{}, nil)

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	t.Parallel()
	hub := NewHub(discardLogger())
	h := newTestServer(t, sourceWith(t, 64, 80), hub)

	rec := get(t, h, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["history_len"])
	assert.Equal(t, float64(0), body["stream_subscribers"])
	assert.Equal(t, float64(2), body["messages_received"])
	assert.Equal(t, "Connected", body["connection"].(map[string]any)["status"])
	assert.Equal(t, float64(80), body["latest"].(map[string]any)["heart_rate"])
	assert.NotContains(t, body, "History")
}

func TestLastTelemetry(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		rec := get(t, newTestServer(t, staticSource{}, nil), "/api/v1/telemetry/last")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"no_telemetry","message":"no telemetry received"}`, rec.Body.String())
	})

	t.Run("newest sample", func(t *testing.T) {
		t.Parallel()
		rec := get(t, newTestServer(t, sourceWith(t, 64, 91), nil), "/api/v1/telemetry/last")
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, float64(91), body["heart_rate"])
		assert.Nil(t, body["battery"])
	})
}

func TestRecentTelemetry(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, sourceWith(t, 60, 61, 62, 63), nil)

	tests := []struct {
		name  string
		query string
		want  []float64
	}{
		{"default limit", "", []float64{63, 62, 61, 60}},
		{"limit", "?limit=2", []float64{63, 62}},
		{"zero clamps to one", "?limit=0", []float64{63}},
		{"garbage clamps to one", "?limit=abc", []float64{63}},
		{"above max", "?limit=100000", []float64{63, 62, 61, 60}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := get(t, h, "/api/v1/telemetry/recent"+tc.query)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tc.want, heartRatesOf(t, rec.Body))
		})
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	// Samples at now-3h, now-2h, now-1h and now.
	h := newTestServer(t, sourceWith(t, 60, 70, 80, 90), nil)

	tests := []struct {
		path string
		want []float64
	}{
		{"/api/v1/history/1", []float64{80, 90}},
		{"/api/v1/history/2", []float64{70, 80, 90}},
		{"/api/v1/history/168", []float64{60, 70, 80, 90}},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()
			rec := get(t, h, tc.path)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tc.want, heartRatesOf(t, rec.Body))
		})
	}
}

func TestHistory_EmptyIsArray(t *testing.T) {
	t.Parallel()
	rec := get(t, newTestServer(t, staticSource{}, nil), "/api/v1/history/24")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestHistory_InvalidHours(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, staticSource{}, nil)
	route := "/api/v1/history/{hours:[0-9]+}"
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, route, "400"))

	for _, path := range []string{"/api/v1/history/0", "/api/v1/history/169"} {
		rec := get(t, h, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Contains(t, rec.Body.String(), `"invalid_hours"`)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, route, "400"))
	assert.GreaterOrEqual(t, after-before, 2.0)

	// Non-numeric hours never match the route.
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/v1/history/abc").Code)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, staticSource{}, nil)

	rec := get(t, h, "/api/v1/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not_found","message":"no such route"}`, rec.Body.String())

	for _, path := range []string{"/api/v1/status", "/api/v1/history/3", "/healthz"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
		assert.JSONEq(t, `{"error":"method_not_allowed","message":"method not allowed"}`, rec.Body.String(), path)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, staticSource{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

func dialStream(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(newTestServer(t, staticSource{}, hub))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStream_DeliversEnvelopes(t *testing.T) {
	t.Parallel()
	hub := NewHub(discardLogger())
	t.Cleanup(hub.Close)
	conn := dialStream(t, hub)
	require.Equal(t, 1, hub.Len())

	hub.OnConnectionStateChanged(models.ConnectionState{Status: models.Connected, Subscribed: true})
	hub.OnAlertRaised(models.TelemetrySample{HeartRateBPM: 93, SeizureDetected: true, Timestamp: now, ReceivedAt: now})
	hub.OnAlertCleared()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []string
	for range 3 {
		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&env))
		got = append(got, env.Type)
		if env.Type == EventAlertRaised {
			assert.Contains(t, string(env.Data), `"heart_rate":93`)
		}
	}
	assert.Equal(t, []string{EventConnection, EventAlertRaised, EventAlertCleared}, got)
}

func TestStream_HistorySummary(t *testing.T) {
	t.Parallel()
	hub := NewHub(discardLogger())
	t.Cleanup(hub.Close)
	conn := dialStream(t, hub)

	hub.OnHistoryUpdated(sourceWith(t, 70, 85).state.History)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Type string `json:"type"`
		Data struct {
			Len   int `json:"len"`
			Delta struct {
				BPM   float64 `json:"bpm"`
				Trend bool    `json:"trend"`
			} `json:"heart_rate_delta"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, EventHistory, env.Type)
	assert.Equal(t, 2, env.Data.Len)
	assert.Equal(t, 15.0, env.Data.Delta.BPM)
	assert.True(t, env.Data.Delta.Trend)
}

func TestStream_HubCloseDisconnects(t *testing.T) {
	t.Parallel()
	hub := NewHub(discardLogger())
	conn := dialStream(t, hub)

	hub.Close()
	assert.Equal(t, 0, hub.Len())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestStream_RefusedAfterClose(t *testing.T) {
	t.Parallel()
	hub := NewHub(discardLogger())
	hub.Close()

	rec := get(t, newTestServer(t, staticSource{}, hub), "/api/v1/stream")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	hub := NewHub(discardLogger())
	t.Cleanup(hub.Close)
	sub, ok := hub.subscribe()
	require.True(t, ok)

	before := testutil.ToFloat64(streamDropped)
	for range subscriberBuffer + 10 {
		hub.OnAlertCleared()
	}
	assert.Len(t, sub.ch, subscriberBuffer)
	assert.GreaterOrEqual(t, testutil.ToFloat64(streamDropped)-before, 10.0)
}
