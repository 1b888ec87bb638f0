// Package feed serves the dashboard state over HTTP and pushes live events
// to WebSocket subscribers.
package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/alimk/seizuresafe/pkg/models"
	"github.com/alimk/seizuresafe/pkg/monitor"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 500
	maxHistoryHours    = 24 * 7
)

// StateSource is satisfied by *monitor.Client.
type StateSource interface {
	Snapshot() monitor.State
}

// Server holds the HTTP handlers.
type Server struct {
	source StateSource
	hub    *Hub
	logger *slog.Logger
	now    func() time.Time
}

// NewServer returns a server reading from source and streaming from hub.
func NewServer(source StateSource, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{source: source, hub: hub, logger: logger, now: time.Now}
}

// Handler returns the routed handler with CORS, panic recovery and request
// logging applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	api.HandleFunc("/telemetry/last", s.lastHandler).Methods(http.MethodGet)
	api.HandleFunc("/telemetry/recent", s.recentHandler).Methods(http.MethodGet)
	api.HandleFunc("/history/{hours:[0-9]+}", s.historyHandler).Methods(http.MethodGet)
	if s.hub != nil {
		api.HandleFunc("/stream", s.hub.ServeWS).Methods(http.MethodGet)
	}

	// A subrouter answers mismatches itself, so both routers get the JSON
	// handlers.
	for _, router := range []*mux.Router{r, api} {
		router.NotFoundHandler = http.HandlerFunc(notFoundHandler)
		router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)
	}
	r.Use(s.loggingMiddleware)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s}),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(cors(r))
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// statusResponse is the body of GET /api/v1/status.
type statusResponse struct {
	monitor.State
	HistoryLen  int `json:"history_len"`
	Subscribers int `json:"stream_subscribers"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func notFoundHandler(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not_found", "no such route")
}

func methodNotAllowedHandler(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	st := s.source.Snapshot()
	resp := statusResponse{State: st, HistoryLen: st.HistoryLen()}
	if s.hub != nil {
		resp.Subscribers = s.hub.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) lastHandler(w http.ResponseWriter, _ *http.Request) {
	latest, ok := s.source.Snapshot().History.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no_telemetry", "no telemetry received")
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

// recentHandler serves GET /api/v1/telemetry/recent[?limit=N], newest first.
func (s *Server) recentHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			n = 1
		} else if n > maxRecentLimit {
			n = maxRecentLimit
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.source.Snapshot().History.Recent(limit))
}

// historyHandler serves GET /api/v1/history/{hours}: samples received in the
// last N hours, oldest first.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	hours, err := strconv.Atoi(mux.Vars(r)["hours"])
	if err != nil || hours < 1 || hours > maxHistoryHours {
		writeError(w, http.StatusBadRequest, "invalid_hours",
			"hours must be between 1 and "+strconv.Itoa(maxHistoryHours))
		return
	}
	since := s.now().Add(-time.Duration(hours) * time.Hour)
	samples := s.source.Snapshot().History.Since(since)
	if samples == nil {
		samples = []models.TelemetrySample{}
	}
	writeJSON(w, http.StatusOK, samples)
}
