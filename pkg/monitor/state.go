package monitor

import (
	"github.com/alimk/seizuresafe/pkg/history"
	"github.com/alimk/seizuresafe/pkg/models"
)

// State is an immutable snapshot of what the dashboard shows. A new value is
// published after every event; fields are never modified in place.
type State struct {
	Connection models.ConnectionState  `json:"connection"`
	Latest     *models.TelemetrySample `json:"latest"`
	Delta      *history.Delta          `json:"heart_rate_delta"`
	History    history.View            `json:"-"`
	Alert      models.AlertState       `json:"alert"`

	// Received counts every message taken off the broker, Malformed the
	// ones that were dropped.
	Received  uint64 `json:"messages_received"`
	Malformed uint64 `json:"messages_malformed"`
}

// HistoryLen is a convenience for status endpoints.
func (s State) HistoryLen() int { return s.History.Len() }
