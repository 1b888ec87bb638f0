package models

import (
	"fmt"
	"time"
)

// ConnectionStatus is the coarse state of the broker session.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
	Reconnecting
	// Offline means the last attempt failed and a reconnect is scheduled.
	Offline
	// Failed is terminal: credentials were rejected or retries ran out.
	Failed
)

var statusNames = [...]string{
	Disconnected: "Disconnected",
	Connecting:   "Connecting",
	Connected:    "Connected",
	Reconnecting: "Reconnecting",
	Offline:      "Offline",
	Failed:       "Failed",
}

func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("ConnectionStatus(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText lets the status appear by name in JSON and logs.
func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionState is what the dashboard shows next to the live data.
// Reason carries the failure or loss cause. A Connected state with
// Subscribed=false is a subscription error on a healthy link.
type ConnectionState struct {
	Status     ConnectionStatus `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	Subscribed bool             `json:"subscribed"`
	Since      time.Time        `json:"since"`
}

// SubscriptionError reports whether the link is up but the topic
// subscription failed.
func (c ConnectionState) SubscriptionError() bool {
	return c.Status == Connected && !c.Subscribed
}

// Equal compares everything but Since.
func (c ConnectionState) Equal(o ConnectionState) bool {
	return c.Status == o.Status && c.Reason == o.Reason && c.Subscribed == o.Subscribed
}

func (c ConnectionState) String() string {
	switch {
	case c.SubscriptionError():
		return fmt.Sprintf("Connected (subscription error: %s)", c.Reason)
	case c.Reason != "":
		return fmt.Sprintf("%s: %s", c.Status, c.Reason)
	default:
		return c.Status.String()
	}
}

// AlertState is the debouncer's view of seizure alerting. LastFiredAt is
// the zero time until the first alert.
type AlertState struct {
	Active          bool      `json:"active"`
	LastFiredAt     time.Time `json:"last_fired_at"`
	OccurrenceCount int       `json:"occurrence_count"`
	WindowStartedAt time.Time `json:"window_started_at"`
}

// HasFired reports whether any alert has been raised since start.
func (a AlertState) HasFired() bool {
	return !a.LastFiredAt.IsZero()
}
