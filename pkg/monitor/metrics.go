package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seizuresafe_messages_received_total",
		Help: "Total telemetry messages received from the broker.",
	})
	decodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seizuresafe_messages_malformed_total",
		Help: "Total messages dropped because they failed to decode or validate.",
	})
	alertDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seizuresafe_alert_decisions_total",
		Help: "Seizure alert decisions by outcome (raised, suppressed, cleared).",
	}, []string{"decision"})
	historySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seizuresafe_history_samples",
		Help: "Samples currently held in the history window.",
	})
	occurrenceCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seizuresafe_alert_occurrences",
		Help: "Seizure alerts raised in the current counting window.",
	})
	heartRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seizuresafe_heart_rate_bpm",
		Help: "Most recent heart rate reading.",
	})
)
