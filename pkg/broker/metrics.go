package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seizuresafe_broker_connect_attempts_total",
		Help: "Total broker connect attempts, including the first.",
	})
	attemptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seizuresafe_broker_connect_failures_total",
		Help: "Total broker connect attempts that failed.",
	})
	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seizuresafe_broker_connection_lost_total",
		Help: "Total established connections lost and scheduled for reconnect.",
	})
	subscribeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seizuresafe_broker_subscribe_failures_total",
		Help: "Total telemetry topic subscriptions refused or timed out.",
	})
	statusGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seizuresafe_broker_connection_status",
		Help: "Current connection status (0=Disconnected 1=Connecting 2=Connected 3=Reconnecting 4=Offline 5=Failed).",
	})
)
