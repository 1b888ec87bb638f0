package streams

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	published = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seizuresafe_stream_published_total",
		Help: "Total events written to the Redis stream.",
	})
	failures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seizuresafe_stream_publish_failures_total",
		Help: "Total events that could not be written after all retries.",
	})
	retries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seizuresafe_stream_publish_retries_total",
		Help: "Total individual retry attempts (not counting first attempt).",
	})
	dropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seizuresafe_stream_dropped_total",
		Help: "Total events dropped because the publish queue was full.",
	})
	unsent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seizuresafe_stream_unsent_total",
		Help: "Total queued events abandoned at shutdown.",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seizuresafe_stream_queue_depth",
		Help: "Current number of events waiting to be written.",
	})
)
