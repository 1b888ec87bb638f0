// Package streams mirrors the dashboard's outbound events into a Redis
// stream so remote dashboards and notifiers can follow along.
//
// Publishing never blocks the telemetry client: events are serialized on the
// caller's goroutine, queued without blocking, and written by one worker.
// When the queue is full the event is dropped and counted.
package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/alimk/seizuresafe/pkg/history"
	"github.com/alimk/seizuresafe/pkg/models"
)

const (
	DefaultStream      = "seizuresafe:events"
	DefaultMaxLen      = 10000
	DefaultQueueSize   = 256
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
	// DefaultShutdownTimeout bounds how long Close waits for the queue to
	// drain.
	DefaultShutdownTimeout = 5 * time.Second
)

// Event types written to the "type" field of each stream entry.
const (
	TypeConnection   = "connection_state"
	TypeSample       = "sample"
	TypeAlertRaised  = "alert_raised"
	TypeAlertCleared = "alert_cleared"
)

// Config for the publisher. An empty Addr disables it.
type Config struct {
	Addr        string
	Stream      string
	MaxLen      int64
	QueueSize   int
	MaxAttempts int
	BaseDelay   time.Duration

	ShutdownTimeout time.Duration
}

// Enabled reports whether a Redis address is configured.
func (c Config) Enabled() bool { return c.Addr != "" }

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.MaxLen <= 0 {
		c.MaxLen = DefaultMaxLen
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// NewClient opens a client for cfg.Addr.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr})
}

type entry struct {
	kind string
	data []byte
	at   time.Time
}

// Publisher implements monitor.Handler.
type Publisher struct {
	cfg    Config
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time

	queue chan entry

	// mu guards closed; enqueue holds it shared so Close never closes the
	// queue under a sender.
	mu     sync.RWMutex
	closed bool

	// dropLogAt holds the Unix nanosecond timestamp of the last drop log line.
	dropLogAt atomic.Int64

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New returns a stopped publisher writing through client.
func New(cfg Config, client *redis.Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Publisher{
		cfg:    cfg,
		client: client,
		logger: logger,
		now:    time.Now,
		queue:  make(chan entry, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Ping checks that Redis is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", p.cfg.Addr, err)
	}
	return nil
}

// Start launches the writer. ctx bounds in-flight retries; Close cancels it
// when the shutdown timeout runs out.
func (p *Publisher) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.cancel = cancel
		p.mu.Unlock()
		go p.run(ctx)
	})
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)
	for e := range p.queue {
		queueDepth.Dec()
		if ctx.Err() != nil {
			unsent.Inc()
			continue
		}
		p.publish(ctx, e)
	}
}

// Close stops accepting events and waits up to ShutdownTimeout for queued
// ones to be written. Whatever is still queued after that is counted as
// unsent and abandoned.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		cancel := p.cancel
		p.mu.Unlock()

		if cancel == nil {
			// Never started: nothing will drain the queue.
			n := len(p.queue)
			for range p.queue {
				queueDepth.Dec()
			}
			unsent.Add(float64(n))
			return
		}
		defer cancel()

		timer := time.NewTimer(p.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			p.logger.Warn("stream publisher shutdown timed out, abandoning queued events",
				"stream", p.cfg.Stream,
				"pending", len(p.queue),
				"timeout", p.cfg.ShutdownTimeout.String(),
			)
		}
	})
}

func (p *Publisher) OnConnectionStateChanged(s models.ConnectionState) {
	p.enqueue(TypeConnection, s)
}

func (p *Publisher) OnSampleReceived(s models.TelemetrySample) {
	p.enqueue(TypeSample, s)
}

// OnHistoryUpdated is not mirrored; consumers rebuild history from samples.
func (p *Publisher) OnHistoryUpdated(history.View) {}

func (p *Publisher) OnAlertRaised(s models.TelemetrySample) {
	p.enqueue(TypeAlertRaised, s)
}

func (p *Publisher) OnAlertCleared() {
	p.enqueue(TypeAlertCleared, struct{}{})
}

func (p *Publisher) enqueue(kind string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("failed to encode stream event", "type", kind, "error", err)
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- entry{kind: kind, data: data, at: p.now()}:
		queueDepth.Inc()
	default:
		dropped.Inc()
		p.logDropRateLimited()
	}
}

// logDropRateLimited emits at most one warning per second.
func (p *Publisher) logDropRateLimited() {
	now := time.Now().UnixNano()
	last := p.dropLogAt.Load()
	if now-last >= int64(time.Second) && p.dropLogAt.CompareAndSwap(last, now) {
		p.logger.Warn("stream queue full, event dropped", "stream", p.cfg.Stream, "queue_size", p.cfg.QueueSize)
	}
}

// publish writes one entry, retrying with exponential backoff.
func (p *Publisher) publish(ctx context.Context, e entry) {
	args := &redis.XAddArgs{
		Stream: p.cfg.Stream,
		MaxLen: p.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": e.kind,
			"data": string(e.data),
			"at":   e.at.UnixMilli(),
		},
	}

	var lastErr error
	for attempt := range p.cfg.MaxAttempts {
		if attempt > 0 {
			retries.Inc()
			delay := time.Duration(float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				failures.Inc()
				p.logger.Warn("stream publish cancelled", "type", e.kind, "error", ctx.Err())
				return
			}
		}
		if err := p.client.XAdd(ctx, args).Err(); err != nil {
			lastErr = err
			continue
		}
		published.Inc()
		return
	}
	failures.Inc()
	p.logger.Error("stream publish failed after all retries",
		"stream", p.cfg.Stream,
		"type", e.kind,
		"attempts", p.cfg.MaxAttempts,
		"error", lastErr,
	)
}
