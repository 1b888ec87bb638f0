// Package brokertest provides an in-memory broker.Dialer for tests.
package brokertest

import (
	"context"
	"sync"
	"time"

	"github.com/alimk/seizuresafe/pkg/broker"
)

// Dialer records every dial. Queued errors are returned first, in order;
// afterwards every dial yields a new Conn.
type Dialer struct {
	mu     sync.Mutex
	errs   []error
	subErr error
	dials  int
	conns  []*Conn
	newCh  chan *Conn
}

// NewDialer returns a Dialer that fails with errs before succeeding.
func NewDialer(errs ...error) *Dialer {
	return &Dialer{errs: errs, newCh: make(chan *Conn, 16)}
}

// FailSubscriptions makes later connections refuse subscriptions with err.
// A nil err restores normal behavior.
func (d *Dialer) FailSubscriptions(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subErr = err
}

func (d *Dialer) Dial(ctx context.Context, _ broker.Config, _ string, onLost func(error)) (broker.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	c := &Conn{handlers: map[string]broker.MessageHandler{}, subErr: d.subErr, onLost: onLost}
	d.conns = append(d.conns, c)
	select {
	case d.newCh <- c:
	default:
	}
	return c, nil
}

// Dials returns the number of Dial calls so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// NextConn waits for the next established connection.
func (d *Dialer) NextConn(timeout time.Duration) (*Conn, bool) {
	select {
	case c := <-d.newCh:
		return c, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Conn is an in-memory broker.Conn.
type Conn struct {
	mu       sync.Mutex
	handlers map[string]broker.MessageHandler
	subErr   error
	closes   int
	onLost   func(error)
}

func (c *Conn) Subscribe(topic string, _ byte, h broker.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return c.subErr
	}
	c.handlers[topic] = h
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
}

// Publish delivers payload to the handler subscribed to topic, if any, on
// the calling goroutine. It reports whether a handler was found.
func (c *Conn) Publish(topic string, payload []byte) bool {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	h(topic, data)
	return true
}

// Drop simulates a transport loss.
func (c *Conn) Drop(err error) {
	c.onLost(err)
}

// Closes returns how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}
