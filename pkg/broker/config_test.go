package broker

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBrokerURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"default tcp", func(*Config) {}, "tcp://localhost:1883"},
		{"ssl", func(c *Config) { c.Scheme = "ssl"; c.Port = 8883 }, "ssl://localhost:8883"},
		{"websocket default path", func(c *Config) { c.Scheme = "ws"; c.Port = 8080; c.Path = "" }, "ws://localhost:8080/mqtt"},
		{"secure websocket custom path", func(c *Config) { c.Scheme = "wss"; c.Port = 443; c.Path = "ws" }, "wss://localhost:443/ws"},
		{"tcp ignores path", func(c *Config) { c.Path = "/ignored" }, "tcp://localhost:1883"},
		{"ipv6 host", func(c *Config) { c.Host = "::1" }, "tcp://[::1]:1883"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Equal(t, tc.want, cfg.BrokerURL())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"empty credentials allowed", func(c *Config) { c.Username, c.Password = "", "" }, true},
		{"unknown scheme", func(c *Config) { c.Scheme = "http" }, false},
		{"empty host", func(c *Config) { c.Host = " " }, false},
		{"port zero", func(c *Config) { c.Port = 0 }, false},
		{"port too large", func(c *Config) { c.Port = 70000 }, false},
		{"empty topic", func(c *Config) { c.Topic = "" }, false},
		{"wildcard topic", func(c *Config) { c.Topic = "seizureSafe/#" }, false},
		{"qos 3", func(c *Config) { c.QoS = 3 }, false},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }, false},
		{"zero retry interval", func(c *Config) { c.Backoff.Initial = 0 }, false},
		{"negative max attempts", func(c *Config) { c.Backoff.MaxAttempts = -1 }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errInvalidConfig)
			}
		})
	}
}

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()

	fixed := Backoff{Initial: 2 * time.Second}
	for _, n := range []int{1, 2, 10, 100} {
		assert.Equal(t, 2*time.Second, fixed.Delay(n), "fixed policy, failure %d", n)
	}

	exp := Backoff{Initial: 500 * time.Millisecond, Max: 5 * time.Second}
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, exp.Delay(i+1), "exponential policy, failure %d", i+1)
	}
	assert.Equal(t, 5*time.Second, exp.Delay(1000), "large failure counts stay capped")
}

func TestBackoff_Exhausted(t *testing.T) {
	t.Parallel()

	assert.False(t, Backoff{Initial: time.Second}.Exhausted(1_000_000), "unbounded by default")
	b := Backoff{Initial: time.Second, MaxAttempts: 3}
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
}
