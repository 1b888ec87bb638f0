package broker

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

// Defaults match the dashboard deployments.
const (
	DefaultScheme         = "tcp"
	DefaultHost           = "localhost"
	DefaultPort           = 1883
	DefaultPath           = "/mqtt"
	DefaultTopic          = "seizureSafe/data"
	DefaultQoS            = 1
	DefaultClientIDPrefix = "dashboard_"
	DefaultConnectTimeout = 5 * time.Second
	DefaultRetryInterval  = 2 * time.Second
)

var errInvalidConfig = errors.New("invalid broker config")

// Config describes one broker session. Credentials come from the caller's
// configuration and are never hard-coded.
type Config struct {
	Scheme   string // tcp, ssl, ws or wss
	Host     string
	Port     int
	Path     string // used by ws and wss only
	Username string
	Password string

	Topic      string
	DebugTopic string // optional diagnostic subscription, e.g. "#"
	QoS        byte

	ClientIDPrefix string
	ConnectTimeout time.Duration
	Backoff        Backoff
}

// DefaultConfig returns a config pointing at a local broker.
func DefaultConfig() Config {
	return Config{
		Scheme:         DefaultScheme,
		Host:           DefaultHost,
		Port:           DefaultPort,
		Path:           DefaultPath,
		Topic:          DefaultTopic,
		QoS:            DefaultQoS,
		ClientIDPrefix: DefaultClientIDPrefix,
		ConnectTimeout: DefaultConnectTimeout,
		Backoff:        Backoff{Initial: DefaultRetryInterval},
	}
}

// BrokerURL renders the broker address in the form paho expects.
func (c Config) BrokerURL() string {
	hostPort := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	switch c.Scheme {
	case "ws", "wss":
		path := c.Path
		if path == "" {
			path = DefaultPath
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		return c.Scheme + "://" + hostPort + path
	default:
		return c.Scheme + "://" + hostPort
	}
}

// Validate checks the fields a session cannot start without.
func (c Config) Validate() error {
	switch c.Scheme {
	case "tcp", "ssl", "ws", "wss":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", errInvalidConfig, c.Scheme)
	}
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: host is required", errInvalidConfig)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", errInvalidConfig, c.Port)
	}
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("%w: topic is required", errInvalidConfig)
	}
	if strings.ContainsAny(c.Topic, "+#") {
		return fmt.Errorf("%w: telemetry topic %q must not contain wildcards", errInvalidConfig, c.Topic)
	}
	if c.QoS > 2 {
		return fmt.Errorf("%w: qos %d out of range", errInvalidConfig, c.QoS)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect timeout must be positive", errInvalidConfig)
	}
	return c.Backoff.Validate()
}

// Backoff is the reconnect policy. Retries are unbounded unless MaxAttempts
// is positive.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration // <= Initial means a fixed interval
	MaxAttempts int
}

func (b Backoff) Validate() error {
	if b.Initial <= 0 {
		return fmt.Errorf("%w: reconnect interval must be positive", errInvalidConfig)
	}
	if b.Max < 0 || b.MaxAttempts < 0 {
		return fmt.Errorf("%w: reconnect max interval and max attempts must not be negative", errInvalidConfig)
	}
	return nil
}

// Delay returns the wait after the given number of consecutive failures
// (1-based): Initial, then doubling up to Max.
func (b Backoff) Delay(failures int) time.Duration {
	if b.Max <= b.Initial || failures <= 1 {
		return b.Initial
	}
	d := float64(b.Initial) * math.Pow(2, float64(failures-1))
	if d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether failures has reached the attempt cap.
func (b Backoff) Exhausted(failures int) bool {
	return b.MaxAttempts > 0 && failures >= b.MaxAttempts
}
