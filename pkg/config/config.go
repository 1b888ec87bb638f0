// Package config loads process configuration from the environment, with an
// optional YAML file underneath. Environment variables always win.
//
// Invalid values are logged and replaced by their defaults so that a typo in
// an optional setting never keeps the dashboard from connecting. Only values
// a broker session cannot start with are returned as errors.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/alimk/seizuresafe/pkg/alert"
	"github.com/alimk/seizuresafe/pkg/broker"
	"github.com/alimk/seizuresafe/pkg/history"
	"github.com/alimk/seizuresafe/pkg/monitor"
	"github.com/alimk/seizuresafe/pkg/streams"
)

// ErrInvalid wraps every configuration error returned by Load.
var ErrInvalid = errors.New("invalid configuration")

// Recognized keys. YAML files use the same names in lower case.
const (
	KeyMQTTScheme         = "MQTT_SCHEME"
	KeyMQTTHost           = "MQTT_HOST"
	KeyMQTTPort           = "MQTT_PORT"
	KeyMQTTPath           = "MQTT_PATH"
	KeyMQTTUsername       = "MQTT_USERNAME"
	KeyMQTTPassword       = "MQTT_PASSWORD"
	KeyMQTTTopic          = "MQTT_TOPIC"
	KeyMQTTDebugTopic     = "MQTT_DEBUG_TOPIC"
	KeyMQTTQoS            = "MQTT_QOS"
	KeyMQTTClientIDPrefix = "MQTT_CLIENT_ID_PREFIX"
	KeyReconnectInterval  = "RECONNECT_INTERVAL"
	KeyReconnectMax       = "RECONNECT_MAX_INTERVAL"
	KeyReconnectAttempts  = "RECONNECT_MAX_ATTEMPTS"
	KeyConnectTimeout     = "CONNECT_TIMEOUT"
	KeyDebounceInterval   = "DEBOUNCE_INTERVAL"
	KeyAlertCountWindow   = "ALERT_COUNT_WINDOW"
	KeyHistoryPolicy      = "HISTORY_POLICY"
	KeyHistoryMaxAge      = "HISTORY_MAX_AGE"
	KeyHistoryMaxCount    = "HISTORY_MAX_COUNT"
	KeyEventQueueSize     = "EVENT_QUEUE_SIZE"
	KeyHTTPAddr           = "HTTP_ADDR"
	KeyMetricsAddr        = "METRICS_ADDR"
	KeyRedisAddr          = "REDIS_ADDR"
	KeyRedisStream        = "REDIS_STREAM"
	KeyRedisStreamMaxLen  = "REDIS_STREAM_MAXLEN"
	KeyLogLevel           = "LOG_LEVEL"
	KeyShutdownTimeout    = "SHUTDOWN_TIMEOUT"
)

const (
	PolicyAge   = "age"
	PolicyCount = "count"

	DefaultHTTPAddr        = ":8080"
	DefaultMetricsAddr     = ":9090"
	DefaultHistoryMaxAge   = 24 * time.Hour
	DefaultHistoryMaxCount = 20
	DefaultShutdownTimeout = 10 * time.Second
)

// Config is the monitor process configuration.
type Config struct {
	Monitor     monitor.Config
	HTTPAddr    string
	MetricsAddr string
	Redis       streams.Config
	LogLevel    slog.Level

	// ShutdownTimeout bounds each shutdown step: draining the stream
	// publisher and stopping the HTTP servers.
	ShutdownTimeout time.Duration
}

// Load reads the environment and, when file is not empty, a YAML file.
// Warnings about fallbacks go to logger.
func Load(file string, logger *slog.Logger) (Config, error) {
	l, err := newLoader(file, logger)
	if err != nil {
		return Config{}, err
	}

	shutdown := l.duration(KeyShutdownTimeout, DefaultShutdownTimeout, false)
	cfg := Config{
		Monitor: monitor.Config{
			Broker:         l.broker("dashboard_"),
			Alert:          l.alertPolicy(),
			History:        l.historyBound(),
			EventQueueSize: l.positiveInt(KeyEventQueueSize, broker.DefaultEventQueueSize),
		},
		HTTPAddr:    l.str(KeyHTTPAddr, DefaultHTTPAddr),
		MetricsAddr: l.str(KeyMetricsAddr, DefaultMetricsAddr),
		Redis: streams.Config{
			Addr:   l.str(KeyRedisAddr, ""),
			Stream: l.str(KeyRedisStream, streams.DefaultStream),
			MaxLen: int64(l.positiveInt(KeyRedisStreamMaxLen, streams.DefaultMaxLen)),

			ShutdownTimeout: shutdown,
		},
		LogLevel:        l.level(),
		ShutdownTimeout: shutdown,
	}

	if err := cfg.Monitor.Broker.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// loader wraps a private viper instance so concurrent Loads (and tests)
// never share global state.
type loader struct {
	v      *viper.Viper
	logger *slog.Logger
}

func newLoader(file string, logger *slog.Logger) (*loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config file %s: %v", ErrInvalid, file, err)
		}
		logger.Info("using config file", "path", v.ConfigFileUsed())
	}
	return &loader{v: v, logger: logger}, nil
}

// raw returns the trimmed value for key, or "" when unset.
func (l *loader) raw(key string) string {
	return strings.TrimSpace(l.v.GetString(key))
}

func (l *loader) warn(key, value string, def any) {
	l.logger.Warn("invalid config value, using default", "key", key, "value", value, "default", def)
}

func (l *loader) str(key, def string) string {
	if v := l.raw(key); v != "" {
		return v
	}
	return def
}

// secret reads a value without ever logging it.
func (l *loader) secret(key string) string {
	return l.v.GetString(key)
}

func (l *loader) positiveInt(key string, def int) int {
	raw := l.raw(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		l.warn(key, raw, def)
		return def
	}
	return n
}

// nonNegativeInt accepts 0, which several keys use to mean "unbounded".
func (l *loader) nonNegativeInt(key string, def int) int {
	raw := l.raw(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		l.warn(key, raw, def)
		return def
	}
	return n
}

func (l *loader) duration(key string, def time.Duration, allowZero bool) time.Duration {
	raw := l.raw(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err == nil && d == 0 && allowZero {
		return 0
	}
	if err != nil || d <= 0 {
		l.warn(key, raw, def.String())
		return def
	}
	return d
}

func (l *loader) broker(defaultPrefix string) broker.Config {
	qos := l.nonNegativeInt(KeyMQTTQoS, broker.DefaultQoS)
	if qos > 2 {
		l.warn(KeyMQTTQoS, strconv.Itoa(qos), broker.DefaultQoS)
		qos = broker.DefaultQoS
	}
	scheme := strings.ToLower(l.str(KeyMQTTScheme, broker.DefaultScheme))

	return broker.Config{
		Scheme:         scheme,
		Host:           l.str(KeyMQTTHost, broker.DefaultHost),
		Port:           l.positiveInt(KeyMQTTPort, broker.DefaultPort),
		Path:           l.str(KeyMQTTPath, broker.DefaultPath),
		Username:       l.secret(KeyMQTTUsername),
		Password:       l.secret(KeyMQTTPassword),
		Topic:          l.str(KeyMQTTTopic, broker.DefaultTopic),
		DebugTopic:     l.raw(KeyMQTTDebugTopic),
		QoS:            byte(qos),
		ClientIDPrefix: l.str(KeyMQTTClientIDPrefix, defaultPrefix),
		ConnectTimeout: l.duration(KeyConnectTimeout, broker.DefaultConnectTimeout, false),
		Backoff: broker.Backoff{
			Initial:     l.duration(KeyReconnectInterval, broker.DefaultRetryInterval, false),
			Max:         l.duration(KeyReconnectMax, 0, true),
			MaxAttempts: l.nonNegativeInt(KeyReconnectAttempts, 0),
		},
	}
}

func (l *loader) alertPolicy() alert.Policy {
	return alert.Policy{
		DebounceInterval: l.duration(KeyDebounceInterval, alert.DefaultDebounceInterval, false),
		CountWindow:      l.duration(KeyAlertCountWindow, alert.DefaultCountWindow, false),
	}
}

// historyBound builds the single eviction policy HISTORY_POLICY selects.
func (l *loader) historyBound() history.Bound {
	policy := strings.ToLower(l.str(KeyHistoryPolicy, PolicyAge))
	switch policy {
	case PolicyAge, PolicyCount:
	default:
		l.warn(KeyHistoryPolicy, policy, PolicyAge)
		policy = PolicyAge
	}
	if policy == PolicyCount {
		return history.Bound{MaxCount: l.positiveInt(KeyHistoryMaxCount, DefaultHistoryMaxCount)}
	}
	return history.Bound{MaxAge: l.duration(KeyHistoryMaxAge, DefaultHistoryMaxAge, false)}
}

func (l *loader) level() slog.Level {
	raw := l.raw(KeyLogLevel)
	if raw == "" {
		return slog.LevelInfo
	}
	lvl, err := ParseLevel(raw)
	if err != nil {
		l.warn(KeyLogLevel, raw, "info")
		return slog.LevelInfo
	}
	return lvl
}
