package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alimk/seizuresafe/pkg/broker"
)

// Simulator keys. Broker settings reuse the MQTT_* keys.
const (
	KeySimInterval      = "SIM_INTERVAL"
	KeySimEpisodeEvery  = "SIM_EPISODE_EVERY"
	KeySimEpisodeLength = "SIM_EPISODE_LENGTH"
	KeySimFallChance    = "SIM_FALL_PROBABILITY"
	KeySimBatteryDrain  = "SIM_BATTERY_DRAIN"
	KeySimMetricsAddr   = "SIM_METRICS_ADDR"
)

// SimulatorConfig drives the bracelet simulator.
type SimulatorConfig struct {
	Broker        broker.Config
	Interval      time.Duration
	EpisodeEvery  time.Duration
	EpisodeLength time.Duration
	FallChance    float64 // per sample during an episode
	BatteryDrain  float64 // percent per sample
	MetricsAddr   string
	LogLevel      slog.Level
}

// LoadSimulator reads the simulator configuration the same way Load does.
func LoadSimulator(file string, logger *slog.Logger) (SimulatorConfig, error) {
	l, err := newLoader(file, logger)
	if err != nil {
		return SimulatorConfig{}, err
	}
	interval := l.duration(KeySimInterval, 3*time.Second, false)
	cfg := SimulatorConfig{
		Broker:        l.broker("bracelet_"),
		Interval:      interval,
		EpisodeEvery:  l.duration(KeySimEpisodeEvery, 20*time.Second, false),
		EpisodeLength: l.duration(KeySimEpisodeLength, interval, false),
		FallChance:    l.fraction(KeySimFallChance, 0.3),
		BatteryDrain:  l.fraction(KeySimBatteryDrain, 0.05),
		MetricsAddr:   l.str(KeySimMetricsAddr, ":9091"),
		LogLevel:      l.level(),
	}
	if err := cfg.Broker.Validate(); err != nil {
		return SimulatorConfig{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.EpisodeLength > cfg.EpisodeEvery {
		l.warn(KeySimEpisodeLength, cfg.EpisodeLength.String(), cfg.EpisodeEvery.String())
		cfg.EpisodeLength = cfg.EpisodeEvery
	}
	return cfg, nil
}

// fraction reads a number in [0, 1].
func (l *loader) fraction(key string, def float64) float64 {
	raw := l.raw(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || f > 1 {
		l.warn(key, raw, def)
		return def
	}
	return f
}
