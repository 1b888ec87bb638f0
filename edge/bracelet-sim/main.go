package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alimk/seizuresafe/pkg/config"
	"github.com/alimk/seizuresafe/pkg/models"
)

var version = "dev"

var (
	publishSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bracelet_publish_success_total",
		Help: "Total number of telemetry messages successfully published to MQTT.",
	})
	publishFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bracelet_publish_failure_total",
		Help: "Total number of telemetry publish attempts that returned an error.",
	})
	publishTimeout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bracelet_publish_timeout_total",
		Help: "Total number of telemetry publish attempts that timed out waiting for ack.",
	})
	episodesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bracelet_seizure_episodes_total",
		Help: "Total number of simulated seizure episodes.",
	})
)

const (
	restMinBPM    = 60
	restMaxBPM    = 70
	episodeMinBPM = 85
	episodeMaxBPM = 95

	timestampLayout = "15:04:05"
)

// ---------------------------------------------------------------------------
// Bracelet model
// ---------------------------------------------------------------------------

// bracelet produces readings. At rest the heart rate drifts by at most 2 bpm
// per sample inside [60, 70]; every EpisodeEvery a seizure episode lasting
// EpisodeLength reports 85-95 bpm with a random fall flag.
type bracelet struct {
	rng       *rand.Rand
	start     time.Time
	every     time.Duration
	length    time.Duration
	fall      float64
	drain     float64
	heartRate float64
	battery   float64
	inEpisode bool
}

func newBracelet(cfg config.SimulatorConfig, rng *rand.Rand, start time.Time) *bracelet {
	return &bracelet{
		rng:       rng,
		start:     start,
		every:     cfg.EpisodeEvery,
		length:    cfg.EpisodeLength,
		fall:      cfg.FallChance,
		drain:     cfg.BatteryDrain,
		heartRate: 65,
		battery:   100,
	}
}

// episodeAt reports whether now falls inside a seizure episode. The first
// episode starts one full period after start.
func (b *bracelet) episodeAt(now time.Time) bool {
	elapsed := now.Sub(b.start)
	if elapsed < b.every {
		return false
	}
	return elapsed%b.every < b.length
}

// jitter returns an integer in [-2, 2].
func (b *bracelet) jitter() float64 {
	return float64(b.rng.Intn(5) - 2)
}

func (b *bracelet) next(now time.Time) models.TelemetryMessage {
	episode := b.episodeAt(now)
	if episode && !b.inEpisode {
		episodesStarted.Inc()
	}
	b.inEpisode = episode

	fall := false
	if episode {
		b.heartRate = float64(episodeMinBPM + b.rng.Intn(episodeMaxBPM-episodeMinBPM+1))
		fall = b.rng.Float64() < b.fall
	} else {
		b.heartRate = clamp(b.heartRate+b.jitter(), restMinBPM, restMaxBPM)
	}
	previous := b.heartRate - b.jitter()

	b.battery -= b.drain
	if b.battery < 0 {
		b.battery = 0
	}
	battery := b.battery

	return models.TelemetryMessage{
		HeartRate:         b.heartRate,
		PreviousHeartRate: &previous,
		FallDetected:      fall,
		SeizureDetected:   episode,
		Timestamp:         now.Format(timestampLayout),
		Battery:           &battery,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ---------------------------------------------------------------------------
// MQTT
// ---------------------------------------------------------------------------

func newMQTTClient(cfg config.SimulatorConfig, logger *slog.Logger) (mqtt.Client, error) {
	url := cfg.Broker.BrokerURL()
	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(cfg.Broker.ClientIDPrefix + uuid.NewString()).
		SetConnectTimeout(cfg.Broker.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.Broker.Backoff.Initial).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("connected to MQTT broker", "broker", url)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost, reconnecting", "error", err)
		})
	if cfg.Broker.Username != "" {
		opts.SetUsername(cfg.Broker.Username)
		opts.SetPassword(cfg.Broker.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("MQTT connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect failed: %w", err)
	}
	return client, nil
}

func publish(client mqtt.Client, topic string, qos byte, msg models.TelemetryMessage, logger *slog.Logger) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal telemetry", "error", err)
		return
	}
	token := client.Publish(topic, qos, false, payload)
	if ok := token.WaitTimeout(3 * time.Second); !ok {
		logger.Warn("publish timed out")
		publishTimeout.Inc()
		return
	}
	if err := token.Error(); err != nil {
		logger.Error("publish failed", "error", err)
		publishFailure.Inc()
		return
	}
	logger.Debug("published telemetry",
		"topic", topic,
		"heart_rate", msg.HeartRate,
		"seizure_detected", msg.SeizureDetected,
		"fall_detected", msg.FallDetected,
	)
	publishSuccess.Inc()
}

func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

// ---------------------------------------------------------------------------
// main
// ---------------------------------------------------------------------------

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "bracelet-sim",
		Short:         "Publish simulated bracelet telemetry",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configFile)
		},
	}
	root.Flags().StringVar(&configFile, "config", "", "optional YAML config file; environment variables take precedence")

	var addr string
	hc := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the metrics server is listening and exit 0/1",
		RunE: func(_ *cobra.Command, _ []string) error {
			conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
	hc.Flags().StringVar(&addr, "addr", "localhost:9091", "host:port to dial")
	root.AddCommand(hc)
	return root
}

func run(ctx context.Context, configFile string) error {
	cfg, err := config.LoadSimulator(configFile, config.NewLogger(os.Stdout, slog.LevelInfo))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("starting bracelet simulator",
		"version", version,
		"broker", cfg.Broker.BrokerURL(),
		"topic", cfg.Broker.Topic,
		"interval", cfg.Interval.String(),
		"episode_every", cfg.EpisodeEvery.String(),
		"episode_length", cfg.EpisodeLength.String(),
	)

	metricsSrv := startMetricsServer(cfg.MetricsAddr, logger)
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
	}()

	client, err := newMQTTClient(cfg, logger)
	if err != nil {
		logger.Error("initial MQTT connect failed, shutting down", "error", err)
		return err
	}
	defer client.Disconnect(500)

	b := newBracelet(cfg, rand.New(rand.NewSource(time.Now().UnixNano())), time.Now())
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down bracelet simulator")
			return nil
		case now := <-ticker.C:
			publish(client, cfg.Broker.Topic, cfg.Broker.QoS, b.next(now), logger)
		}
	}
}
