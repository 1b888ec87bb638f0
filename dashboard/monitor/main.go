package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alimk/seizuresafe/pkg/broker"
	"github.com/alimk/seizuresafe/pkg/config"
	"github.com/alimk/seizuresafe/pkg/feed"
	"github.com/alimk/seizuresafe/pkg/models"
	"github.com/alimk/seizuresafe/pkg/monitor"
	"github.com/alimk/seizuresafe/pkg/streams"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "monitor",
		Short:         "Seizure monitoring dashboard backend",
		Long:          "Subscribes to bracelet telemetry, raises debounced seizure alerts and serves the dashboard feed.",
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
	root.AddCommand(healthcheckCmd())
	return root
}

// healthcheckCmd dials the feed listener and exits 0/1.
func healthcheckCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the HTTP server is listening and exit 0/1",
		RunE: func(_ *cobra.Command, _ []string) error {
			return dialCheck(addr, 3*time.Second)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost"+config.DefaultHTTPAddr, "host:port to dial")
	return cmd
}

func dialCheck(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ---------------------------------------------------------------------------
// Alarm
// ---------------------------------------------------------------------------

// alarmHandler is where a raised alert turns into an alarm request. There is
// no sound on a server, so the request is a warn-level log line that a log
// shipper can page on.
func alarmHandler(logger *slog.Logger) monitor.HandlerFuncs {
	return monitor.HandlerFuncs{
		AlertRaised: func(s models.TelemetrySample) {
			logger.Warn("seizure alarm requested",
				"heart_rate", s.HeartRateBPM,
				"fall_detected", s.FallDetected,
				"timestamp", s.Timestamp,
				"received_at", s.ReceivedAt,
			)
		},
		AlertCleared: func() {
			logger.Info("seizure alarm cleared")
		},
		ConnectionStateChanged: func(s models.ConnectionState) {
			if s.Status == models.Failed {
				logger.Error("broker connection failed permanently", "reason", s.Reason)
			}
		},
	}
}

// ---------------------------------------------------------------------------
// Servers
// ---------------------------------------------------------------------------

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
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

// startFeedServer has no WriteTimeout: stream connections stay open.
func startFeedServer(addr string, h http.Handler, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()
	return srv
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func run(ctx context.Context, configFile string) error {
	// Config warnings are logged before the level is known.
	cfg, err := config.Load(configFile, config.NewLogger(os.Stdout, slog.LevelInfo))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting monitor",
		"version", version,
		"broker", cfg.Monitor.Broker.BrokerURL(),
		"topic", cfg.Monitor.Broker.Topic,
		"http_addr", cfg.HTTPAddr,
		"metrics_addr", cfg.MetricsAddr,
		"redis_enabled", cfg.Redis.Enabled(),
	)

	hub := feed.NewHub(logger)
	handlers := monitor.Handlers{hub, alarmHandler(logger)}

	var publisher *streams.Publisher
	if cfg.Redis.Enabled() {
		publisher = streams.New(cfg.Redis, streams.NewClient(cfg.Redis), logger)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := publisher.Ping(pingCtx); err != nil {
			// Events queue and retry; the dashboard does not depend on Redis.
			logger.Warn("redis unreachable at startup", "error", err)
		}
		cancel()
		publisher.Start(context.WithoutCancel(ctx))
		handlers = append(handlers, publisher)
	}

	client, err := monitor.New(cfg.Monitor, broker.PahoDialer{Logger: logger}, handlers, logger)
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}

	metricsSrv := startMetricsServer(cfg.MetricsAddr, logger)
	feedSrv := startFeedServer(cfg.HTTPAddr, feed.NewServer(client, hub, logger).Handler(), logger)

	if err := client.Start(ctx); err != nil {
		logger.Error("telemetry client failed to start", "error", err)
	} else {
		<-ctx.Done()
		logger.Info("shutdown signal received")
	}

	// 1. Release the broker session; the final Disconnected state reaches
	//    every handler before Close returns.
	client.Close()

	// 2. Flush mirrored events, bounded by the shutdown timeout.
	if publisher != nil {
		publisher.Close()
	}

	// 3. Drop stream subscribers, then stop the listeners.
	hub.Close()
	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := feedSrv.Shutdown(shutCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	_ = metricsSrv.Shutdown(shutCtx)

	logger.Info("monitor stopped")
	return nil
}
