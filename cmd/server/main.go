package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jamesbarker95/astro-meeting-intelligence/internal/broadcast"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/config"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/coordinator"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/metrics"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/server"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/session"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/store"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/summary"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "astro-meeting-intelligence"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.HTTP.Port),
		slog.String("bind_address", cfg.HTTP.Address),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.String("encoding", cfg.Audio.Encoding),
		slog.String("language", cfg.Audio.Language),
		slog.String("provider_endpoint", cfg.Provider.Endpoint),
		slog.String("summarizer_endpoint", cfg.Summarizer.Endpoint),
		slog.Bool("store_enabled", cfg.Store.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	// Open the archive store when enabled
	var archiveStore *store.Store
	if cfg.Store.Enabled {
		archiveStore, err = store.Open(cfg.Store.Path)
		if err != nil {
			logger.Error("Failed to open archive store", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer archiveStore.Close()
		logger.Info("Archive store opened", slog.String("path", cfg.Store.Path))
	}

	registry := session.NewRegistry(logger)
	hub := broadcast.NewHub(logger, cfg.Broadcast.BufferSize, appMetrics)

	summarizer, err := summary.NewClient(summary.ClientConfig{
		Endpoint:      cfg.Summarizer.Endpoint,
		APIKey:        cfg.Summarizer.APIKey,
		Model:         cfg.Summarizer.Model,
		Timeout:       cfg.Summarizer.GetTimeoutDuration(),
		MaxRetries:    cfg.Summarizer.MaxRetries,
		MaxConcurrent: cfg.Summarizer.MaxConcurrent,
	})
	if err != nil {
		logger.Error("Failed to create summarization client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	scheduler := summary.NewScheduler(registry, hub, summarizer, summary.SchedulerConfig{
		Window:  cfg.Summarizer.Window,
		Metrics: appMetrics,
	}, logger)

	provider := transcription.NewNDJSONProvider(cfg.Provider.Endpoint)

	coord := coordinator.New(registry, hub, scheduler, provider, archiveStore, appMetrics, coordinator.Config{
		Stream: transcription.StreamConfig{
			SampleRate: cfg.Audio.SampleRate,
			Encoding:   cfg.Audio.Encoding,
			Language:   cfg.Audio.Language,
			Interim:    cfg.Audio.Interim,
		},
		Link: transcription.LinkConfig{
			HandshakeTimeout: cfg.Provider.GetConnectTimeoutDuration(),
			DrainTimeout:     cfg.Provider.GetDrainTimeoutDuration(),
			QueueCapacity:    cfg.Audio.QueueCapacity,
		},
		Retention:     cfg.Session.GetRetentionDuration(),
		PurgeInterval: cfg.Session.GetPurgeIntervalDuration(),
	}, logger)
	logger.Info("Coordinator initialized",
		slog.String("provider_endpoint", cfg.Provider.Endpoint),
		slog.Int("queue_capacity", cfg.Audio.QueueCapacity),
	)

	httpServer := server.NewHTTPServer(cfg.HTTP, logger, cfg, coord, hub, appMetrics)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Stop the coordinator (drain links, finish summaries, close the hub)
	coord.Stop()

	stats := coord.GetStats()
	logger.Info("Final service statistics",
		slog.Int("sessions_in_memory", stats.Sessions),
		slog.Uint64("events_published", stats.Hub.Published),
		slog.Uint64("events_dropped", stats.Hub.Dropped),
		slog.Uint64("summaries_applied", stats.Scheduler.Applied),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output io.Writer
	switch {
	case cfg.Output == "stderr":
		output = os.Stderr
	case cfg.Output == "stdout" || cfg.Output == "":
		output = os.Stdout
	default:
		// File path: rotate with lumberjack
		output = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
