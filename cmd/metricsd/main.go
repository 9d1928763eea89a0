// Command metricsd serves item CRUD over a table store with full request
// instrumentation and Prometheus exposition.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/metricsd/metricsd/internal/api"
	"github.com/metricsd/metricsd/internal/config"
	"github.com/metricsd/metricsd/internal/metrics"
	"github.com/metricsd/metricsd/internal/storage"
	"github.com/metricsd/metricsd/pkg/utils"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "metricsd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := utils.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	format, err := utils.ParseLogFormat(cfg.Logging.Format)
	if err != nil {
		return err
	}
	logger := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  level,
		Output: os.Stdout,
		Format: format,
	})

	registry := metrics.NewRegistry()

	tracker, err := metrics.NewRequestTracker(registry, metrics.TrackerConfig{
		DurationBuckets: cfg.Metrics.DurationBuckets,
		CleanupInterval: cfg.Metrics.CleanupInterval,
		MaxRequestAge:   cfg.Metrics.MaxRequestAge,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	sampler, err := metrics.NewSystemSampler(registry, metrics.SamplerConfig{
		Interval:   cfg.Metrics.SampleInterval,
		DiskPath:   cfg.Metrics.DiskPath,
		AppName:    "metricsd",
		AppVersion: version,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	store, err := storage.NewClient(storage.ClientConfig{
		BaseURL: cfg.Storage.BaseURL,
		APIKey:  cfg.Storage.APIKey,
		Table:   cfg.Storage.Table,
		Timeout: cfg.Storage.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sampler.Start(ctx); err != nil {
		return err
	}
	defer sampler.Stop()

	if err := tracker.StartReaper(ctx); err != nil {
		return err
	}
	defer tracker.StopReaper()

	server := api.NewServer(cfg, registry, tracker, sampler, store, logger)
	server.StartBackground()

	logger.Info("service started", map[string]interface{}{
		"address":      cfg.Address(),
		"metrics_path": cfg.Metrics.Path,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("shutting down", map[string]interface{}{
		"signal": sig.String(),
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	return server.Shutdown(shutdownCtx)
}
