// dispatcher streams recorded CloudEvents to subscriptions and channels.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eventbroker/internal/api"
	"eventbroker/internal/config"
	"eventbroker/internal/dispatcher"
	"eventbroker/internal/feed"
	badgerfeed "eventbroker/internal/feed/badger"
	memfeed "eventbroker/internal/feed/memory"
	"eventbroker/internal/health"
	"eventbroker/internal/manager"
	"eventbroker/internal/observability"
	registrybadger "eventbroker/internal/registry/badger"
	memregistry "eventbroker/internal/registry/memory"
	"eventbroker/internal/resources"
)

// eventFeed is a feed that also accepts published events.
type eventFeed interface {
	feed.Feed
	feed.Appender
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	fileCfg, err := config.Load(svcCfg.ConfigFile)
	if err != nil {
		return err
	}
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	logger, err := observability.NewLogger(os.Stdout, fileCfg.Log.Level, fileCfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the event feed
	var events eventFeed
	var registryOpts []memregistry.Option
	if svcCfg.DataDir != "" {
		bf, err := badgerfeed.Open(svcCfg.DataDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := bf.Close(); err != nil {
				slog.Error("Failed to close feed", "error", err)
			}
		}()
		events = bf
		registryOpts = append(registryOpts, memregistry.WithStore(registrybadger.New(bf.DB())))
		slog.Info("Opened durable feed", "dir", svcCfg.DataDir)
	} else {
		events = memfeed.New()
		slog.Warn("No DATA_DIR configured, events and consumer status are kept in memory")
	}

	// Seed the registry from the config file. Saved status is restored.
	registry := memregistry.New(logger, registryOpts...)
	registry.SetBroker(ctx, &resources.Broker{
		Metadata: resources.Metadata{Name: "default"},
		Spec:     fileCfg.Broker,
	})
	for _, c := range fileCfg.Consumers() {
		if _, err := registry.Apply(ctx, c); err != nil {
			return fmt.Errorf("failed to register %s %s: %w", c.Kind, c.Metadata.Key(), err)
		}
	}

	// Start one engine per eligible consumer
	mgr := manager.New(manager.Deps{
		Feed:     events,
		Registry: registry,
		Brokers:  registry,
		Metrics:  metrics,
		Logger:   logger,
	}, dispatcherCfg)
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	// Create health checker
	healthChecker := health.NewChecker()
	healthChecker.Require("manager", health.CheckFunc(mgr.Ready))
	healthChecker.Require("feed", health.CheckFunc(func(ctx context.Context) error {
		_, err := events.Metadata(ctx, nil)
		if errors.Is(err, feed.ErrStreamNotFound) {
			return nil
		}
		return err
	}))
	healthChecker.Optional("broker", health.CheckFunc(func(ctx context.Context) error {
		_, err := registry.Broker(ctx)
		return err
	}))

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Engines:       mgr,
		Events:        events,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
		Logger:        logger,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers and then the engines
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
		if err := mgr.Stop(shutdownCtx); err != nil {
			slog.Warn("Manager shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Mark service as unhealthy so probes stop routing traffic
	healthChecker.SetShuttingDown()

	slog.Info("Starting graceful shutdown")
	shutdown(svcCfg.ShutdownTimeout)

	slog.Info("Shutdown complete")
	return nil
}
