// pnwsync daemon: mirrors the upstream game tables into Postgres by
// combining the push feed with snapshot reconciliation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pnwsync/pnwsync/pkg/config"
	"github.com/pnwsync/pnwsync/pkg/database"
	"github.com/pnwsync/pnwsync/pkg/events"
	"github.com/pnwsync/pnwsync/pkg/metrics"
	"github.com/pnwsync/pnwsync/pkg/pusher"
	"github.com/pnwsync/pnwsync/pkg/reconcile"
	"github.com/pnwsync/pnwsync/pkg/restapi"
	"github.com/pnwsync/pnwsync/pkg/store"
	"github.com/pnwsync/pnwsync/pkg/subscription"
	"github.com/pnwsync/pnwsync/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("PNWSYNC_CONFIG", ""),
		"Path to TOML configuration file (empty: environment only)")
	flag.Parse()

	// Load .env from the working directory before reading configuration
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level, err := cfg.Logging.SlogLevel()
	if err != nil {
		slog.Error("Failed to resolve log level", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("Starting pnwsync",
		"version", version.Full(),
		"config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Connect to the database (runs migrations)
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	health, err := dbClient.Health(ctx)
	if err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database",
		"host", cfg.Database.Host, "database", cfg.Database.Database,
		"response_time_ms", health.ResponseTime)

	// 3. Metrics listener (optional)
	var metricsServer *metrics.Server
	if cfg.Metrics.Addr != "" {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr, logger)
		metricsServer.Start()
	}

	// 4. Event bus, upstream clients and the store
	bus := events.NewBus(logger)
	api := restapi.NewClient(cfg.Upstream, cfg.REST, restapi.Options{Logger: logger})
	st := store.New(dbClient.Pool(), bus, api, logger)

	authURL := fmt.Sprintf("%s?api_key=%s",
		pusher.DefaultAuthURL, url.QueryEscape(cfg.Upstream.APIKey))
	wire := pusher.NewClient(pusher.Options{AuthURL: authURL, Logger: logger})

	wireErrCh := make(chan error, 1)
	go func() {
		wireErrCh <- wire.Run(ctx)
	}()

	// 5. Reconcile from snapshots, then subscribe the configured feeds.
	// Subscriptions wait for the reconciliation so its stale sweep cannot
	// delete rows the live feed creates mid-run.
	manager := subscription.NewManager(wire, api, logger)
	modelEvents, err := cfg.Subscriptions.Parsed()
	if err != nil {
		slog.Error("Failed to parse subscription configuration", "error", err)
		os.Exit(1)
	}
	var feeds []subscription.Feed
	for _, me := range modelEvents {
		for _, ev := range me.Events {
			feeds = append(feeds, subscription.Feed{
				Kind:     me.Kind,
				Event:    ev,
				Handlers: []subscription.Handler{st.HandlerFor(ev)},
			})
		}
	}

	reconciler := reconcile.New(dbClient.Pool(), api, st,
		time.Duration(cfg.Reconciler.CitiesDelaySeconds)*time.Second, logger)
	if err := manager.Start(ctx, reconciler, feeds); err != nil {
		slog.Error("Startup failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Subscriptions established", "count", len(manager.Subscriptions()))

	// 6. Wait for shutdown signal or a terminal feed error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-wireErrCh:
		if err != nil {
			slog.Error("Feed connection ended", "error", err)
			exitCode = 1
		}
	}

	// 7. Graceful shutdown: unsubscribe while the connection is still up,
	// then drop the connection and the listeners.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	manager.UnsubscribeAll(shutdownCtx)
	cancel()
	if metricsServer != nil {
		metricsServer.Stop(shutdownCtx)
	}
	dbClient.Close()

	slog.Info("Shutdown complete")
	os.Exit(exitCode)
}
