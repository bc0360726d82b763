package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fitsync/internal/activities"
	"fitsync/internal/backfill"
	"fitsync/internal/config"
	"fitsync/internal/database"
	"fitsync/internal/handlers"
	"fitsync/internal/oauth"
	"fitsync/internal/providers/garmin"
	"fitsync/internal/providers/strava"
	syncengine "fitsync/internal/sync"
	"fitsync/internal/training"
	"fitsync/internal/webhooks"
	"fitsync/internal/worker"
)

func main() {
	createToken := flag.Int64("create-api-token", 0, "Create an API bearer token for the given user id and exit")
	flag.Parse()

	if *createToken != 0 {
		runCreateToken(*createToken)
		return
	}

	runServer()
}

func runCreateToken(userID int64) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	})))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	token := uuid.NewString()
	if err := db.InsertAPIToken(token, userID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Created API token for user %d:\n%s\n", userID, token)
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting fitsync server",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.DatabasePath,
		"webhook_base_url", cfg.WebhookBaseURL,
		"log_level", cfg.LogLevel)

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	logger.Info("Database opened successfully")

	stravaClient := strava.NewClient(cfg.StravaClientID, cfg.StravaClientSecret)
	garminClient := garmin.NewClient(cfg.GarminConsumerKey, cfg.GarminConsumerSecret,
		cfg.GarminClientID, cfg.GarminClientSecret)

	pipeline := training.NewPipeline(db, training.DefaultScore)
	derivationWorker := worker.New(pipeline)

	// Completing an authorization flow kicks off that provider's first sync.
	// The engine is wired after the manager, so the closure binds it late.
	var syncEngine *syncengine.Engine
	oauthManager := oauth.NewManager(db, cfg, stravaClient, garminClient, func(userID int64, provider string) {
		go func() {
			if _, err := syncEngine.Sync(context.Background(), userID, provider); err != nil {
				logger.Warn("Initial sync failed", "user_id", userID, "provider", provider, "error", err)
			}
		}()
	})
	syncEngine = syncengine.NewEngine(db, oauthManager, stravaClient, garminClient, derivationWorker.Notify)
	scheduler := backfill.NewScheduler(db, oauthManager, garminClient, backfill.FromAppConfig(cfg))
	aggregator := activities.NewAggregator(db)
	processor := webhooks.NewProcessor(db)

	server := handlers.NewServer(cfg, db, oauthManager, syncEngine, scheduler, aggregator, processor)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Routes(),
		ReadTimeout:  35 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		logger.Info("Starting derivation worker")
		derivationWorker.Start(workerCtx)
	}()

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		metricsAddr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)
		metricsServer = &http.Server{
			Addr:    metricsAddr,
			Handler: metricsMux,
		}

		go func() {
			logger.Info("Metrics server listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	workerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("Server stopped")
}
