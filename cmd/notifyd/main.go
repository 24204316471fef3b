// Command notifyd is the Lumen Review notification dispatch daemon.
//
// Usage:
//
//	lumen-notifyd
//	API_PORT=8080 OFFLINE_PERIOD_MINUTES=30 lumen-notifyd

// @title Lumen Review Notification API
// @version 1.0.0
// @description Ops and ingest API for the notification dispatch engine: heartbeat recording, dispatch-record inspection, and engine status.
// @host localhost:8000
// @BasePath /
// @schemes http https
// @license.name MIT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/lumenreview/lumen-notify/internal/api"
	"github.com/lumenreview/lumen-notify/internal/api/handler"
	"github.com/lumenreview/lumen-notify/internal/cache"
	"github.com/lumenreview/lumen-notify/internal/config"
	"github.com/lumenreview/lumen-notify/internal/db"
	"github.com/lumenreview/lumen-notify/internal/engine"
	"github.com/lumenreview/lumen-notify/internal/listener"
	"github.com/lumenreview/lumen-notify/internal/maintenance"
	"github.com/lumenreview/lumen-notify/internal/mailer"
	"github.com/lumenreview/lumen-notify/internal/store"

	_ "github.com/lumenreview/lumen-notify/docs" // swagger docs
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Connect to database
	logger.Info("Connecting to database...")
	pool, err := db.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("Database connected",
		"min_conns", cfg.DBPoolMinConns,
		"max_conns", cfg.DBPoolMaxConns)

	st := store.New(pool.Pool)

	// SMTP transport (nil when not configured — sends become logged no-ops)
	sender := mailer.New(cfg, logger)
	if sender == nil {
		logger.Info("SMTP delivery disabled (no SMTP_HOST)")
	}

	// Notification engine + scheduler loop
	eng := engine.New(st, st, st, sender, cfg.OfflinePeriod, logger)
	loop := engine.NewLoop(st, eng, cfg.CheckInterval, logger)
	go loop.Run(ctx)

	// Start LISTEN/NOTIFY consumer for repository sync events
	go listener.Start(ctx, cfg.DatabaseURL, st, logger)

	// Start maintenance tickers
	go maintenance.Start(ctx, st, maintenance.Config{
		CleanupInterval:    cfg.CleanupInterval,
		SyncEventRetention: cfg.SyncEventRetention,
	}, logger)

	// Initialize cache and router
	appCache := cache.New(cfg.CacheEnabled)
	h := handler.New(st, pool, loop, appCache, cfg)
	router := api.NewRouter(h, cfg)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("Starting Lumen Review notification service",
			"addr", addr,
			"environment", cfg.Environment,
			"offline_period", cfg.OfflinePeriod,
			"check_interval", cfg.CheckInterval)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Server stopped")
}
