// Command notifyctl is the Lumen Review notification ops CLI.
//
// Usage:
//
//	lumen-notifyctl pass
//	lumen-notifyctl heartbeat --user u42
//	lumen-notifyctl heartbeat --user u42 --at 2026-03-14T09:00:00Z
//	lumen-notifyctl cleanup
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lumenreview/lumen-notify/internal/config"
	"github.com/lumenreview/lumen-notify/internal/db"
	"github.com/lumenreview/lumen-notify/internal/engine"
	"github.com/lumenreview/lumen-notify/internal/mailer"
	"github.com/lumenreview/lumen-notify/internal/maintenance"
	"github.com/lumenreview/lumen-notify/internal/store"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:   "lumen-notifyctl",
		Short: "Lumen Review notification ops CLI",
	}

	root.AddCommand(passCmd())
	root.AddCommand(heartbeatCmd())
	root.AddCommand(cleanupCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// pass command
// --------------------------------------------------------------------------

func passCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pass",
		Short: "Run a single notification evaluation pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithStore(func(ctx context.Context, cfg *config.Config, st *store.Store) error {
				sender := mailer.New(cfg, logger)
				if sender == nil {
					logger.Info("SMTP delivery disabled (no SMTP_HOST) — sends are logged only")
				}
				eng := engine.New(st, st, st, sender, cfg.OfflinePeriod, logger)
				loop := engine.NewLoop(st, eng, cfg.CheckInterval, logger)

				start := time.Now()
				notified, err := loop.RunOnce(ctx)
				if err != nil {
					return fmt.Errorf("evaluation pass: %w", err)
				}
				logger.Info("Pass finished",
					"notified", notified,
					"duration", time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}

// --------------------------------------------------------------------------
// heartbeat command
// --------------------------------------------------------------------------

func heartbeatCmd() *cobra.Command {
	var userID string
	var at string
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Record a heartbeat for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithStore(func(ctx context.Context, cfg *config.Config, st *store.Store) error {
				seenAt := time.Now().UTC()
				if at != "" {
					t, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return fmt.Errorf("parse --at: %w", err)
					}
					seenAt = t.UTC()
				}
				if err := st.RecordHeartbeat(ctx, userID, seenAt); err != nil {
					return err
				}
				logger.Info("Heartbeat recorded", "user_id", userID, "seen_at", seenAt)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID (required)")
	cmd.Flags().StringVar(&at, "at", "", "Seen-at timestamp, RFC3339 (default now)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// --------------------------------------------------------------------------
// cleanup command
// --------------------------------------------------------------------------

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run maintenance cleanup once (orphan heartbeats, old sync events)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithStore(func(ctx context.Context, cfg *config.Config, st *store.Store) error {
				maintenance.Cleanup(ctx, st, cfg.SyncEventRetention, logger)
				return nil
			})
		},
	}
}

// --------------------------------------------------------------------------
// Shared setup
// --------------------------------------------------------------------------

func runWithStore(fn func(ctx context.Context, cfg *config.Config, st *store.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	pool, err := db.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, cfg, store.New(pool.Pool))
}
