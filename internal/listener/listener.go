// Package listener provides a Postgres LISTEN/NOTIFY consumer for repository
// synchronization events. It holds a dedicated pgx connection (not from the
// pool) listening on the `repo_synced` channel.
//
// Sync events describe commits arriving from mirrored repositories. The
// decision engine never consumes them — they are recorded for the ops API
// and audit trail only.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lumenreview/lumen-notify/internal/store"
)

const (
	channel          = "repo_synced"
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// RepoSyncEvent is the JSON payload from pg_notify('repo_synced', ...).
type RepoSyncEvent struct {
	Repo     string `json:"repo"`
	Branch   string `json:"branch"`
	Commits  int    `json:"commits"`
	SyncedAt int64  `json:"synced_at"` // unix seconds
}

// Start opens a dedicated connection and listens on the repo_synced channel.
// It reconnects automatically on connection loss. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, st *store.Store, logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, st, logger)
		if ctx.Err() != nil {
			logger.Info("Repo sync listener stopped (context cancelled)")
			return
		}

		logger.Error("Repo sync listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, st *store.Store, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "LISTEN "+channel)
	if err != nil {
		return fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	logger.Info("Repo sync listener connected", "channel", channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var event RepoSyncEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			logger.Warn("Failed to parse repo sync event",
				"payload", notification.Payload, "error", err)
			continue
		}

		logger.Info("Repo sync event received",
			"repo", event.Repo,
			"branch", event.Branch,
			"commits", event.Commits)

		syncedAt := time.Unix(event.SyncedAt, 0).UTC()
		if event.SyncedAt == 0 {
			syncedAt = time.Now().UTC()
		}
		if err := st.RecordSyncEvent(ctx, event.Repo, event.Branch, event.Commits, syncedAt); err != nil {
			logger.Warn("Failed to record repo sync event",
				"repo", event.Repo, "error", err)
		}
	}
}
