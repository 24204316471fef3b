// Package maintenance runs periodic background tasks as Go tickers. All
// scheduled housekeeping is driven from Go since the service is already a
// persistent, long-running process (required for LISTEN/NOTIFY).
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/lumenreview/lumen-notify/internal/store"
)

// Config controls maintenance task intervals. Zero duration disables a task.
type Config struct {
	CleanupInterval    time.Duration // orphan heartbeats + old sync events
	SyncEventRetention time.Duration // how long repo sync events are kept
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		CleanupInterval:    30 * time.Minute,
		SyncEventRetention: 30 * 24 * time.Hour,
	}
}

// Start launches all configured maintenance tickers. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, st *store.Store, cfg Config, logger *slog.Logger) {
	logger.Info("Maintenance tickers started",
		"cleanup", cfg.CleanupInterval,
		"sync_event_retention", cfg.SyncEventRetention)

	if cfg.CleanupInterval > 0 {
		t := time.NewTicker(cfg.CleanupInterval)
		defer t.Stop()
		go runLoop(ctx, t.C, func() { Cleanup(ctx, st, cfg.SyncEventRetention, logger) })
	}

	<-ctx.Done()
	logger.Info("Maintenance tickers stopped")
}

func runLoop(ctx context.Context, ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// Cleanup removes heartbeats whose user account is gone and prunes old repo
// sync events. Also runnable on demand via lumen-notifyctl.
func Cleanup(ctx context.Context, st *store.Store, retention time.Duration, logger *slog.Logger) {
	// Heartbeats outliving deleted accounts are harmless to the engine
	// (missing users are skipped) but pointless to keep scanning.
	n, err := st.CleanupOrphanHeartbeats(ctx)
	if err != nil {
		logger.Warn("Cleanup: failed to remove orphan heartbeats", "error", err)
	} else if n > 0 {
		logger.Info("Cleanup: removed orphan heartbeats", "count", n)
	}

	if retention <= 0 {
		return
	}
	n, err = st.PruneSyncEvents(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Warn("Cleanup: failed to prune sync events", "error", err)
	} else if n > 0 {
		logger.Info("Cleanup: pruned sync events", "count", n)
	}
}
