package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PassStats is a snapshot of the loop's most recent pass, exposed on the ops
// API for visibility only.
type PassStats struct {
	Passes       int           `json:"passes"`
	LastStarted  time.Time     `json:"last_started"`
	LastDuration time.Duration `json:"last_duration_ns"`
	LastNotified int           `json:"last_notified"`
	LastError    string        `json:"last_error,omitempty"`
}

// Loop drives the engine on a fixed cadence. The next tick is armed only
// after the current pass completes, so passes never overlap and a slow pass
// pushes the next one back rather than stacking up. The first pass runs
// immediately at startup.
type Loop struct {
	heartbeats HeartbeatSource
	engine     *Engine
	interval   time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	stats PassStats
}

// NewLoop creates a scheduler loop around an engine.
func NewLoop(heartbeats HeartbeatSource, eng *Engine, interval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{
		heartbeats: heartbeats,
		engine:     eng,
		interval:   interval,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled. Intended to be called with `go`.
// Pass failures are logged and the loop re-arms: store outages are expected
// to be transient, and the guarantee is "keep trying every interval".
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("Notification loop started", "interval", l.interval)

	timer := time.NewTimer(0) // first pass immediately, not after one interval
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			l.pass(ctx)
			timer.Reset(l.interval)
		case <-ctx.Done():
			l.logger.Info("Notification loop stopped")
			return
		}
	}
}

// RunOnce executes a single evaluation pass: snapshot the heartbeats, hand
// them to the engine. Also used directly by lumen-notifyctl.
func (l *Loop) RunOnce(ctx context.Context) (int, error) {
	heartbeats, err := l.heartbeats.LoadAllHeartbeats(ctx)
	if err != nil {
		return 0, err
	}
	return l.engine.Evaluate(ctx, heartbeats)
}

// Stats returns a copy of the most recent pass stats.
func (l *Loop) Stats() PassStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Loop) pass(ctx context.Context) {
	start := time.Now()
	notified, err := l.RunOnce(ctx)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the pass. Decisions are idempotent against
		// persisted state, so the next start simply resumes.
		return
	}

	if err != nil {
		l.logger.Error("Notification pass failed",
			"notified", notified, "duration", elapsed.Round(time.Millisecond), "error", err)
	} else {
		l.logger.Info("Notification pass complete",
			"notified", notified, "duration", elapsed.Round(time.Millisecond))
	}

	l.mu.Lock()
	l.stats.Passes++
	l.stats.LastStarted = start
	l.stats.LastDuration = elapsed
	l.stats.LastNotified = notified
	l.stats.LastError = ""
	if err != nil {
		l.stats.LastError = err.Error()
	}
	l.mu.Unlock()
}
