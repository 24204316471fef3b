// Package db provides a pgxpool-based connection pool with prepared statement
// registration and health checking.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenreview/lumen-notify/internal/config"
)

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// registerPreparedStatements registers all statements the engine, API, and
// maintenance layers use. Prepared statements eliminate parse overhead on the
// per-pass hot path.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	stmts := map[string]string{
		// Health
		"health_check": "SELECT 1",

		// Heartbeats
		"load_all_heartbeats": "SELECT user_id, last_seen FROM heartbeats",
		"upsert_heartbeat": `
			INSERT INTO heartbeats (user_id, last_seen) VALUES ($1, $2)
			ON CONFLICT (user_id)
			DO UPDATE SET last_seen = GREATEST(heartbeats.last_seen, EXCLUDED.last_seen)`,

		// Users and dispatch records
		"find_user_by_id": "SELECT id, login, email, commit_notified_at, followup_notified_at FROM users WHERE id = $1",
		"remember_notifications": `
			UPDATE users
			SET commit_notified_at = $2, followup_notified_at = $3, updated_at = NOW()
			WHERE id = $1`,

		// Pending counts accumulated since a timestamp, one round trip
		"counters_since": `
			SELECT
				(SELECT count(*) FROM review_requests
				 WHERE reviewer_id = $1 AND reviewed_at IS NULL AND created_at > $2),
				(SELECT count(*) FROM discussion_followups
				 WHERE recipient_id = $1 AND read_at IS NULL AND created_at > $2)`,

		// Repository sync event log
		"insert_sync_event": `
			INSERT INTO repo_sync_events (repo, branch, commit_count, synced_at)
			VALUES ($1, $2, $3, $4)`,

		// Maintenance
		"cleanup_orphan_heartbeats": "DELETE FROM heartbeats WHERE NOT EXISTS (SELECT 1 FROM users WHERE users.id = heartbeats.user_id)",
		"prune_sync_events":         "DELETE FROM repo_sync_events WHERE received_at < $1",
	}

	for name, sql := range stmts {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
