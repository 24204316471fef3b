// Package store implements the engine's persistence collaborators over
// Postgres. All queries go through prepared statements registered in
// internal/db.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenreview/lumen-notify/internal/engine"
)

// Store provides heartbeat, user, counter, and dispatch-record access.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// LoadAllHeartbeats returns the current heartbeat snapshot.
func (s *Store) LoadAllHeartbeats(ctx context.Context) ([]engine.Heartbeat, error) {
	rows, err := s.pool.Query(ctx, "load_all_heartbeats")
	if err != nil {
		return nil, fmt.Errorf("load heartbeats: %w", err)
	}
	defer rows.Close()

	var heartbeats []engine.Heartbeat
	for rows.Next() {
		var hb engine.Heartbeat
		if err := rows.Scan(&hb.UserID, &hb.LastSeen); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		heartbeats = append(heartbeats, hb)
	}
	return heartbeats, rows.Err()
}

// RecordHeartbeat upserts a user's last-seen timestamp. The upsert only ever
// advances the stored value, so out-of-order reports cannot move it back.
func (s *Store) RecordHeartbeat(ctx context.Context, userID string, seenAt time.Time) error {
	if _, err := s.pool.Exec(ctx, "upsert_heartbeat", userID, seenAt); err != nil {
		return fmt.Errorf("upsert heartbeat for %s: %w", userID, err)
	}
	return nil
}

// FindUserByID returns (nil, nil) when no such user exists — heartbeats may
// reference accounts that were deleted since.
func (s *Store) FindUserByID(ctx context.Context, userID string) (*engine.User, error) {
	var (
		u                  engine.User
		commitNotifiedAt   *time.Time
		followupNotifiedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, "find_user_by_id", userID).
		Scan(&u.ID, &u.Login, &u.Email, &commitNotifiedAt, &followupNotifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", userID, err)
	}

	if commitNotifiedAt != nil || followupNotifiedAt != nil {
		u.Notifications = &engine.DispatchRecord{
			CommitNotifiedAt:   commitNotifiedAt,
			FollowupNotifiedAt: followupNotifiedAt,
		}
	}
	return &u, nil
}

// CountersSince returns the pending review-request and followup counts that
// accumulated for a user after the given timestamp.
func (s *Store) CountersSince(ctx context.Context, since time.Time, userID string) (engine.Counters, error) {
	var c engine.Counters
	err := s.pool.QueryRow(ctx, "counters_since", userID, since).
		Scan(&c.PendingCommits, &c.Followups)
	if err != nil {
		return engine.Counters{}, fmt.Errorf("counters for %s: %w", userID, err)
	}
	return c, nil
}

// RememberNotifications persists a user's dispatch record. Both columns are
// written as given; the engine only ever advances them.
func (s *Store) RememberNotifications(ctx context.Context, userID string, rec engine.DispatchRecord) error {
	tag, err := s.pool.Exec(ctx, "remember_notifications",
		userID, rec.CommitNotifiedAt, rec.FollowupNotifiedAt)
	if err != nil {
		return fmt.Errorf("remember notifications for %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("remember notifications for %s: user not found", userID)
	}
	return nil
}

// RecordSyncEvent appends a repository synchronization event to the log.
func (s *Store) RecordSyncEvent(ctx context.Context, repo, branch string, commitCount int, syncedAt time.Time) error {
	if _, err := s.pool.Exec(ctx, "insert_sync_event", repo, branch, commitCount, syncedAt); err != nil {
		return fmt.Errorf("insert sync event for %s: %w", repo, err)
	}
	return nil
}

// CleanupOrphanHeartbeats removes heartbeats whose user row is gone and
// returns how many were deleted.
func (s *Store) CleanupOrphanHeartbeats(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "cleanup_orphan_heartbeats")
	if err != nil {
		return 0, fmt.Errorf("cleanup orphan heartbeats: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneSyncEvents deletes sync events received before the cutoff.
func (s *Store) PruneSyncEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "prune_sync_events", before)
	if err != nil {
		return 0, fmt.Errorf("prune sync events: %w", err)
	}
	return tag.RowsAffected(), nil
}
