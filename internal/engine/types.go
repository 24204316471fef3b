package engine

import (
	"context"
	"time"
)

// Heartbeat is a user's last-seen timestamp, recorded externally whenever the
// user is active. The engine only reads a snapshot of all current heartbeats.
type Heartbeat struct {
	UserID   string
	LastSeen time.Time
}

// Counters holds what accumulated for a user since a given timestamp:
// commits awaiting their review and discussion replies awaiting their
// attention. Derived fresh on each evaluation, never persisted here.
type Counters struct {
	PendingCommits int
	Followups      int
}

// DispatchRecord remembers when each notification category was last sent.
// Both timestamps are independently optional: nil means that category was
// never notified, which is a different input to the dedup predicate than
// "notified long ago". Once set, a timestamp only ever advances.
type DispatchRecord struct {
	CommitNotifiedAt   *time.Time
	FollowupNotifiedAt *time.Time
}

// advance returns a copy of the record with the timestamps of all nonzero
// categories set to at. Zero-count categories are left untouched so a send
// triggered by one category never claims the other. Reports whether anything
// changed; a record with nothing to advance must not be written back.
func (r DispatchRecord) advance(c Counters, at time.Time) (DispatchRecord, bool) {
	changed := false
	if c.PendingCommits > 0 {
		t := at
		r.CommitNotifiedAt = &t
		changed = true
	}
	if c.Followups > 0 {
		t := at
		r.FollowupNotifiedAt = &t
		changed = true
	}
	return r, changed
}

// User is a review-tool account as the engine sees it. Notifications is nil
// for users who have never been notified of anything.
type User struct {
	ID            string
	Login         string
	Email         string
	Notifications *DispatchRecord
}

// --------------------------------------------------------------------------
// Collaborator interfaces — implemented by internal/store and internal/mailer
// --------------------------------------------------------------------------

// HeartbeatSource loads the current heartbeat snapshot.
type HeartbeatSource interface {
	LoadAllHeartbeats(ctx context.Context) ([]Heartbeat, error)
}

// CounterSource computes pending counts accumulated since a timestamp.
type CounterSource interface {
	CountersSince(ctx context.Context, since time.Time, userID string) (Counters, error)
}

// UserSource resolves users by ID. A missing user returns (nil, nil) — the
// heartbeat may outlive the account it belongs to.
type UserSource interface {
	FindUserByID(ctx context.Context, userID string) (*User, error)
}

// DispatchLog persists a user's dispatch record.
type DispatchLog interface {
	RememberNotifications(ctx context.Context, userID string, rec DispatchRecord) error
}

// Sender delivers one combined notification carrying both counts. The
// transport composes the message and owns failure handling.
type Sender interface {
	SendCommitsOrFollowups(ctx context.Context, user User, pendingCommits, followups int) error
}
