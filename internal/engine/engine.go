// Package engine decides which offline users should be emailed about pending
// commit reviews and discussion followups, and guarantees each category is
// notified at most once per offline excursion.
//
// An excursion is one continuous span of a user being away, bounded by the
// heartbeat timestamp at its start. The dedup key is the comparison of the
// recorded dispatch timestamp against that heartbeat: a send is recorded at
// "now", which is >= lastSeen for the rest of the excursion, so repeated
// passes stay quiet; a fresh excursion brings a later lastSeen against which
// the old timestamp compares as before, re-arming eligibility.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Engine evaluates heartbeat snapshots against pending counts and dispatch
// records. It holds no state of its own; every decision is derived from the
// collaborators, so an interrupted pass resumes correctly on the next tick.
type Engine struct {
	users         UserSource
	counters      CounterSource
	dispatchLog   DispatchLog
	sender        Sender
	offlinePeriod time.Duration
	logger        *slog.Logger

	now func() time.Time // swapped in tests
}

// New creates an engine. offlinePeriod is the quiet time after which a user
// becomes eligible for notification.
func New(users UserSource, counters CounterSource, dispatchLog DispatchLog, sender Sender, offlinePeriod time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		users:         users,
		counters:      counters,
		dispatchLog:   dispatchLog,
		sender:        sender,
		offlinePeriod: offlinePeriod,
		logger:        logger,
		now:           time.Now,
	}
}

// Evaluate runs one decision pass over a heartbeat snapshot and returns how
// many users were notified. Store failures abort the pass — the next tick
// re-evaluates the same offline users, so a partial pass loses nothing.
func (e *Engine) Evaluate(ctx context.Context, heartbeats []Heartbeat) (int, error) {
	now := e.now()
	cutoff := now.Add(-e.offlinePeriod)

	notified := 0
	for _, hb := range heartbeats {
		// A heartbeat inside the offline window means the user is still
		// considered present: no counters lookup, no notification.
		if !hb.LastSeen.Before(cutoff) {
			continue
		}
		sent, err := e.evaluateOffline(ctx, hb, now)
		if sent {
			notified++
		}
		if err != nil {
			return notified, err
		}
	}
	return notified, nil
}

// evaluateOffline decides and, if warranted, sends and records for a single
// offline user. Reports whether a notification went out.
func (e *Engine) evaluateOffline(ctx context.Context, hb Heartbeat, now time.Time) (bool, error) {
	user, err := e.users.FindUserByID(ctx, hb.UserID)
	if err != nil {
		return false, fmt.Errorf("find user %s: %w", hb.UserID, err)
	}
	if user == nil {
		// Heartbeat outlived the account. Nothing to notify.
		return false, nil
	}

	counters, err := e.counters.CountersSince(ctx, hb.LastSeen, hb.UserID)
	if err != nil {
		return false, fmt.Errorf("counters since %s for %s: %w", hb.LastSeen.Format(time.RFC3339), hb.UserID, err)
	}

	var rec DispatchRecord
	if user.Notifications != nil {
		rec = *user.Notifications
	}

	wantCommits := notifiable(counters.PendingCommits, rec.CommitNotifiedAt, hb.LastSeen)
	wantFollowups := notifiable(counters.Followups, rec.FollowupNotifiedAt, hb.LastSeen)
	if !wantCommits && !wantFollowups {
		return false, nil
	}

	// One combined send for both categories; the transport composes the
	// message and omits zero counts.
	if err := e.sender.SendCommitsOrFollowups(ctx, *user, counters.PendingCommits, counters.Followups); err != nil {
		// Not retried here: pending counts persist until acted upon, so the
		// next pass re-evaluates and re-sends. Duplicate over lost.
		e.logger.Warn("notification send failed",
			"user_id", user.ID, "error", err)
		return false, nil
	}

	updated, changed := rec.advance(counters, now)
	if !changed {
		return true, nil
	}
	if err := e.dispatchLog.RememberNotifications(ctx, user.ID, updated); err != nil {
		return true, fmt.Errorf("remember notifications for %s: %w", user.ID, err)
	}
	return true, nil
}

// notifiable is the per-category predicate: there is something pending, and
// this category was never notified or was last notified before the current
// excursion began.
func notifiable(pending int, sentAt *time.Time, lastSeen time.Time) bool {
	if pending <= 0 {
		return false
	}
	return sentAt == nil || sentAt.Before(lastSeen)
}
