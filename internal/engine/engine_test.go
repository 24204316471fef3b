package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type sendCall struct {
	userID         string
	pendingCommits int
	followups      int
}

type fakeStore struct {
	users    map[string]*User
	counters map[string]Counters

	userErr     error
	countersErr error
	rememberErr error

	counterLookups []string
	remembered     map[string]DispatchRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      make(map[string]*User),
		counters:   make(map[string]Counters),
		remembered: make(map[string]DispatchRecord),
	}
}

func (s *fakeStore) FindUserByID(_ context.Context, userID string) (*User, error) {
	if s.userErr != nil {
		return nil, s.userErr
	}
	return s.users[userID], nil
}

func (s *fakeStore) CountersSince(_ context.Context, _ time.Time, userID string) (Counters, error) {
	if s.countersErr != nil {
		return Counters{}, s.countersErr
	}
	s.counterLookups = append(s.counterLookups, userID)
	return s.counters[userID], nil
}

func (s *fakeStore) RememberNotifications(_ context.Context, userID string, rec DispatchRecord) error {
	if s.rememberErr != nil {
		return s.rememberErr
	}
	s.remembered[userID] = rec
	return nil
}

type fakeSender struct {
	calls []sendCall
	err   error
}

func (f *fakeSender) SendCommitsOrFollowups(_ context.Context, user User, pendingCommits, followups int) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, sendCall{user.ID, pendingCommits, followups})
	return nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestEngine(store *fakeStore, sender *fakeSender, now time.Time) *Engine {
	e := New(store, store, store, sender, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return now }
	return e
}

func ptr(t time.Time) *time.Time { return &t }

// ─── offline gating ──────────────────────────────────────────────────────────

func TestEvaluate_ActiveUserIsSkipped(t *testing.T) {
	store := newFakeStore()
	store.users["ada"] = &User{ID: "ada"}
	store.counters["ada"] = Counters{PendingCommits: 5, Followups: 5}
	sender := &fakeSender{}
	e := newTestEngine(store, sender, t0.Add(2*time.Hour))

	// Seen 30 minutes ago with a one-hour offline period: still present.
	notified, err := e.Evaluate(context.Background(), []Heartbeat{
		{UserID: "ada", LastSeen: t0.Add(90 * time.Minute)},
	})
	require.NoError(t, err)
	assert.Zero(t, notified)
	assert.Empty(t, sender.calls)
	assert.Empty(t, store.counterLookups, "no counters lookup for present users")
}

func TestEvaluate_OfflineBoundaryIsExclusive(t *testing.T) {
	store := newFakeStore()
	store.users["ada"] = &User{ID: "ada"}
	store.counters["ada"] = Counters{PendingCommits: 1}
	sender := &fakeSender{}
	e := newTestEngine(store, sender, t0.Add(time.Hour))

	// lastSeen exactly at now-offlinePeriod: must be strictly earlier to count.
	notified, err := e.Evaluate(context.Background(), []Heartbeat{
		{UserID: "ada", LastSeen: t0},
	})
	require.NoError(t, err)
	assert.Zero(t, notified)
	assert.Empty(t, sender.calls)
}

// ─── dedup per excursion ─────────────────────────────────────────────────────

func TestEvaluate_AtMostOncePerExcursion(t *testing.T) {
	now := t0.Add(2 * time.Hour)
	store := newFakeStore()
	store.users["ada"] = &User{ID: "ada"}
	store.counters["ada"] = Counters{PendingCommits: 2}
	sender := &fakeSender{}
	e := newTestEngine(store, sender, now)

	hb := []Heartbeat{{UserID: "ada", LastSeen: t0}}

	notified, err := e.Evaluate(context.Background(), hb)
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	// Persist what the engine recorded, then run the same snapshot again.
	rec := store.remembered["ada"]
	store.users["ada"].Notifications = &rec

	for i := 0; i < 3; i++ {
		notified, err = e.Evaluate(context.Background(), hb)
		require.NoError(t, err)
		assert.Zero(t, notified, "same excursion must not re-notify")
	}
	assert.Len(t, sender.calls, 1)

	// A later excursion brings a fresh lastSeen and re-arms eligibility.
	e.now = func() time.Time { return t0.Add(6 * time.Hour) }
	notified, err = e.Evaluate(context.Background(), []Heartbeat{
		{UserID: "ada", LastSeen: t0.Add(4 * time.Hour)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
	assert.Len(t, sender.calls, 2)
}

func TestEvaluate_PriorTimestampBeforeLastSeenReArms(t *testing.T) {
	now := t0.Add(2 * time.Hour)
	store := newFakeStore()
	sender := &fakeSender{}
	e := newTestEngine(store, sender, now)

	store.counters["ada"] = Counters{PendingCommits: 2}

	// Recorded before this excursion began: notify again.
	store.users["ada"] = &User{ID: "ada", Notifications: &DispatchRecord{
		CommitNotifiedAt: ptr(t0.Add(-time.Hour)),
	}}
	notified, err := e.Evaluate(context.Background(), []Heartbeat{{UserID: "ada", LastSeen: t0}})
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	// Recorded after this excursion began: suppress.
	store.users["ada"].Notifications = &DispatchRecord{
		CommitNotifiedAt: ptr(t0.Add(time.Hour)),
	}
	notified, err = e.Evaluate(context.Background(), []Heartbeat{{UserID: "ada", LastSeen: t0}})
	require.NoError(t, err)
	assert.Zero(t, notified)
	assert.Len(t, sender.calls, 1)
}

// ─── category independence and union send ────────────────────────────────────

func TestEvaluate_FollowupsOnlyUpdatesFollowupTimestamp(t *testing.T) {
	now := t0.Add(2 * time.Hour)
	store := newFakeStore()
	store.users["ada"] = &User{ID: "ada"}
	store.counters["ada"] = Counters{PendingCommits: 0, Followups: 3}
	sender := &fakeSender{}
	e := newTestEngine(store, sender, now)

	notified, err := e.Evaluate(context.Background(), []Heartbeat{{UserID: "ada", LastSeen: t0}})
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	require.Len(t, sender.calls, 1)
	assert.Equal(t, sendCall{"ada", 0, 3}, sender.calls[0])

	rec, ok := store.remembered["ada"]
	require.True(t, ok)
	assert.Nil(t, rec.CommitNotifiedAt, "commit category had nothing pending")
	require.NotNil(t, rec.FollowupNotifiedAt)
	assert.True(t, rec.FollowupNotifiedAt.Equal(now))
}

func TestEvaluate_BothCategoriesGetOneCombinedSend(t *testing.T) {
	now := t0.Add(2 * time.Hour)
	store := newFakeStore()
	store.users["ada"] = &User{ID: "ada"}
	store.counters["ada"] = Counters{PendingCommits: 4, Followups: 2}
	sender := &fakeSender{}
	e := newTestEngine(store, sender, now)

	notified, err := e.Evaluate(context.Background(), []Heartbeat{{UserID: "ada", LastSeen: t0}})
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
	require.Len(t, sender.calls, 1, "union decision: one send, not two")
	assert.Equal(t, sendCall{"ada", 4, 2}, sender.calls[0])

	rec := store.remembered["ada"]
	require.NotNil(t, rec.CommitNotifiedAt)
	require.NotNil(t, rec.FollowupNotifiedAt)
}

func TestEvaluate_OneTriggeringCategoryLeavesOtherTimestampAlone(t *testing.T) {
	now := t0.Add(2 * time.Hour)
	old := t0.Add(-3 * time.Hour)
	store := newFakeStore()
	store.users["ada"] = &User{ID: "ada", Notifications: &DispatchRecord{
		FollowupNotifiedAt: ptr(old),
	}}
	store.counters["ada"] = Counters{PendingCommits: 1, Followups: 0}
	sender := &fakeSender{}
	e := newTestEngine(store, sender, now)

	_, err := e.Evaluate(context.Background(), []Heartbeat{{UserID: "ada", LastSeen: t0}})
	require.NoError(t, err)

	rec := store.remembered["ada"]
	require.NotNil(t, rec.CommitNotifiedAt)
	assert.True(t, rec.CommitNotifiedAt.Equal(now))
	require.NotNil(t, rec.FollowupNotifiedAt, "zero-count category keeps its old timestamp")
	assert.True(t, rec.FollowupNotifiedAt.Equal(old))
}

// ─── record update no-op path ────────────────────────────────────────────────

func TestAdvance_ZeroCountsIsNoOp(t *testing.T) {
	old := ptr(t0)
	rec := DispatchRecord{CommitNotifiedAt: old}

	updated, changed := rec.advance(Counters{}, t0.Add(time.Hour))
	assert.False(t, changed)
	assert.Equal(t, rec, updated)
}

// ─── end-to-end pass scenarios ───────────────────────────────────────────────

func TestEvaluate_FirstNotificationScenario(t *testing.T) {
	// Heartbeat at T0, offline period 1h, now T0+2h, 2 pending commits,
	// no followups, no prior record.
	now := t0.Add(2 * time.Hour)
	store := newFakeStore()
	store.users["ada"] = &User{ID: "ada", Login: "ada", Email: "ada@example.com"}
	store.counters["ada"] = Counters{PendingCommits: 2, Followups: 0}
	sender := &fakeSender{}
	e := newTestEngine(store, sender, now)

	notified, err := e.Evaluate(context.Background(), []Heartbeat{{UserID: "ada", LastSeen: t0}})
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
	require.Len(t, sender.calls, 1)
	assert.Equal(t, sendCall{"ada", 2, 0}, sender.calls[0])

	rec := store.remembered["ada"]
	require.NotNil(t, rec.CommitNotifiedAt)
	assert.True(t, rec.CommitNotifiedAt.Equal(now))
	assert.Nil(t, rec.FollowupNotifiedAt)
}

// ─── failure semantics ───────────────────────────────────────────────────────

func TestEvaluate_MissingUserIsSkippedSilently(t *testing.T) {
	store := newFakeStore()
	store.users["ada"] = &User{ID: "ada"}
	store.counters["ada"] = Counters{PendingCommits: 1}
	sender := &fakeSender{}
	e := newTestEngine(store, sender, t0.Add(2*time.Hour))

	notified, err := e.Evaluate(context.Background(), []Heartbeat{
		{UserID: "ghost", LastSeen: t0}, // deleted account, heartbeat remains
		{UserID: "ada", LastSeen: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
	assert.Equal(t, []string{"ada"}, store.counterLookups)
}

func TestEvaluate_StoreFailureAbortsPass(t *testing.T) {
	store := newFakeStore()
	store.users["ada"] = &User{ID: "ada"}
	store.countersErr = errors.New("connection reset")
	sender := &fakeSender{}
	e := newTestEngine(store, sender, t0.Add(2*time.Hour))

	notified, err := e.Evaluate(context.Background(), []Heartbeat{{UserID: "ada", LastSeen: t0}})
	require.Error(t, err)
	assert.Zero(t, notified)
	assert.Empty(t, sender.calls)
}

func TestEvaluate_SendFailureSkipsRecordUpdate(t *testing.T) {
	store := newFakeStore()
	store.users["ada"] = &User{ID: "ada"}
	store.users["bob"] = &User{ID: "bob"}
	store.counters["ada"] = Counters{PendingCommits: 1}
	store.counters["bob"] = Counters{Followups: 1}
	sender := &fakeSender{err: errors.New("smtp 451")}
	e := newTestEngine(store, sender, t0.Add(2*time.Hour))

	notified, err := e.Evaluate(context.Background(), []Heartbeat{
		{UserID: "ada", LastSeen: t0},
		{UserID: "bob", LastSeen: t0},
	})
	require.NoError(t, err, "transport failure is not a pass failure")
	assert.Zero(t, notified)
	assert.Empty(t, store.remembered, "no record update without a successful send")
}
