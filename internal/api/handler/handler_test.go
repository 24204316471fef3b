package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenreview/lumen-notify/internal/cache"
	"github.com/lumenreview/lumen-notify/internal/config"
	"github.com/lumenreview/lumen-notify/internal/engine"
)

type fakeStore struct {
	users      map[string]*engine.User
	heartbeats map[string]time.Time
	err        error
}

func (f *fakeStore) RecordHeartbeat(_ context.Context, userID string, seenAt time.Time) error {
	if f.err != nil {
		return f.err
	}
	if f.heartbeats == nil {
		f.heartbeats = make(map[string]time.Time)
	}
	f.heartbeats[userID] = seenAt
	return nil
}

func (f *fakeStore) FindUserByID(_ context.Context, userID string) (*engine.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[userID], nil
}

type fakeHealth struct{ err error }

func (f *fakeHealth) HealthCheck(context.Context) error { return f.err }

type fakeStats struct{ stats engine.PassStats }

func (f *fakeStats) Stats() engine.PassStats { return f.stats }

func newTestRouter(store *fakeStore, health *fakeHealth, stats *fakeStats) http.Handler {
	h := New(store, health, stats, cache.New(true), &config.Config{})
	r := chi.NewRouter()
	r.Get("/health/db", h.HealthCheckDB)
	r.Get("/api/v1/status", h.Status)
	r.Post("/api/v1/heartbeats/{userID}", h.RecordHeartbeat)
	r.Get("/api/v1/users/{userID}/dispatch", h.GetDispatchRecord)
	return r
}

func TestRecordHeartbeat_DefaultsToNow(t *testing.T) {
	store := &fakeStore{}
	r := newTestRouter(store, &fakeHealth{}, &fakeStats{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/heartbeats/ada", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	got, ok := store.heartbeats["ada"]
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().UTC(), got, 5*time.Second)
}

func TestRecordHeartbeat_ExplicitTimestamp(t *testing.T) {
	store := &fakeStore{}
	r := newTestRouter(store, &fakeHealth{}, &fakeStats{})

	body := `{"seen_at":"2026-03-14T09:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/heartbeats/ada", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	want := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	assert.True(t, store.heartbeats["ada"].Equal(want))
}

func TestRecordHeartbeat_RejectsBadBody(t *testing.T) {
	store := &fakeStore{}
	r := newTestRouter(store, &fakeHealth{}, &fakeStats{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/heartbeats/ada", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, store.heartbeats)
}

func TestGetDispatchRecord_NeverNotified(t *testing.T) {
	store := &fakeStore{users: map[string]*engine.User{
		"ada": {ID: "ada", Login: "ada"},
	}}
	r := newTestRouter(store, &fakeHealth{}, &fakeStats{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/ada/dispatch", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp dispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ada", resp.UserID)
	assert.Nil(t, resp.CommitNotifiedAt)
	assert.Nil(t, resp.FollowupNotifiedAt)
}

func TestGetDispatchRecord_NotFound(t *testing.T) {
	store := &fakeStore{users: map[string]*engine.User{}}
	r := newTestRouter(store, &fakeHealth{}, &fakeStats{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/ghost/dispatch", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDispatchRecord_ETagRoundTrip(t *testing.T) {
	sent := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	store := &fakeStore{users: map[string]*engine.User{
		"ada": {ID: "ada", Login: "ada", Notifications: &engine.DispatchRecord{
			CommitNotifiedAt: &sent,
		}},
	}}
	r := newTestRouter(store, &fakeHealth{}, &fakeStats{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/ada/dispatch", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/users/ada/dispatch", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestHealthCheckDB_Unavailable(t *testing.T) {
	r := newTestRouter(&fakeStore{}, &fakeHealth{err: errors.New("down")}, &fakeStats{})

	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus_ReportsLastPass(t *testing.T) {
	stats := &fakeStats{stats: engine.PassStats{Passes: 7, LastNotified: 3}}
	r := newTestRouter(&fakeStore{}, &fakeHealth{}, stats)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Engine engine.PassStats `json:"engine"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 7, resp.Engine.Passes)
	assert.Equal(t, 3, resp.Engine.LastNotified)
}
