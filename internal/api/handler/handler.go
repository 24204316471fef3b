// Package handler provides HTTP handlers for the ops/ingest API. Handlers
// talk to the store and engine through narrow interfaces so the surface
// stays testable without a database.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumenreview/lumen-notify/internal/api/respond"
	"github.com/lumenreview/lumen-notify/internal/cache"
	"github.com/lumenreview/lumen-notify/internal/config"
	"github.com/lumenreview/lumen-notify/internal/engine"
)

// Store is the slice of the persistence layer the API needs.
type Store interface {
	RecordHeartbeat(ctx context.Context, userID string, seenAt time.Time) error
	FindUserByID(ctx context.Context, userID string) (*engine.User, error)
}

// HealthChecker verifies the database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsSource exposes the scheduler loop's last-pass stats.
type StatsSource interface {
	Stats() engine.PassStats
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	store  Store
	health HealthChecker
	stats  StatsSource
	cache  *cache.Cache
	cfg    *config.Config
}

// New creates a Handler with shared dependencies.
func New(store Store, health HealthChecker, stats StatsSource, c *cache.Cache, cfg *config.Config) *Handler {
	return &Handler{
		store:  store,
		health: health,
		stats:  stats,
		cache:  c,
		cfg:    cfg,
	}
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns service name, version, and status.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"name":    "Lumen Review Notification API",
		"version": "1.0.0",
		"status":  "running",
		"docs":    "/docs",
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Description Verifies Postgres connectivity.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} respond.ErrorResponse
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if err := h.health.HealthCheck(r.Context()); err != nil {
		respond.WriteError(w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database is unreachable")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}

// Status reports the scheduler loop's last-pass stats.
// @Summary Engine status
// @Description Returns pass counters and the outcome of the most recent notification pass.
// @Tags status
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"engine": h.stats.Stats(),
		"cache":  h.cache.Stats(),
	})
}

// heartbeatRequest is the optional body for RecordHeartbeat.
type heartbeatRequest struct {
	SeenAt *time.Time `json:"seen_at"`
}

// RecordHeartbeat records user activity.
// @Summary Record a heartbeat
// @Description Upserts the user's last-seen timestamp. Body may carry an explicit seen_at; defaults to now. The stored value only ever advances.
// @Tags heartbeats
// @Accept json
// @Produce json
// @Param userID path string true "User ID"
// @Success 202 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /api/v1/heartbeats/{userID} [post]
func (h *Handler) RecordHeartbeat(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_USER_ID", "User ID is required")
		return
	}

	seenAt := time.Now().UTC()
	if r.Body != nil && r.ContentLength != 0 {
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Body must be JSON with an optional seen_at timestamp")
			return
		}
		if req.SeenAt != nil {
			seenAt = req.SeenAt.UTC()
		}
	}

	if err := h.store.RecordHeartbeat(r.Context(), userID, seenAt); err != nil {
		respond.WriteError(w, http.StatusInternalServerError, "HEARTBEAT_FAILED", "Failed to record heartbeat")
		return
	}

	respond.WriteJSONObject(w, http.StatusAccepted, map[string]interface{}{
		"user_id": userID,
		"seen_at": seenAt.Format(time.RFC3339),
	})
}

// dispatchResponse is the wire shape for a user's dispatch record.
type dispatchResponse struct {
	UserID             string     `json:"user_id"`
	Login              string     `json:"login"`
	CommitNotifiedAt   *time.Time `json:"commit_notified_at"`
	FollowupNotifiedAt *time.Time `json:"followup_notified_at"`
}

// GetDispatchRecord returns a user's notification dispatch record.
// @Summary Dispatch record
// @Description Returns when each notification category was last sent to the user. Null means never.
// @Tags users
// @Produce json
// @Param userID path string true "User ID"
// @Success 200 {object} dispatchResponse
// @Success 304 "Not modified"
// @Failure 404 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /api/v1/users/{userID}/dispatch [get]
func (h *Handler) GetDispatchRecord(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	key := "dispatch:" + userID

	if data, etag, ok := h.cache.Get(key); ok {
		if cache.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
			respond.WriteNotModified(w, etag)
			return
		}
		respond.WriteJSON(w, data, etag, cache.TTLDispatchRecord, true)
		return
	}

	user, err := h.store.FindUserByID(r.Context(), userID)
	if err != nil {
		respond.WriteError(w, http.StatusInternalServerError, "LOOKUP_FAILED", "Failed to load user")
		return
	}
	if user == nil {
		respond.WriteError(w, http.StatusNotFound, "USER_NOT_FOUND", "No such user")
		return
	}

	resp := dispatchResponse{UserID: user.ID, Login: user.Login}
	if user.Notifications != nil {
		resp.CommitNotifiedAt = user.Notifications.CommitNotifiedAt
		resp.FollowupNotifiedAt = user.Notifications.FollowupNotifiedAt
	}

	data, err := json.Marshal(resp)
	if err != nil {
		respond.WriteError(w, http.StatusInternalServerError, "ENCODE_FAILED", "Failed to encode response")
		return
	}

	etag := h.cache.Set(key, data, cache.TTLDispatchRecord)
	if cache.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
		respond.WriteNotModified(w, etag)
		return
	}
	respond.WriteJSON(w, data, etag, cache.TTLDispatchRecord, false)
}
