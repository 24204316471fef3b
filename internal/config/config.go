// Package config provides centralized configuration loaded from environment
// variables. Shared by both cmd/notifyd and cmd/notifyctl.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Table names — single source of truth, matches sql/schema.sql
// --------------------------------------------------------------------------

const (
	UsersTable          = "users"
	HeartbeatsTable     = "heartbeats"
	ReviewRequestsTable = "review_requests"
	FollowupsTable      = "discussion_followups"
	SyncEventsTable     = "repo_sync_events"
)

// --------------------------------------------------------------------------
// Config struct — populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// Notification engine
	OfflinePeriod      time.Duration // quiet time before a user becomes notifiable
	CheckInterval      time.Duration // pause between evaluation passes
	SyncEventRetention time.Duration // how long repo sync events are kept

	// Maintenance
	CleanupInterval time.Duration

	// SMTP transport
	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	Debug       bool

	// CORS
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Cache
	CacheEnabled bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	dbURL := envOr("LUMEN_DATABASE_URL", envOr("DATABASE_URL", ""))
	if dbURL == "" {
		return nil, fmt.Errorf("LUMEN_DATABASE_URL or DATABASE_URL must be set")
	}

	offline := time.Duration(envInt("OFFLINE_PERIOD_MINUTES", 60)) * time.Minute
	if offline <= 0 {
		return nil, fmt.Errorf("OFFLINE_PERIOD_MINUTES must be positive")
	}
	check := time.Duration(envInt("CHECK_INTERVAL_SECONDS", 60)) * time.Second
	if check <= 0 {
		return nil, fmt.Errorf("CHECK_INTERVAL_SECONDS must be positive")
	}

	return &Config{
		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,

		OfflinePeriod:      offline,
		CheckInterval:      check,
		SyncEventRetention: time.Duration(envInt("SYNC_EVENT_RETENTION_DAYS", 30)) * 24 * time.Hour,

		CleanupInterval: time.Duration(envInt("CLEANUP_INTERVAL_MINUTES", 30)) * time.Minute,

		SMTPHost:     envOr("SMTP_HOST", ""),
		SMTPPort:     envInt("SMTP_PORT", 587),
		SMTPFrom:     envOr("SMTP_FROM", "reviews@lumenreview.dev"),
		SMTPUsername: envOr("SMTP_USERNAME", ""),
		SMTPPassword: envOr("SMTP_PASSWORD", ""),

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),
		Debug:       envBool("DEBUG", false),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		CacheEnabled: envBool("CACHE_ENABLED", true),
	}, nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
