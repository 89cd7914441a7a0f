// Package config loads and validates the environment-variable driven
// configuration for the collaboration core, in the same fail-fast,
// aggregate-all-errors shape the rest of this lineage uses.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Required
	JWTSecret string
	Port      string

	// Optional, defaulted
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth0 / JWKS
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// HTTP-facing distributed rate limits (ulule/limiter formatted rates)
	RateLimitAPIGlobal    string
	RateLimitAPIPublic    string
	RateLimitAPIRooms     string
	RateLimitAPIShareLink string
	RateLimitWsIP         string
	RateLimitWsUser       string

	// Collaboration core knobs, spec §6
	FullSyncInterval     time.Duration
	SnapshotInterval     time.Duration
	SnapshotsToKeep      int
	MaxSnapshotSize      int64
	CursorThrottle       time.Duration
	SchemaThrottle       time.Duration
	AwarenessBatchWindow time.Duration
	MaxUsersPerRoom      int
	AuthTimeout          time.Duration
	IdleThreshold        time.Duration
	AwayThreshold        time.Duration

	// Per-class in-memory token bucket fields. Load does not set them and
	// nothing reads them: every connection's buckets use
	// ratelimit.DefaultClassConfig.
	BucketVolatileCapacity float64
	BucketVolatileRefill   float64
	BucketLowCapacity      float64
	BucketLowRefill        float64
	BucketNormalCapacity   float64
	BucketNormalRefill     float64
	BucketCriticalCapacity float64
	BucketCriticalRefill   float64
}

// Load validates all required environment variables and returns a Config.
// Returns an aggregated error if any required variable is missing or
// malformed.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitAPIShareLink = getEnvOrDefault("RATE_LIMIT_API_SHARE_LINK", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	var err error
	if cfg.FullSyncInterval, err = getEnvDuration("FULL_SYNC_INTERVAL", 20*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.SnapshotInterval, err = getEnvDuration("SNAPSHOT_INTERVAL", 25*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	cfg.SnapshotsToKeep = getEnvIntOrDefault("SNAPSHOTS_TO_KEEP", 10)
	cfg.MaxSnapshotSize = getEnvInt64OrDefault("MAX_SNAPSHOT_SIZE", 10*1024*1024)
	if cfg.CursorThrottle, err = getEnvDuration("CURSOR_THROTTLE", 33*time.Millisecond); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.SchemaThrottle, err = getEnvDuration("SCHEMA_THROTTLE", 150*time.Millisecond); err != nil {
		errs = append(errs, err.Error())
	} else if cfg.SchemaThrottle < 100*time.Millisecond || cfg.SchemaThrottle > 300*time.Millisecond {
		errs = append(errs, fmt.Sprintf("SCHEMA_THROTTLE must be between 100ms and 300ms (got %s)", cfg.SchemaThrottle))
	}
	if cfg.AwarenessBatchWindow, err = getEnvDuration("AWARENESS_BATCH_WINDOW", 100*time.Millisecond); err != nil {
		errs = append(errs, err.Error())
	}
	cfg.MaxUsersPerRoom = getEnvIntOrDefault("MAX_USERS_PER_ROOM", 10)
	if cfg.MaxUsersPerRoom < 2 || cfg.MaxUsersPerRoom > 100 {
		errs = append(errs, fmt.Sprintf("MAX_USERS_PER_ROOM must be between 2 and 100 (got %d)", cfg.MaxUsersPerRoom))
	}
	if cfg.AuthTimeout, err = getEnvDuration("AUTH_TIMEOUT", 10*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.IdleThreshold, err = getEnvDuration("IDLE_THRESHOLD", 30*time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.AwayThreshold, err = getEnvDuration("AWAY_THRESHOLD", 600*time.Second); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"full_sync_interval", cfg.FullSyncInterval,
		"snapshot_interval", cfg.SnapshotInterval,
		"max_users_per_room", cfg.MaxUsersPerRoom,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration (got '%s'): %w", key, raw, err)
	}
	return d, nil
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return defaultValue
	}
	return v
}

// redactSecret shows only the first 8 characters of a secret.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
