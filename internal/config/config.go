// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Listing cache
	CacheMaxEntries int
	CacheTTL        time.Duration

	// Remote archives
	RemoteTimeout time.Duration
	PreviewLimit  int64

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth (optional; if set, /api/ requires a bearer token)
	JWTSecret string

	// S3 range source for s3:// URLs
	S3Enabled   bool
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:      envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:     envOr("METRICS_ADDR", ":9090"),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "json"),
		CacheMaxEntries: envInt("CACHE_MAX_ENTRIES", 100),
		CacheTTL:        envDuration("CACHE_TTL", 5*time.Minute),
		RemoteTimeout:   envDuration("REMOTE_TIMEOUT", 30*time.Second),
		PreviewLimit:    envInt64("PREVIEW_LIMIT", 100*1024),
		TLSCertFile:     envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:      envOr("TLS_KEY_FILE", ""),
		JWTSecret:       envOr("JWT_SECRET", ""),
		S3Enabled:       envBool("S3_ENABLED", false),
		S3Endpoint:      envOr("S3_ENDPOINT", ""),
		S3Region:        envOr("S3_REGION", "us-east-1"),
		S3AccessKey:     envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:     envOr("S3_SECRET_KEY", ""),
		S3PathStyle:     envBool("S3_PATH_STYLE", true),
	}

	if cfg.CacheMaxEntries <= 0 {
		return nil, fmt.Errorf("CACHE_MAX_ENTRIES must be positive, got %d", cfg.CacheMaxEntries)
	}
	if cfg.CacheTTL < 0 {
		return nil, fmt.Errorf("CACHE_TTL must not be negative, got %s", cfg.CacheTTL)
	}
	if cfg.RemoteTimeout <= 0 {
		return nil, fmt.Errorf("REMOTE_TIMEOUT must be positive, got %s", cfg.RemoteTimeout)
	}
	if cfg.PreviewLimit <= 0 {
		return nil, fmt.Errorf("PREVIEW_LIMIT must be positive, got %d", cfg.PreviewLimit)
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
		return nil, fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}

	return cfg, nil
}

// TLSEnabled reports whether the server should listen with HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

// envDuration accepts Go durations ("90s") and bare seconds ("90").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
