// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from defaults, an
// optional YAML file and environment variables.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in values matching the component defaults
//  2. Config File: Optional YAML config file (config.yaml)
//  3. Environment Variables: Override any mapped setting
//
// Config is immutable after Load() and safe for concurrent reads.
type Config struct {
	Backend    BackendConfig    `koanf:"backend"`
	Monitor    MonitorConfig    `koanf:"monitor"`
	Retry      RetryConfig      `koanf:"retry"`
	Queue      QueueConfig      `koanf:"queue"`
	Sync       SyncConfig       `koanf:"sync"`
	Polling    PollingConfig    `koanf:"polling"`
	Device     DeviceConfig     `koanf:"device"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func fieldError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// BackendConfig configures the backend API client.
//
// Environment Variables:
//   - BACKEND_URL: Base URL including the API prefix (default: https://localhost:7000/api/)
//   - AUTH_TOKEN: Opaque bearer token issued by the backend
//   - BACKEND_TIMEOUT: Per-request timeout (default: 30s)
//   - BACKEND_RATE_LIMIT: Outbound requests per second, 0 disables (default: 5)
type BackendConfig struct {
	BaseURL           string        `koanf:"base_url"`
	AuthToken         string        `koanf:"auth_token"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`

	BreakerMaxRequests  uint32        `koanf:"breaker_max_requests"`
	BreakerInterval     time.Duration `koanf:"breaker_interval"`
	BreakerTimeout      time.Duration `koanf:"breaker_timeout"`
	BreakerMinRequests  uint32        `koanf:"breaker_min_requests"`
	BreakerFailureRatio float64       `koanf:"breaker_failure_ratio"`
}

// MonitorConfig configures connectivity probing.
type MonitorConfig struct {
	ProbeTarget          string        `koanf:"probe_target"` // host:port dialed to measure round trip
	ProbeInterval        time.Duration `koanf:"probe_interval"`
	ProbeTimeout         time.Duration `koanf:"probe_timeout"`
	ExcellentBelow       time.Duration `koanf:"excellent_below"`
	GoodBelow            time.Duration `koanf:"good_below"`
	OfflineAfterFailures int           `koanf:"offline_after_failures"`
	MaxOutage            time.Duration `koanf:"max_outage"`
}

// RetryConfig is the backoff policy used by the sync engine.
type RetryConfig struct {
	MaxRetries   int           `koanf:"max_retries"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	Multiplier   float64       `koanf:"multiplier"`
	Jitter       bool          `koanf:"jitter"`
}

// Queue storage backends.
const (
	QueueBackendBadger = "badger"
	QueueBackendFile   = "file"
	QueueBackendMemory = "memory"
)

// QueueConfig configures the offline queue and its persistence.
//
// Environment Variables:
//   - QUEUE_BACKEND: badger, file or memory (default: badger)
//   - QUEUE_PATH: Directory for the store (default: /data/familysync/queue)
type QueueConfig struct {
	Backend           string        `koanf:"backend"`
	Path              string        `koanf:"path"`
	SyncWrites        bool          `koanf:"sync_writes"`
	MaxLocations      int           `koanf:"max_locations"`
	MaxRequests       int           `koanf:"max_requests"`
	LocationTTL       time.Duration `koanf:"location_ttl"`
	RequestTTL        time.Duration `koanf:"request_ttl"`
	RequestMaxRetries int           `koanf:"request_max_retries"`
}

// SyncConfig configures the background drain loop.
type SyncConfig struct {
	Interval      time.Duration `koanf:"interval"`
	ErrorInterval time.Duration `koanf:"error_interval"`
}

// PollingConfig configures the adaptive scheduler and the battery optimizer.
type PollingConfig struct {
	UserID             string        `koanf:"user_id"`
	BaseInterval       time.Duration `koanf:"base_interval"`
	MaxInterval        time.Duration `koanf:"max_interval"`
	BatteryMaxInterval time.Duration `koanf:"battery_max_interval"`
	FailureThreshold   int           `koanf:"failure_threshold"`
	ReduceAfter        time.Duration `koanf:"reduce_after"`
	CacheValidity      time.Duration `koanf:"cache_validity"`
	DisableOutbound    bool          `koanf:"disable_outbound"`

	OptimizerEnabled bool          `koanf:"optimizer_enabled"`
	StationaryRadius float64       `koanf:"stationary_radius"` // meters
	OptimizerRetry   time.Duration `koanf:"optimizer_retry"`   // wait after a failed pass
}

// DeviceConfig seeds the host-fed device sensors until the host reports real values.
type DeviceConfig struct {
	BatteryLevel float64 `koanf:"battery_level"` // 0..1
	Charging     bool    `koanf:"charging"`

	SeedLocation bool    `koanf:"seed_location"`
	Latitude     float64 `koanf:"latitude"`
	Longitude    float64 `koanf:"longitude"`
	Accuracy     float64 `koanf:"accuracy"`
}

// ServerConfig configures the local status server.
//
// Environment Variables:
//   - HTTP_HOST: Bind address (default: 127.0.0.1)
//   - HTTP_PORT: Listen port (default: 7420)
//   - CORS_ORIGINS: Comma-separated allowed origins
//   - DISABLE_RATE_LIMIT: Disable request rate limits (default: false)
type ServerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	CORSOrigins          []string      `koanf:"cors_origins"`
	CORSMaxAge           int           `koanf:"cors_max_age"`
	RateLimitReqs        int           `koanf:"rate_limit_reqs"`
	ControlRateLimitReqs int           `koanf:"control_rate_limit_reqs"`
	RateLimitWindow      time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled    bool          `koanf:"rate_limit_disabled"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// LoggingConfig configures the global zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// SupervisorConfig configures the suture supervisor tree.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"` // seconds
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}
