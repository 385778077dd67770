// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/familysync/config.yaml",
	"/etc/familysync/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config struct with all default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:             "https://localhost:7000/api/",
			Timeout:             30 * time.Second,
			RequestsPerSecond:   5,
			Burst:               10,
			BreakerMaxRequests:  3,
			BreakerInterval:     time.Minute,
			BreakerTimeout:      time.Minute,
			BreakerMinRequests:  5,
			BreakerFailureRatio: 0.6,
		},
		Monitor: MonitorConfig{
			ProbeTarget:          "8.8.8.8:53",
			ProbeInterval:        30 * time.Second,
			ProbeTimeout:         5 * time.Second,
			ExcellentBelow:       100 * time.Millisecond,
			GoodBelow:            300 * time.Millisecond,
			OfflineAfterFailures: 3,
			MaxOutage:            30 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: time.Second,
			MaxDelay:     5 * time.Minute,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Queue: QueueConfig{
			Backend:           QueueBackendBadger,
			Path:              "/data/familysync/queue",
			SyncWrites:        true,
			MaxLocations:      100,
			MaxRequests:       50,
			LocationTTL:       6 * time.Hour,
			RequestTTL:        24 * time.Hour,
			RequestMaxRetries: 3,
		},
		Sync: SyncConfig{
			Interval:      2 * time.Minute,
			ErrorInterval: 5 * time.Minute,
		},
		Polling: PollingConfig{
			BaseInterval:       30 * time.Second,
			MaxInterval:        5 * time.Minute,
			BatteryMaxInterval: 10 * time.Minute,
			FailureThreshold:   3,
			ReduceAfter:        5 * time.Minute,
			CacheValidity:      25 * time.Second,
			OptimizerEnabled:   true,
			StationaryRadius:   50,
			OptimizerRetry:     time.Minute,
		},
		Device: DeviceConfig{
			BatteryLevel: 1.0,
			Charging:     false,
		},
		Server: ServerConfig{
			Enabled:              true,
			Host:                 "127.0.0.1",
			Port:                 7420,
			ReadTimeout:          15 * time.Second,
			WriteTimeout:         30 * time.Second,
			IdleTimeout:          60 * time.Second,
			ShutdownTimeout:      10 * time.Second,
			CORSOrigins:          []string{"http://localhost:*", "http://127.0.0.1:*"},
			CORSMaxAge:           300,
			RateLimitReqs:        300,
			ControlRateLimitReqs: 20,
			RateLimitWindow:      time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5.0,
			FailureDecay:     30.0,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: Built-in defaults
//  2. Config File: Optional YAML config file (if exists)
//  3. Environment Variables: Override any mapped setting
//
// The result is validated before it is returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: Load defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: Load config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: Load environment variables (highest priority)
	// BACKEND_URL -> backend.base_url, LOG_LEVEL -> logging.level
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Post-process slice fields from comma-separated strings
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	// Unmarshal into Config struct
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// FilePath returns the config file Load would read, or "" when none exists.
func FilePath() string {
	return findConfigFile()
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	// Check environment variable first
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	// Search default paths
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// This is necessary because env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// If it's already a slice (from YAML file), skip
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		// If it's a string, split by comma
		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envMappings maps lower-cased environment variable names to koanf paths.
var envMappings = map[string]string{
	// Backend
	"backend_url":                   "backend.base_url",
	"auth_token":                    "backend.auth_token",
	"backend_timeout":               "backend.timeout",
	"backend_rate_limit":            "backend.requests_per_second",
	"backend_burst":                 "backend.burst",
	"backend_breaker_timeout":       "backend.breaker_timeout",
	"backend_breaker_failure_ratio": "backend.breaker_failure_ratio",

	// Connectivity monitor
	"probe_target":           "monitor.probe_target",
	"probe_interval":         "monitor.probe_interval",
	"probe_timeout":          "monitor.probe_timeout",
	"offline_after_failures": "monitor.offline_after_failures",
	"max_outage":             "monitor.max_outage",

	// Retry policy
	"retry_max_retries":   "retry.max_retries",
	"retry_initial_delay": "retry.initial_delay",
	"retry_max_delay":     "retry.max_delay",
	"retry_multiplier":    "retry.multiplier",
	"retry_jitter":        "retry.jitter",

	// Offline queue
	"queue_backend":             "queue.backend",
	"queue_path":                "queue.path",
	"queue_sync_writes":         "queue.sync_writes",
	"queue_max_locations":       "queue.max_locations",
	"queue_max_requests":        "queue.max_requests",
	"queue_location_ttl":        "queue.location_ttl",
	"queue_request_ttl":         "queue.request_ttl",
	"queue_request_max_retries": "queue.request_max_retries",

	// Sync loop
	"sync_interval":       "sync.interval",
	"sync_error_interval": "sync.error_interval",

	// Polling
	"user_id":                   "polling.user_id",
	"poll_base_interval":        "polling.base_interval",
	"poll_max_interval":         "polling.max_interval",
	"poll_battery_max_interval": "polling.battery_max_interval",
	"poll_failure_threshold":    "polling.failure_threshold",
	"poll_cache_validity":       "polling.cache_validity",
	"poll_disable_outbound":     "polling.disable_outbound",
	"battery_optimizer_enabled": "polling.optimizer_enabled",
	"stationary_radius":         "polling.stationary_radius",

	// Device seed values
	"device_battery_level": "device.battery_level",
	"device_charging":      "device.charging",

	// Local status server
	"server_enabled":        "server.enabled",
	"http_host":             "server.host",
	"http_port":             "server.port",
	"http_shutdown_timeout": "server.shutdown_timeout",
	"cors_origins":          "server.cors_origins",
	"rate_limit_requests":   "server.rate_limit_reqs",
	"control_rate_limit":    "server.control_rate_limit_reqs",
	"rate_limit_window":     "server.rate_limit_window",
	"disable_rate_limit":    "server.rate_limit_disabled",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	// Supervisor
	"supervisor_failure_threshold": "supervisor.failure_threshold",
	"supervisor_failure_backoff":   "supervisor.failure_backoff",
	"supervisor_shutdown_timeout":  "supervisor.shutdown_timeout",
}

// envTransformFunc transforms environment variable names to koanf config paths.
// Unmapped variables return "" so koanf skips them.
//
// Examples:
//   - BACKEND_URL -> backend.base_url
//   - QUEUE_BACKEND -> queue.backend
//   - HTTP_PORT -> server.port
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}

// WatchConfigFile calls callback whenever the file at path changes.
// The caller owns any locking around the reloaded configuration.
func WatchConfigFile(path string, callback func()) error {
	provider := file.Provider(path)

	return provider.Watch(func(_ interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
