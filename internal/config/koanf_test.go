// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validConfig returns the defaults with the one required value filled in.
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Polling.UserID = "42"
	return cfg
}

// isolateEnv points CONFIG_PATH at a missing file and clears the variables
// tests rely on, so the host environment cannot leak into Load.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	for env := range envMappings {
		key := strings.ToUpper(env)
		if _, ok := os.LookupEnv(key); ok {
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Backend.BaseURL != "https://localhost:7000/api/" {
		t.Errorf("Backend.BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Timeout != 30*time.Second {
		t.Errorf("Backend.Timeout = %v, want 30s", cfg.Backend.Timeout)
	}
	if cfg.Monitor.ProbeTarget != "8.8.8.8:53" {
		t.Errorf("Monitor.ProbeTarget = %q, want 8.8.8.8:53", cfg.Monitor.ProbeTarget)
	}
	if cfg.Monitor.ProbeTimeout != 5*time.Second {
		t.Errorf("Monitor.ProbeTimeout = %v, want 5s", cfg.Monitor.ProbeTimeout)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.InitialDelay != time.Second || cfg.Retry.MaxDelay != 5*time.Minute {
		t.Errorf("Retry = %+v, want 3 attempts from 1s capped at 5m", cfg.Retry)
	}
	if cfg.Queue.Backend != QueueBackendBadger {
		t.Errorf("Queue.Backend = %q, want badger", cfg.Queue.Backend)
	}
	if cfg.Queue.MaxLocations != 100 || cfg.Queue.MaxRequests != 50 {
		t.Errorf("Queue caps = %d/%d, want 100/50", cfg.Queue.MaxLocations, cfg.Queue.MaxRequests)
	}
	if cfg.Queue.LocationTTL != 6*time.Hour || cfg.Queue.RequestTTL != 24*time.Hour {
		t.Errorf("Queue TTLs = %v/%v, want 6h/24h", cfg.Queue.LocationTTL, cfg.Queue.RequestTTL)
	}
	if cfg.Sync.Interval != 2*time.Minute || cfg.Sync.ErrorInterval != 5*time.Minute {
		t.Errorf("Sync = %+v, want 2m/5m", cfg.Sync)
	}
	if cfg.Polling.BaseInterval != 30*time.Second {
		t.Errorf("Polling.BaseInterval = %v, want 30s", cfg.Polling.BaseInterval)
	}
	if cfg.Polling.MaxInterval != 5*time.Minute || cfg.Polling.BatteryMaxInterval != 10*time.Minute {
		t.Errorf("Polling caps = %v/%v, want 5m/10m", cfg.Polling.MaxInterval, cfg.Polling.BatteryMaxInterval)
	}
	if cfg.Polling.CacheValidity != 25*time.Second {
		t.Errorf("Polling.CacheValidity = %v, want 25s", cfg.Polling.CacheValidity)
	}
	if cfg.Server.Addr() != "127.0.0.1:7420" {
		t.Errorf("Server.Addr() = %q, want 127.0.0.1:7420", cfg.Server.Addr())
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want info/json", cfg.Logging)
	}
}

func TestDefaultConfig_RequiresUserID(t *testing.T) {
	err := defaultConfig().Validate()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Validate() = %v, want *ConfigError", err)
	}
	if cfgErr.Field != "polling.user_id" {
		t.Errorf("Field = %q, want polling.user_id", cfgErr.Field)
	}

	if err := validConfig().Validate(); err != nil {
		t.Errorf("defaults with a user id should validate: %v", err)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"BACKEND_URL", "backend.base_url"},
		{"AUTH_TOKEN", "backend.auth_token"},
		{"PROBE_TARGET", "monitor.probe_target"},
		{"RETRY_MAX_RETRIES", "retry.max_retries"},
		{"QUEUE_BACKEND", "queue.backend"},
		{"QUEUE_PATH", "queue.path"},
		{"SYNC_INTERVAL", "sync.interval"},
		{"USER_ID", "polling.user_id"},
		{"POLL_BASE_INTERVAL", "polling.base_interval"},
		{"DEVICE_BATTERY_LEVEL", "device.battery_level"},
		{"HTTP_PORT", "server.port"},
		{"CORS_ORIGINS", "server.cors_origins"},
		{"DISABLE_RATE_LIMIT", "server.rate_limit_disabled"},
		{"LOG_LEVEL", "logging.level"},
		{"SUPERVISOR_FAILURE_BACKOFF", "supervisor.failure_backoff"},

		{"RANDOM_VAR", ""},
		{"PATH", ""},
		{"HOME", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := envTransformFunc(tt.input); got != tt.expected {
				t.Errorf("envTransformFunc(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFindConfigFile(t *testing.T) {
	tmpDir := t.TempDir()

	origDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	defer func() {
		if err := os.Chdir(origDir); err != nil {
			t.Errorf("Failed to restore working directory: %v", err)
		}
	}()
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("Failed to change to temp directory: %v", err)
	}

	t.Run("no config file exists", func(t *testing.T) {
		t.Setenv(ConfigPathEnvVar, "")
		if got := findConfigFile(); got != "" {
			t.Errorf("findConfigFile() = %q, want empty string", got)
		}
	})

	t.Run("config.yaml exists", func(t *testing.T) {
		if err := os.WriteFile("config.yaml", []byte("sync:\n  interval: 1m\n"), 0o600); err != nil {
			t.Fatalf("Failed to create config file: %v", err)
		}
		defer os.Remove("config.yaml")

		t.Setenv(ConfigPathEnvVar, "")
		if got := findConfigFile(); got != "config.yaml" {
			t.Errorf("findConfigFile() = %q, want config.yaml", got)
		}
	})

	t.Run("CONFIG_PATH takes precedence", func(t *testing.T) {
		customPath := filepath.Join(tmpDir, "custom.yaml")
		if err := os.WriteFile(customPath, []byte("sync:\n  interval: 1m\n"), 0o600); err != nil {
			t.Fatalf("Failed to create config file: %v", err)
		}

		t.Setenv(ConfigPathEnvVar, customPath)
		if got := findConfigFile(); got != customPath {
			t.Errorf("findConfigFile() = %q, want %q", got, customPath)
		}
		if got := FilePath(); got != customPath {
			t.Errorf("FilePath() = %q, want %q", got, customPath)
		}
	})

	t.Run("CONFIG_PATH with missing file falls back", func(t *testing.T) {
		t.Setenv(ConfigPathEnvVar, "/non/existent/config.yaml")
		if got := findConfigFile(); got != "" {
			t.Errorf("findConfigFile() = %q, want empty string", got)
		}
	})
}

func TestLoad_EnvVars(t *testing.T) {
	isolateEnv(t)
	t.Setenv("USER_ID", "user-7")
	t.Setenv("BACKEND_URL", "https://family.example.com/api/")
	t.Setenv("AUTH_TOKEN", "opaque-token")
	t.Setenv("QUEUE_BACKEND", "file")
	t.Setenv("QUEUE_PATH", "/tmp/familysync")
	t.Setenv("POLL_BASE_INTERVAL", "45s")
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000, http://127.0.0.1:3000")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Polling.UserID != "user-7" {
		t.Errorf("Polling.UserID = %q, want user-7", cfg.Polling.UserID)
	}
	if cfg.Backend.BaseURL != "https://family.example.com/api/" {
		t.Errorf("Backend.BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.AuthToken != "opaque-token" {
		t.Errorf("Backend.AuthToken = %q", cfg.Backend.AuthToken)
	}
	if cfg.Queue.Backend != QueueBackendFile || cfg.Queue.Path != "/tmp/familysync" {
		t.Errorf("Queue = %s at %s, want file at /tmp/familysync", cfg.Queue.Backend, cfg.Queue.Path)
	}
	if cfg.Polling.BaseInterval != 45*time.Second {
		t.Errorf("Polling.BaseInterval = %v, want 45s", cfg.Polling.BaseInterval)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "http://127.0.0.1:3000" {
		t.Errorf("Server.CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}

	// Untouched values keep their defaults.
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("Retry.MaxRetries = %d, want default 3", cfg.Retry.MaxRetries)
	}
}

func TestLoad_ConfigFileThenEnv(t *testing.T) {
	isolateEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
polling:
  user_id: "from-file"
  max_interval: 4m
queue:
  backend: memory
server:
  port: 8800
  cors_origins:
    - http://localhost:5173
logging:
  format: console
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("HTTP_PORT", "8900")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Polling.UserID != "from-file" {
		t.Errorf("Polling.UserID = %q, want from-file", cfg.Polling.UserID)
	}
	if cfg.Polling.MaxInterval != 4*time.Minute {
		t.Errorf("Polling.MaxInterval = %v, want 4m", cfg.Polling.MaxInterval)
	}
	if cfg.Queue.Backend != QueueBackendMemory {
		t.Errorf("Queue.Backend = %q, want memory", cfg.Queue.Backend)
	}
	if cfg.Server.Port != 8900 {
		t.Errorf("Server.Port = %d, want env override 8900", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "http://localhost:5173" {
		t.Errorf("Server.CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("Logging.Format = %q, want console", cfg.Logging.Format)
	}
}

func TestLoad_InvalidValue(t *testing.T) {
	isolateEnv(t)
	t.Setenv("USER_ID", "42")
	t.Setenv("QUEUE_BACKEND", "sqlite")

	_, err := Load()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Load() error = %v, want wrapped *ConfigError", err)
	}
	if cfgErr.Field != "queue.backend" {
		t.Errorf("Field = %q, want queue.backend", cfgErr.Field)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"outbound disabled needs no user", func(c *Config) { c.Polling.UserID = ""; c.Polling.DisableOutbound = true }, ""},
		{"server disabled skips server checks", func(c *Config) { c.Server.Enabled = false; c.Server.Port = 0 }, ""},
		{"memory queue needs no path", func(c *Config) { c.Queue.Backend = QueueBackendMemory; c.Queue.Path = "" }, ""},

		{"empty base url", func(c *Config) { c.Backend.BaseURL = "" }, "backend.base_url"},
		{"ftp base url", func(c *Config) { c.Backend.BaseURL = "ftp://example.com/" }, "backend.base_url"},
		{"breaker ratio", func(c *Config) { c.Backend.BreakerFailureRatio = 1.5 }, "backend.breaker_failure_ratio"},
		{"burst with limiter", func(c *Config) { c.Backend.Burst = 0 }, "backend.burst"},
		{"probe target", func(c *Config) { c.Monitor.ProbeTarget = "8.8.8.8" }, "monitor.probe_target"},
		{"probe timeout", func(c *Config) { c.Monitor.ProbeTimeout = time.Hour }, "monitor.probe_timeout"},
		{"quality buckets", func(c *Config) { c.Monitor.GoodBelow = 50 * time.Millisecond }, "monitor.good_below"},
		{"retry attempts", func(c *Config) { c.Retry.MaxRetries = 0 }, "retry.max_retries"},
		{"retry max delay", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "retry.max_delay"},
		{"retry multiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }, "retry.multiplier"},
		{"queue backend", func(c *Config) { c.Queue.Backend = "redis" }, "queue.backend"},
		{"queue path", func(c *Config) { c.Queue.Path = "" }, "queue.path"},
		{"queue caps", func(c *Config) { c.Queue.MaxLocations = 0 }, "queue.max_locations"},
		{"sync interval", func(c *Config) { c.Sync.Interval = 0 }, "sync.interval"},
		{"polling max", func(c *Config) { c.Polling.MaxInterval = time.Second }, "polling.max_interval"},
		{"polling battery max", func(c *Config) { c.Polling.BatteryMaxInterval = time.Minute }, "polling.battery_max_interval"},
		{"polling user", func(c *Config) { c.Polling.UserID = "" }, "polling.user_id"},
		{"battery level", func(c *Config) { c.Device.BatteryLevel = 1.5 }, "device.battery_level"},
		{"seed latitude", func(c *Config) { c.Device.SeedLocation = true; c.Device.Latitude = 91 }, "device.latitude"},
		{"server port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"server host", func(c *Config) { c.Server.Host = "my host" }, "server.host"},
		{"wildcard cors", func(c *Config) { c.Server.CORSOrigins = []string{"*"} }, "server.cors_origins"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"supervisor backoff", func(c *Config) { c.Supervisor.FailureBackoff = 0 }, "supervisor.failure_backoff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() = %v, want *ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q (%s)", cfgErr.Field, tt.field, cfgErr.Message)
			}
		})
	}
}

func TestValidateHTTPURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://localhost:7000/api/", false},
		{"http://192.168.1.10:8080", false},
		{"https://family.example.com/api/v2/", false},
		{"ws://example.com", true},
		{"https://", true},
		{"https://example.com/api/?debug=1", true},
		{"https://example.com/#frag", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := validateHTTPURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateHTTPURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Field: "server.port", Message: "must be between 1 and 65535, got 0"}
	want := "config: server.port: must be between 1 and 65535, got 0"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
