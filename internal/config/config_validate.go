// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package config

import (
	"net"
	"strings"
)

// Validate checks every section and returns the first *ConfigError found.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateBackend,
		c.validateMonitor,
		c.validateRetry,
		c.validateQueue,
		c.validateSync,
		c.validatePolling,
		c.validateDevice,
		c.validateServer,
		c.validateLogging,
		c.validateSupervisor,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateBackend() error {
	b := c.Backend
	if b.BaseURL == "" {
		return fieldError("backend.base_url", "is required")
	}
	if err := validateHTTPURL(b.BaseURL); err != nil {
		return fieldError("backend.base_url", "%v", err)
	}
	if b.Timeout <= 0 {
		return fieldError("backend.timeout", "must be positive")
	}
	if b.RequestsPerSecond < 0 {
		return fieldError("backend.requests_per_second", "must not be negative")
	}
	if b.RequestsPerSecond > 0 && b.Burst < 1 {
		return fieldError("backend.burst", "must be at least 1 when rate limiting is enabled")
	}
	if b.BreakerFailureRatio <= 0 || b.BreakerFailureRatio > 1 {
		return fieldError("backend.breaker_failure_ratio", "must be in (0, 1], got %v", b.BreakerFailureRatio)
	}
	if b.BreakerTimeout <= 0 {
		return fieldError("backend.breaker_timeout", "must be positive")
	}
	return nil
}

func (c *Config) validateMonitor() error {
	m := c.Monitor
	if _, _, err := net.SplitHostPort(m.ProbeTarget); err != nil {
		return fieldError("monitor.probe_target", "must be host:port: %v", err)
	}
	if m.ProbeInterval <= 0 {
		return fieldError("monitor.probe_interval", "must be positive")
	}
	if m.ProbeTimeout <= 0 || m.ProbeTimeout > m.ProbeInterval {
		return fieldError("monitor.probe_timeout", "must be positive and no longer than probe_interval")
	}
	if m.ExcellentBelow <= 0 || m.GoodBelow <= m.ExcellentBelow {
		return fieldError("monitor.good_below", "must be greater than excellent_below")
	}
	if m.OfflineAfterFailures < 1 {
		return fieldError("monitor.offline_after_failures", "must be at least 1")
	}
	if m.MaxOutage <= 0 {
		return fieldError("monitor.max_outage", "must be positive")
	}
	return nil
}

func (c *Config) validateRetry() error {
	r := c.Retry
	if r.MaxRetries < 1 {
		return fieldError("retry.max_retries", "must be at least 1")
	}
	if r.InitialDelay <= 0 {
		return fieldError("retry.initial_delay", "must be positive")
	}
	if r.MaxDelay < r.InitialDelay {
		return fieldError("retry.max_delay", "must not be below initial_delay")
	}
	if r.Multiplier < 1 {
		return fieldError("retry.multiplier", "must be at least 1, got %v", r.Multiplier)
	}
	return nil
}

func (c *Config) validateQueue() error {
	q := c.Queue
	switch q.Backend {
	case QueueBackendBadger, QueueBackendFile:
		if q.Path == "" {
			return fieldError("queue.path", "is required for the %s backend", q.Backend)
		}
	case QueueBackendMemory:
	default:
		return fieldError("queue.backend", "must be badger, file or memory, got %q", q.Backend)
	}
	if q.MaxLocations < 1 {
		return fieldError("queue.max_locations", "must be at least 1")
	}
	if q.MaxRequests < 1 {
		return fieldError("queue.max_requests", "must be at least 1")
	}
	if q.LocationTTL <= 0 {
		return fieldError("queue.location_ttl", "must be positive")
	}
	if q.RequestTTL <= 0 {
		return fieldError("queue.request_ttl", "must be positive")
	}
	if q.RequestMaxRetries < 1 {
		return fieldError("queue.request_max_retries", "must be at least 1")
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.Interval <= 0 {
		return fieldError("sync.interval", "must be positive")
	}
	if c.Sync.ErrorInterval <= 0 {
		return fieldError("sync.error_interval", "must be positive")
	}
	return nil
}

func (c *Config) validatePolling() error {
	p := c.Polling
	if p.BaseInterval <= 0 {
		return fieldError("polling.base_interval", "must be positive")
	}
	if p.MaxInterval < p.BaseInterval {
		return fieldError("polling.max_interval", "must not be below base_interval")
	}
	if p.BatteryMaxInterval < p.MaxInterval {
		return fieldError("polling.battery_max_interval", "must not be below max_interval")
	}
	if p.FailureThreshold < 1 {
		return fieldError("polling.failure_threshold", "must be at least 1")
	}
	if p.ReduceAfter <= 0 {
		return fieldError("polling.reduce_after", "must be positive")
	}
	if p.CacheValidity <= 0 {
		return fieldError("polling.cache_validity", "must be positive")
	}
	if !p.DisableOutbound && p.UserID == "" {
		return fieldError("polling.user_id", "is required unless disable_outbound is set")
	}
	if p.StationaryRadius <= 0 {
		return fieldError("polling.stationary_radius", "must be positive")
	}
	if p.OptimizerRetry <= 0 {
		return fieldError("polling.optimizer_retry", "must be positive")
	}
	return nil
}

func (c *Config) validateDevice() error {
	d := c.Device
	if d.BatteryLevel < 0 || d.BatteryLevel > 1 {
		return fieldError("device.battery_level", "must be between 0 and 1, got %v", d.BatteryLevel)
	}
	if !d.SeedLocation {
		return nil
	}
	if d.Latitude < -90 || d.Latitude > 90 {
		return fieldError("device.latitude", "must be between -90 and 90")
	}
	if d.Longitude < -180 || d.Longitude > 180 {
		return fieldError("device.longitude", "must be between -180 and 180")
	}
	if d.Accuracy < 0 {
		return fieldError("device.accuracy", "must not be negative")
	}
	return nil
}

func (c *Config) validateServer() error {
	s := c.Server
	if !s.Enabled {
		return nil
	}
	if s.Port < 1 || s.Port > 65535 {
		return fieldError("server.port", "must be between 1 and 65535, got %d", s.Port)
	}
	if s.Host != "" && s.Host != "localhost" && net.ParseIP(s.Host) == nil {
		return fieldError("server.host", "must be an IP address or localhost, got %q", s.Host)
	}
	for _, origin := range s.CORSOrigins {
		if origin == "*" {
			return fieldError("server.cors_origins", "wildcard origin is not allowed for the local control API")
		}
	}
	if !s.RateLimitDisabled && s.RateLimitWindow <= 0 {
		return fieldError("server.rate_limit_window", "must be positive")
	}
	if s.ShutdownTimeout <= 0 {
		return fieldError("server.shutdown_timeout", "must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		return fieldError("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fieldError("logging.format", "must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateSupervisor() error {
	s := c.Supervisor
	if s.FailureThreshold <= 0 {
		return fieldError("supervisor.failure_threshold", "must be positive")
	}
	if s.FailureDecay <= 0 {
		return fieldError("supervisor.failure_decay", "must be positive")
	}
	if s.FailureBackoff <= 0 {
		return fieldError("supervisor.failure_backoff", "must be positive")
	}
	if s.ShutdownTimeout <= 0 {
		return fieldError("supervisor.shutdown_timeout", "must be positive")
	}
	return nil
}
