// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

/*
Package config provides centralized configuration management for FamilySync.

Configuration is layered with Koanf v2: compiled defaults, then an optional
YAML file, then environment variables. The merged result is validated before
Load returns it, and any invalid value is reported as a *ConfigError naming
the koanf path of the field.

# Configuration File

The file is taken from CONFIG_PATH when set and present, otherwise the first
of config.yaml, config.yml, /etc/familysync/config.yaml and
/etc/familysync/config.yml that exists:

	backend:
	  base_url: https://family.example.com/api/
	  auth_token: "..."
	polling:
	  user_id: "42"
	queue:
	  backend: badger
	  path: /var/lib/familysync/queue
	server:
	  port: 7420

# Environment Variables

Only mapped variables are read; see envMappings for the full list.

Backend:
  - BACKEND_URL: Base URL including the API prefix
  - AUTH_TOKEN: Bearer token sent on every request
  - BACKEND_TIMEOUT: Per-request timeout (default: 30s)

Connectivity:
  - PROBE_TARGET: host:port dialed by the probe (default: 8.8.8.8:53)
  - PROBE_INTERVAL: Time between probes (default: 30s)

Offline queue:
  - QUEUE_BACKEND: badger, file or memory (default: badger)
  - QUEUE_PATH: Store directory (default: /data/familysync/queue)

Polling:
  - USER_ID: Backend user id of this device's member (required unless POLL_DISABLE_OUTBOUND=true)
  - POLL_BASE_INTERVAL: Starting interval for both timers (default: 30s)
  - BATTERY_OPTIMIZER_ENABLED: Run the battery optimizer (default: true)

Local server:
  - HTTP_HOST / HTTP_PORT: Listen address (default: 127.0.0.1:7420)
  - CORS_ORIGINS: Comma-separated allowed origins
  - DISABLE_RATE_LIMIT: Disable request rate limits

Logging:
  - LOG_LEVEL: trace, debug, info, warn, error (default: info)
  - LOG_FORMAT: json or console (default: json)

# Usage

	cfg, err := config.Load()
	if err != nil {
	    logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	addr := cfg.Server.Addr()
*/
package config
