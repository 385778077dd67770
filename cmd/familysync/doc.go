// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

/*
Package main is the entry point for the FamilySync agent.

FamilySync is the on-device connectivity and sync core of a family location
sharing app. It watches the network, queues writes while offline, replays
them when the connection returns, polls the family's positions on an adaptive
schedule, and exposes the resulting state to a local UI shell over HTTP and
WebSocket.

# Application Architecture

Components run under a Suture v4 supervisor tree:

	RootSupervisor ("familysync")
	├── ConnectivitySupervisor ("connectivity-layer")
	│   └── Connection Monitor (periodic reachability probe)
	├── SyncSupervisor ("sync-layer")
	│   ├── Sync Engine (offline queue drain loop)
	│   ├── Polling Scheduler (inbound fetch and outbound push timers)
	│   └── Battery Optimizer (optional)
	└── APISupervisor ("api-layer")
	    ├── WebSocket Hub
	    ├── Event Relay (event bus to WebSocket clients)
	    └── Status Server (optional)

Component initialization order:

 1. Configuration: Koanf v2 with environment variables and config files
 2. Logging: zerolog with JSON/console output modes
 3. Offline Queue: BadgerDB, JSON file or in-memory snapshot store
 4. Backend Client: circuit breaker and outbound rate limit
 5. Connection Monitor, Sync Engine, Polling Scheduler
 6. Supervisor Tree and Status Server

# Configuration

Configuration is loaded via Koanf v2 with layered sources (highest priority wins):

	Priority: Environment variables > Config file > Defaults

Core environment variables:

	BACKEND_URL=https://api.example.com/api/   # Backend base URL
	AUTH_TOKEN=<token>                          # Bearer token from the backend
	USER_ID=<id>                                # Stamped on outbound positions
	QUEUE_BACKEND=badger                        # badger, file or memory
	QUEUE_PATH=/data/familysync/queue
	PROBE_TARGET=8.8.8.8:53                     # Reachability probe target
	HTTP_PORT=7420                              # Local status server
	LOG_LEVEL=info                              # trace, debug, info, warn, error
	LOG_FORMAT=json                             # json or console

# Signal Handling

The agent handles graceful shutdown on SIGINT and SIGTERM:

 1. Stops the polling timers and the drain loop
 2. Closes WebSocket clients and the status server
 3. Persists and closes the offline queue store
 4. Reports any services that failed to stop

# See Also

  - internal/config: Configuration management
  - internal/supervisor: Process supervision
  - internal/sync: Offline queue drain and retry
  - internal/polling: Adaptive polling and battery optimization
*/
package main
