// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

/*
Package supervisor provides process supervision for FamilySync using suture v4.

The supervisor tree owns every long-running loop in the process and restarts
any that crash, with backoff:

	RootSupervisor ("familysync")
	├── ConnectivitySupervisor ("connectivity-layer")
	│   └── connection-monitor
	├── SyncSupervisor ("sync-layer")
	│   ├── sync-engine
	│   ├── polling-scheduler
	│   └── battery-optimizer (if enabled)
	└── APISupervisor ("api-layer")
	    ├── websocket-hub
	    ├── event-relay
	    └── status-server (if enabled)

Each layer counts failures independently, so a crash loop in the sync layer
does not restart the status server.

# Logging

Supervisor events (service panics, terminations, backoff) are reported
through sutureslog into the slog adapter of the logging package, so they land
in the same zerolog output as the rest of the process:

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
	    FailureThreshold: cfg.Supervisor.FailureThreshold,
	    FailureDecay:     cfg.Supervisor.FailureDecay,
	    FailureBackoff:   cfg.Supervisor.FailureBackoff,
	    ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})

# Shutdown

Canceling the context passed to Serve stops every service. Services that do
not stop within ShutdownTimeout are listed by UnstoppedServiceReport.
*/
package supervisor
