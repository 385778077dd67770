// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

/*
Package services provides suture.Service wrappers for FamilySync components.

Each wrapper translates a component lifecycle (Start/Stop, RunWithContext,
ListenAndServe) into suture's context-aware Serve method:

	type Service interface {
	    Serve(ctx context.Context) error
	}

# Available Services

Components (ComponentService):
  - NewMonitorService: connectivity.Monitor probe loop
  - NewSyncEngineService: sync.Engine background drain loop
  - NewSchedulerService: polling.Scheduler inbound and outbound timers
  - NewOptimizerService: polling.Optimizer battery and motion pass

WebSocket (WebSocketHubService, EventRelayService):
  - Runs the hub's client registry loop
  - Relays event bus traffic to connected clients
  - A closed bus stops the relay with suture.ErrDoNotRestart

Status server (HTTPServerService):
  - Wraps *http.Server with graceful shutdown
  - Shutdown uses a fresh context bounded by the configured timeout

# Usage

	tree.AddConnectivityService(services.NewMonitorService(monitor))
	tree.AddSyncService(services.NewSyncEngineService(engine))
	tree.AddSyncService(services.NewSchedulerService(scheduler))
	tree.AddAPIService(services.NewWebSocketHubService(hub))
	tree.AddAPIService(services.NewEventRelayService(hub, bus))
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))

Every wrapper returns ctx.Err() on a clean shutdown so suture does not treat
the exit as a failure.
*/
package services
