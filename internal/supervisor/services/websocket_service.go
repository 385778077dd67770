// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package services

import (
	"context"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/familysync/internal/events"
)

// ContextHub is satisfied by *websocket.Hub.
type ContextHub interface {
	RunWithContext(ctx context.Context) error
}

// WebSocketHubService runs the hub's client registry loop. The hub closes
// every client with a shutdown reason when the context is canceled.
type WebSocketHubService struct {
	hub  ContextHub
	name string
}

// NewWebSocketHubService creates a new WebSocket hub service wrapper.
func NewWebSocketHubService(hub ContextHub) *WebSocketHubService {
	return &WebSocketHubService{
		hub:  hub,
		name: "websocket-hub",
	}
}

// Serve implements suture.Service.
func (w *WebSocketHubService) Serve(ctx context.Context) error {
	return w.hub.RunWithContext(ctx)
}

// String implements fmt.Stringer.
func (w *WebSocketHubService) String() string {
	return w.name
}

// EventRelay is satisfied by *websocket.Hub.
type EventRelay interface {
	RelayEvents(ctx context.Context, bus *events.Bus) error
}

// EventRelayService forwards bus events to websocket clients. The relay
// subscription is dropped when Serve returns, so a restart subscribes afresh.
type EventRelayService struct {
	relay EventRelay
	bus   *events.Bus
	name  string
}

// NewEventRelayService creates the relay service.
func NewEventRelayService(relay EventRelay, bus *events.Bus) *EventRelayService {
	return &EventRelayService{
		relay: relay,
		bus:   bus,
		name:  "event-relay",
	}
}

// Serve implements suture.Service. A closed bus ends the relay for good.
func (e *EventRelayService) Serve(ctx context.Context) error {
	err := e.relay.RelayEvents(ctx, e.bus)
	if err == nil && ctx.Err() == nil {
		return suture.ErrDoNotRestart
	}
	return err
}

// String implements fmt.Stringer.
func (e *EventRelayService) String() string {
	return e.name
}
