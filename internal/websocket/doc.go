// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

/*
Package websocket streams sync core events to local UI clients.

A Hub owns the connected clients. RelayEvents subscribes to the event bus and
turns each event into a Message whose Type is the event name
(connection_changed, pending_count_changed, locations_updated,
member_status_changed, ...) and whose Data is the event payload.

Each Client runs a readPump and a writePump. Clients may send:

	{"type": "ping"}                                   answered with pong
	{"type": "subscribe", "data": ["locations_updated"]}  restrict delivery

An empty subscribe list restores delivery of every event. A client whose send
buffer fills up is disconnected rather than slowing the broadcast.
*/
package websocket
