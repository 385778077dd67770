// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

/*
Package api serves the local status and control surface of the sync core.

A UI shell running on the same device talks to these endpoints instead of
calling the backend directly:

	GET  /health                    liveness
	GET  /metrics                   Prometheus metrics
	GET  /ws                        event stream (see package websocket)
	GET  /api/v1/status             connection, queue, polling and battery summary
	GET  /api/v1/locations          family locations, cache first
	POST /api/v1/refresh            drop the cache and fetch now
	POST /api/v1/sync               drain the offline queue now
	POST /api/v1/family             create a family (queued when offline)
	POST /api/v1/family/join        join a family (queued when offline)
	PUT  /api/v1/device/location    host reports a device fix
	PUT  /api/v1/device/battery     host reports a battery reading

Every JSON response uses models.APIResponse. Control endpoints (refresh, sync
and family mutations) share a stricter per-IP rate limit than the read-only
endpoints.
*/
package api
