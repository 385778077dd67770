// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package models

import (
	"time"
)

// APIResponse is the envelope of every local status API response.
//
//	{
//	  "status": "success",
//	  "data": {...},
//	  "metadata": {"timestamp": "2026-03-01T12:00:00Z", "cached": true}
//	}
//
// On failure Status is "error", Data is null and Error is set.
type APIResponse struct {
	Status   string    `json:"status"`
	Data     any       `json:"data"`
	Metadata Metadata  `json:"metadata"`
	Error    *APIError `json:"error,omitempty"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	// Cached is true when the payload came from the result cache or the
	// offline fallback rather than a fresh backend call.
	Cached bool `json:"cached,omitempty"`
}

// APIError is a structured error.
//
// Codes used by the local API:
//   - VALIDATION_ERROR: invalid request body
//   - OFFLINE: backend unreachable, work queued or served from cache
//   - UPSTREAM_ERROR: backend answered with a failure
//   - CONFLICT: an equivalent operation is already running
//   - SERVICE_UNAVAILABLE: a component is not wired
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
