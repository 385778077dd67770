// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package models

import "time"

// LocationRecord is a family member's last known position as reported by the backend.
type LocationRecord struct {
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	Timestamp  time.Time `json:"timestamp"`
	LastSeen   time.Time `json:"lastSeen"`
	IsOnline   bool      `json:"isOnline"`
	MinutesAgo int       `json:"minutesAgo"`
}

// LocationUpdate is an outbound position waiting to be delivered to the backend.
// At most one is pending per UserID.
type LocationUpdate struct {
	UserID     string    `json:"userId"`
	Latitude   float64   `json:"latitude" validate:"latitude"`
	Longitude  float64   `json:"longitude" validate:"longitude"`
	Accuracy   float64   `json:"accuracy" validate:"gte=0"`
	CapturedAt time.Time `json:"capturedAt" validate:"required"`
}

// Location is a single device fix.
type Location struct {
	Latitude  float64   `json:"latitude" validate:"latitude"`
	Longitude float64   `json:"longitude" validate:"longitude"`
	Accuracy  float64   `json:"accuracy" validate:"gte=0"`
	Timestamp time.Time `json:"timestamp"`
}

// BatteryState is the device power reading. Level is in [0, 1].
type BatteryState struct {
	Level    float64 `json:"level" validate:"gte=0,lte=1"`
	Charging bool    `json:"charging"`
}
