// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package connectivity

import "time"

// Quality is the coarse connection quality bucket.
type Quality int

// Quality buckets, ordered worst to best.
const (
	QualityOffline Quality = iota
	QualityPoor
	QualityGood
	QualityExcellent
)

func (q Quality) String() string {
	switch q {
	case QualityPoor:
		return "Poor"
	case QualityGood:
		return "Good"
	case QualityExcellent:
		return "Excellent"
	default:
		return "Offline"
	}
}

// MarshalText renders the bucket by name in JSON payloads.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// State is a snapshot of the connection. Values returned by Monitor are copies.
type State struct {
	IsConnected         bool          `json:"isConnected"`
	IsOnline            bool          `json:"isOnline"`
	Quality             Quality       `json:"quality"`
	LastSuccessAt       time.Time     `json:"lastSuccessAt"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastError           *NetworkError `json:"lastError,omitempty"`
}

// clone copies s including the LastError pointee.
func (s State) clone() State {
	if s.LastError != nil {
		e := *s.LastError
		s.LastError = &e
	}
	return s
}

// differs reports whether a state-changed notification is due.
func (s State) differs(other State) bool {
	return s.IsConnected != other.IsConnected ||
		s.IsOnline != other.IsOnline ||
		s.Quality != other.Quality
}

// StatusText is "Connected" or "Disconnected".
func (s State) StatusText() string {
	if s.IsOnline {
		return "Connected"
	}
	return "Disconnected"
}
