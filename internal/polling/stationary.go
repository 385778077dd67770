// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package polling

import (
	"math"
	"sync"
	"time"

	"github.com/tomtom215/familysync/internal/models"
)

// StationaryRadiusMeters is how far fixes may drift from the anchor while the
// device still counts as stationary.
const StationaryRadiusMeters = 50.0

const earthRadiusKm = 6371.0

// DistanceMeters is the great circle distance between two points.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c * 1000
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// StationaryDetector tracks how long successive fixes have stayed within a
// radius of an anchor. A fix outside the radius becomes the new anchor.
type StationaryDetector struct {
	mu     sync.Mutex
	radius float64
	anchor *models.Location
	since  time.Time
	now    func() time.Time
}

// NewStationaryDetector creates a detector. radius <= 0 uses StationaryRadiusMeters.
func NewStationaryDetector(radius float64) *StationaryDetector {
	if radius <= 0 {
		radius = StationaryRadiusMeters
	}
	return &StationaryDetector{radius: radius, now: time.Now}
}

// Observe feeds a fix and returns how long the device has been stationary.
// The first fix and any fix outside the radius return zero.
func (d *StationaryDetector) Observe(loc models.Location) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if d.anchor == nil ||
		DistanceMeters(d.anchor.Latitude, d.anchor.Longitude, loc.Latitude, loc.Longitude) >= d.radius {
		anchor := loc
		d.anchor = &anchor
		d.since = now
		return 0
	}
	return now.Sub(d.since)
}

// Duration returns the stationary time as of now without feeding a fix.
func (d *StationaryDetector) Duration() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.anchor == nil {
		return 0
	}
	return d.now().Sub(d.since)
}

// Reset drops the anchor.
func (d *StationaryDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.anchor = nil
	d.since = time.Time{}
}
