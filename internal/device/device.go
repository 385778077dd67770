// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

// Package device defines the sensor queries the sync core consumes: the
// current location fix and the battery state.
//
// The host application owns the real sensors. Static is a thread-safe
// provider that the host (or the local status API) feeds with readings.
package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/familysync/internal/models"
	"github.com/tomtom215/familysync/internal/validation"
)

// ErrNoFix is returned when no location is available.
var ErrNoFix = errors.New("no location fix available")

// Accuracy is the requested fix precision.
type Accuracy int

// Accuracy tiers, most precise first.
const (
	AccuracyBest Accuracy = iota
	AccuracyMedium
	AccuracyLow
)

func (a Accuracy) String() string {
	switch a {
	case AccuracyBest:
		return "best"
	case AccuracyMedium:
		return "medium"
	case AccuracyLow:
		return "low"
	default:
		return "unknown"
	}
}

// FixTimeout is how long a provider may spend acquiring a fix at this tier.
func (a Accuracy) FixTimeout() time.Duration {
	if a == AccuracyBest {
		return 15 * time.Second
	}
	return 10 * time.Second
}

// AccuracyFor picks the tier for a battery reading: best when charging or
// above 50%, medium above 30%, low otherwise.
func AccuracyFor(b models.BatteryState) Accuracy {
	switch {
	case b.Charging, b.Level > 0.5:
		return AccuracyBest
	case b.Level > 0.3:
		return AccuracyMedium
	default:
		return AccuracyLow
	}
}

// LocationProvider returns the current device position.
type LocationProvider interface {
	CurrentLocation(ctx context.Context, accuracy Accuracy) (models.Location, error)
}

// BatteryProvider returns the current battery state.
type BatteryProvider interface {
	Battery(ctx context.Context) (models.BatteryState, error)
}

// Static holds the last readings pushed by the host.
type Static struct {
	mu       sync.RWMutex
	location *models.Location
	battery  models.BatteryState
	now      func() time.Time
}

// NewStatic creates a provider reporting a full, unplugged battery and no fix.
func NewStatic() *Static {
	return &Static{
		battery: models.BatteryState{Level: 1},
		now:     time.Now,
	}
}

// SetLocation records a new fix. Fixes without a timestamp are stamped now.
func (s *Static) SetLocation(loc models.Location) error {
	if err := validation.ValidateStruct(loc); err != nil {
		return err
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = &loc
	return nil
}

// SetBattery records a new battery reading.
func (s *Static) SetBattery(b models.BatteryState) error {
	if err := validation.ValidateStruct(b); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.battery = b
	return nil
}

// CurrentLocation returns the last fix. The accuracy hint is ignored because
// the host decides how its fixes are acquired.
func (s *Static) CurrentLocation(ctx context.Context, _ Accuracy) (models.Location, error) {
	if err := ctx.Err(); err != nil {
		return models.Location{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.location == nil {
		return models.Location{}, ErrNoFix
	}
	return *s.location, nil
}

// Battery returns the last battery reading.
func (s *Static) Battery(ctx context.Context) (models.BatteryState, error) {
	if err := ctx.Err(); err != nil {
		return models.BatteryState{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.battery, nil
}
