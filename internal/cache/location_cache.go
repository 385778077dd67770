// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

// Package cache holds the most recent successful family-locations fetch.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/familysync/internal/metrics"
	"github.com/tomtom215/familysync/internal/models"
)

// DefaultValidity is how long a fetch is served without another network call.
const DefaultValidity = 25 * time.Second

// Stats tracks cache usage.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Stores  int64 `json:"stores"`
	Clears  int64 `json:"clears"`
	Entries int   `json:"entries"`
}

// LocationCache keeps one CachedLocationSet: the locations of the last
// successful fetch and the time they were fetched.
//
// The set is replaced wholesale by Store. It is "fresh" while
// now - fetchedAt < validity, and remains available as a fallback through
// Latest for as long as the process runs or until Clear.
//
// Thread Safety: all methods are safe for concurrent use. Returned slices are
// copies and may be modified by the caller.
type LocationCache struct {
	mu        sync.RWMutex
	locations []models.LocationRecord
	fetchedAt time.Time
	present   bool
	validity  time.Duration
	now       func() time.Time
	stats     Stats
}

// NewLocationCache creates an empty cache. validity <= 0 uses DefaultValidity.
func NewLocationCache(validity time.Duration) *LocationCache {
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &LocationCache{validity: validity, now: time.Now}
}

// Store replaces the cached set and stamps it with the current time.
func (c *LocationCache) Store(locations []models.LocationRecord) {
	cp := make([]models.LocationRecord, len(locations))
	copy(cp, locations)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.locations = cp
	c.fetchedAt = c.now()
	c.present = true
	c.stats.Stores++
}

// Fresh returns the cached set if it is still inside the validity window.
// Every call counts as a hit or a miss.
func (c *LocationCache) Fresh() ([]models.LocationRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.present || c.now().Sub(c.fetchedAt) >= c.validity {
		c.stats.Misses++
		metrics.RecordCacheLookup(false)
		return nil, false
	}
	c.stats.Hits++
	metrics.RecordCacheLookup(true)
	return c.copyLocked(), true
}

// Latest returns the cached set regardless of age, for use as a fallback.
func (c *LocationCache) Latest() ([]models.LocationRecord, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.present {
		return nil, time.Time{}, false
	}
	return c.copyLocked(), c.fetchedAt, true
}

// Age returns how old the cached set is. ok is false when nothing is cached.
func (c *LocationCache) Age() (age time.Duration, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.present {
		return 0, false
	}
	return c.now().Sub(c.fetchedAt), true
}

// Clear drops the cached set.
func (c *LocationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locations = nil
	c.fetchedAt = time.Time{}
	c.present = false
	c.stats.Clears++
}

// StatusText describes the cache for display.
func (c *LocationCache) StatusText() string {
	age, ok := c.Age()
	switch {
	case !ok:
		return "No cached data"
	case age < c.validity:
		return fmt.Sprintf("Cached data (%ds old)", int(age.Seconds()))
	default:
		return fmt.Sprintf("Stale cached data (%dm old)", int(age.Minutes()))
	}
}

// Stats returns a copy of the usage counters.
func (c *LocationCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Entries = len(c.locations)
	return s
}

func (c *LocationCache) copyLocked() []models.LocationRecord {
	cp := make([]models.LocationRecord, len(c.locations))
	copy(cp, c.locations)
	return cp
}
