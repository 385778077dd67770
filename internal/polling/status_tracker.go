// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package polling

import (
	"sync"
	"time"

	"github.com/tomtom215/familysync/internal/metrics"
	"github.com/tomtom215/familysync/internal/models"
)

// Presence thresholds in minutes since last seen.
const (
	InactiveAfterMinutes = 30
	ActiveWithinMinutes  = 5
)

// StatusTracker detects member presence transitions between polls.
type StatusTracker struct {
	mu       sync.Mutex
	previous map[string]models.MemberStatus
	now      func() time.Time
}

// NewStatusTracker creates an empty tracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		previous: make(map[string]models.MemberStatus),
		now:      time.Now,
	}
}

// Observe compares a fetch against the previous one and returns the
// transitions, in fetch order. A user seen for the first time produces none.
// The stored status is updated for every record.
func (t *StatusTracker) Observe(locations []models.LocationRecord) []models.MemberStatusChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.now().UTC()
	var changes []models.MemberStatusChange

	for _, loc := range locations {
		current := models.MemberStatus{
			UserID:           loc.UserID,
			UserName:         loc.UserName,
			IsOnline:         loc.IsOnline,
			LastSeen:         loc.LastSeen,
			MinutesSinceSeen: loc.MinutesAgo,
		}

		if prev, ok := t.previous[loc.UserID]; ok {
			changes = append(changes, transitions(prev, current, ts)...)
		}
		t.previous[loc.UserID] = current
	}

	for _, c := range changes {
		metrics.RecordMemberStatusChange(string(c.ChangeType))
	}
	return changes
}

func transitions(prev, cur models.MemberStatus, ts time.Time) []models.MemberStatusChange {
	var out []models.MemberStatusChange
	change := func(t models.StatusChangeType, from, to string) {
		out = append(out, models.MemberStatusChange{
			UserID:         cur.UserID,
			UserName:       cur.UserName,
			PreviousStatus: from,
			NewStatus:      to,
			ChangeType:     t,
			Timestamp:      ts,
		})
	}

	if prev.IsOnline != cur.IsOnline {
		if cur.IsOnline {
			change(models.StatusCameOnline, models.PresenceOffline, models.PresenceOnline)
		} else {
			change(models.StatusWentOffline, models.PresenceOnline, models.PresenceOffline)
		}
	}
	if prev.MinutesSinceSeen > InactiveAfterMinutes && cur.MinutesSinceSeen <= ActiveWithinMinutes {
		change(models.StatusBecameActive, models.PresenceInactive, models.PresenceActive)
	}
	if prev.MinutesSinceSeen <= InactiveAfterMinutes && cur.MinutesSinceSeen > InactiveAfterMinutes {
		change(models.StatusBecameInactive, models.PresenceActive, models.PresenceInactive)
	}
	return out
}

// Status returns the last observed status of a user.
func (t *StatusTracker) Status(userID string) (models.MemberStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.previous[userID]
	return s, ok
}

// Reset forgets every member.
func (t *StatusTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.previous = make(map[string]models.MemberStatus)
}
