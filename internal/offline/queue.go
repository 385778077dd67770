// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

// Package offline is the durable queue of writes that could not be delivered.
//
// The queue holds at most one pending location per user plus a bounded list of
// generic API requests. Every mutation rewrites the whole snapshot through a
// Store. A failed write is logged and counted; the in-memory snapshot stays
// authoritative and the next successful write reconciles the store.
package offline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/familysync/internal/events"
	"github.com/tomtom215/familysync/internal/logging"
	"github.com/tomtom215/familysync/internal/metrics"
	"github.com/tomtom215/familysync/internal/models"
	"github.com/tomtom215/familysync/internal/validation"
)

// Config bounds the queue.
type Config struct {
	MaxLocations      int
	MaxRequests       int
	RequestTTL        time.Duration
	LocationTTL       time.Duration
	RequestMaxRetries int
}

// DefaultConfig keeps 100 locations for 6h and 50 requests for 24h.
func DefaultConfig() Config {
	return Config{
		MaxLocations:      100,
		MaxRequests:       50,
		RequestTTL:        24 * time.Hour,
		LocationTTL:       6 * time.Hour,
		RequestMaxRetries: 3,
	}
}

// Request is a queued generic API call.
type Request struct {
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	Endpoint   string          `json:"endpoint"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
}

// Expired reports whether r is older than ttl at now.
func (r Request) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.CreatedAt) > ttl
}

// Snapshot is the persisted queue state.
type Snapshot struct {
	PendingLocations []models.LocationUpdate `json:"pendingLocations"`
	PendingRequests  []Request               `json:"pendingRequests"`
	LastSyncAt       time.Time               `json:"lastSyncAt"`
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		PendingLocations: make([]models.LocationUpdate, len(s.PendingLocations)),
		PendingRequests:  make([]Request, len(s.PendingRequests)),
		LastSyncAt:       s.LastSyncAt,
	}
	copy(out.PendingLocations, s.PendingLocations)
	for i, r := range s.PendingRequests {
		if r.Payload != nil {
			r.Payload = append(json.RawMessage(nil), r.Payload...)
		}
		out.PendingRequests[i] = r
	}
	return out
}

// Queue is the offline queue.
type Queue struct {
	cfg   Config
	store Store
	bus   events.Publisher
	now   func() time.Time

	mu   sync.Mutex
	snap Snapshot
}

// Open loads the persisted snapshot. A missing or unreadable snapshot starts
// an empty queue; expired requests are dropped on load.
func Open(cfg Config, store Store, bus events.Publisher) *Queue {
	return open(cfg, store, bus, time.Now)
}

func open(cfg Config, store Store, bus events.Publisher, now func() time.Time) *Queue {
	q := &Queue{cfg: cfg, store: store, bus: bus, now: now}
	q.snap = q.load()

	q.mu.Lock()
	dropped := q.dropExpiredRequestsLocked()
	if dropped > 0 {
		q.persistLocked()
	}
	locs, reqs := len(q.snap.PendingLocations), len(q.snap.PendingRequests)
	q.mu.Unlock()

	metrics.RecordQueuePending(locs, reqs)
	logging.Info().
		Int("pending_locations", locs).
		Int("pending_requests", reqs).
		Int("expired_dropped", dropped).
		Msg("Offline queue loaded")
	return q
}

func (q *Queue) load() Snapshot {
	empty := Snapshot{
		PendingLocations: []models.LocationUpdate{},
		PendingRequests:  []Request{},
	}

	data, err := q.store.Load()
	if errors.Is(err, ErrSnapshotNotFound) {
		return empty
	}
	if err != nil {
		logging.Warn().Err(err).Msg("Offline snapshot unreadable, starting empty")
		return empty
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logging.Warn().Err(err).Int("bytes", len(data)).Msg("Offline snapshot corrupt, starting empty")
		return empty
	}
	if snap.PendingLocations == nil {
		snap.PendingLocations = []models.LocationUpdate{}
	}
	if snap.PendingRequests == nil {
		snap.PendingRequests = []Request{}
	}
	return snap
}

// StoreLocation queues u, replacing any pending location for the same user.
// Invalid coordinates are rejected and nothing is stored.
func (q *Queue) StoreLocation(u models.LocationUpdate) error {
	if err := validation.ValidateStruct(&u); err != nil {
		return fmt.Errorf("invalid location update: %w", err)
	}
	u.CapturedAt = u.CapturedAt.UTC()

	q.mu.Lock()
	kept := q.snap.PendingLocations[:0]
	for _, existing := range q.snap.PendingLocations {
		if existing.UserID != u.UserID {
			kept = append(kept, existing)
		}
	}
	q.snap.PendingLocations = append(kept, u)
	q.snap.PendingLocations = trimOldest(q.snap.PendingLocations, q.cfg.MaxLocations,
		func(l models.LocationUpdate) time.Time { return l.CapturedAt })
	q.persistLocked()
	count := q.countLocked()
	q.mu.Unlock()

	logging.Debug().Str("user_id", u.UserID).Int("pending", count).Msg("Location queued offline")
	q.notify(count)
	return nil
}

// StoreRequest queues a generic API call. payload is JSON encoded; nil means no body.
func (q *Queue) StoreRequest(method, endpoint string, payload any) (Request, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Request{}, fmt.Errorf("encode request payload: %w", err)
		}
		raw = data
	}

	req := Request{
		ID:         uuid.New().String(),
		Method:     method,
		Endpoint:   endpoint,
		Payload:    raw,
		CreatedAt:  q.now().UTC(),
		MaxRetries: q.cfg.RequestMaxRetries,
	}

	q.mu.Lock()
	q.snap.PendingRequests = append(q.snap.PendingRequests, req)
	q.dropExpiredRequestsLocked()
	q.snap.PendingRequests = trimOldest(q.snap.PendingRequests, q.cfg.MaxRequests,
		func(r Request) time.Time { return r.CreatedAt })
	q.persistLocked()
	count := q.countLocked()
	q.mu.Unlock()

	logging.Debug().Str("request_id", req.ID).Str("endpoint", endpoint).Int("pending", count).Msg("Request queued offline")
	q.notify(count)
	return req, nil
}

// RemoveLocation removes the entry matching u's user and capture time.
func (q *Queue) RemoveLocation(u models.LocationUpdate) bool {
	q.mu.Lock()
	removed := false
	kept := q.snap.PendingLocations[:0]
	for _, existing := range q.snap.PendingLocations {
		if !removed && existing.UserID == u.UserID && existing.CapturedAt.Equal(u.CapturedAt) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	q.snap.PendingLocations = kept
	if removed {
		q.persistLocked()
	}
	count := q.countLocked()
	q.mu.Unlock()

	if removed {
		q.notify(count)
	}
	return removed
}

// RemoveRequest removes the request with the given id.
func (q *Queue) RemoveRequest(id string) bool {
	q.mu.Lock()
	removed := false
	kept := q.snap.PendingRequests[:0]
	for _, r := range q.snap.PendingRequests {
		if !removed && r.ID == id {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	q.snap.PendingRequests = kept
	if removed {
		q.persistLocked()
	}
	count := q.countLocked()
	q.mu.Unlock()

	if removed {
		q.notify(count)
	}
	return removed
}

// IncrementRetry bumps the retry counter of a request and returns the updated copy.
func (q *Queue) IncrementRetry(id string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.snap.PendingRequests {
		if q.snap.PendingRequests[i].ID == id {
			q.snap.PendingRequests[i].RetryCount++
			q.persistLocked()
			return q.snap.PendingRequests[i], true
		}
	}
	return Request{}, false
}

// DropExpiredRequests removes requests older than RequestTTL and returns how
// many were removed.
func (q *Queue) DropExpiredRequests() int {
	q.mu.Lock()
	removed := q.dropExpiredRequestsLocked()
	if removed > 0 {
		q.persistLocked()
	}
	count := q.countLocked()
	q.mu.Unlock()

	if removed > 0 {
		logging.Info().Int("removed", removed).Int("pending", count).Msg("Expired queued requests dropped")
		q.notify(count)
	}
	return removed
}

// CleanupExpired drops expired requests and locations older than LocationTTL.
// It persists only if something was removed and returns the number removed.
func (q *Queue) CleanupExpired() int {
	q.mu.Lock()
	removed := q.dropExpiredRequestsLocked()

	cutoff := q.now().Add(-q.cfg.LocationTTL)
	kept := q.snap.PendingLocations[:0]
	for _, l := range q.snap.PendingLocations {
		if l.CapturedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	q.snap.PendingLocations = kept

	if removed > 0 {
		q.persistLocked()
	}
	count := q.countLocked()
	q.mu.Unlock()

	if c, ok := q.store.(compactor); ok {
		if err := c.Compact(); err != nil {
			logging.Warn().Err(err).Msg("Offline store compaction failed")
		}
	}

	if removed > 0 {
		logging.Info().Int("removed", removed).Int("pending", count).Msg("Expired offline entries removed")
		q.notify(count)
	}
	return removed
}

// HasPending reports whether anything is queued.
func (q *Queue) HasPending() bool {
	return q.PendingCount() > 0
}

// PendingCount returns locations plus requests.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countLocked()
}

// PendingLocations returns a copy of the pending locations in stored order.
func (q *Queue) PendingLocations() []models.LocationUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.LocationUpdate, len(q.snap.PendingLocations))
	copy(out, q.snap.PendingLocations)
	return out
}

// PendingRequests returns a copy of the pending requests in stored order.
func (q *Queue) PendingRequests() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snap.clone().PendingRequests
}

// LastSyncAt returns when the queue was last fully drained.
func (q *Queue) LastSyncAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snap.LastSyncAt
}

// MarkSynced records a complete drain at t.
func (q *Queue) MarkSynced(t time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.snap.LastSyncAt = t.UTC()
	q.persistLocked()
}

// Snapshot returns a deep copy of the queue state.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snap.clone()
}

// ClearAll drops every pending entry.
func (q *Queue) ClearAll() {
	q.mu.Lock()
	q.snap.PendingLocations = []models.LocationUpdate{}
	q.snap.PendingRequests = []Request{}
	q.persistLocked()
	q.mu.Unlock()

	logging.Info().Msg("Offline queue cleared")
	q.notify(0)
}

// Close closes the underlying store.
func (q *Queue) Close() error {
	return q.store.Close()
}

func (q *Queue) countLocked() int {
	return len(q.snap.PendingLocations) + len(q.snap.PendingRequests)
}

func (q *Queue) dropExpiredRequestsLocked() int {
	now := q.now()
	removed := 0
	kept := q.snap.PendingRequests[:0]
	for _, r := range q.snap.PendingRequests {
		if r.Expired(now, q.cfg.RequestTTL) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	q.snap.PendingRequests = kept
	return removed
}

// persistLocked writes the whole snapshot. Failures are logged and swallowed.
func (q *Queue) persistLocked() {
	metrics.RecordQueuePending(len(q.snap.PendingLocations), len(q.snap.PendingRequests))

	data, err := json.Marshal(q.snap)
	if err == nil {
		err = q.store.Persist(data)
	}
	if err != nil {
		metrics.RecordQueuePersistError()
		logging.Warn().Err(err).Msg("Failed to persist offline snapshot, keeping in-memory state")
	}
}

func (q *Queue) notify(count int) {
	if q.bus != nil {
		q.bus.Publish(events.PendingCountChanged, count)
	}
}

// trimOldest removes the oldest entries by ts until at most max remain,
// keeping the relative order of the survivors.
func trimOldest[T any](items []T, max int, ts func(T) time.Time) []T {
	if max <= 0 || len(items) <= max {
		return items
	}

	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return ts(items[idx[a]]).Before(ts(items[idx[b]]))
	})

	drop := make(map[int]struct{}, len(items)-max)
	for _, i := range idx[:len(items)-max] {
		drop[i] = struct{}{}
	}

	kept := make([]T, 0, max)
	for i, item := range items {
		if _, ok := drop[i]; !ok {
			kept = append(kept, item)
		}
	}
	return kept
}
