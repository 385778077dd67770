// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

// Package events fans notifications out from the sync core to any number of
// subscribers over buffered channels.
//
// Publish never blocks. A subscriber whose buffer is full misses the event and
// the drop is counted in familysync_events_dropped_total.
package events

import (
	"sync"
	"time"

	"github.com/tomtom215/familysync/internal/metrics"
)

// Type names an event kind.
type Type string

// Event kinds and the dynamic type of their Payload.
const (
	// ConnectionChanged carries a connectivity.State.
	ConnectionChanged Type = "connection_changed"
	// NetworkError carries a *connectivity.NetworkError.
	NetworkError Type = "network_error"
	// ConnectionStatus carries a display string.
	ConnectionStatus Type = "connection_status"
	// PendingCountChanged carries the total pending count as an int.
	PendingCountChanged Type = "pending_count_changed"
	// LocationsUpdated carries []models.LocationRecord.
	LocationsUpdated Type = "locations_updated"
	// ErrorOccurred carries a display string.
	ErrorOccurred Type = "error_occurred"
	// MemberStatusChanged carries a models.MemberStatusChange.
	MemberStatusChanged Type = "member_status_changed"
	// CacheStatus carries a display string.
	CacheStatus Type = "cache_status"
	// IntervalChanged carries the new polling interval as a time.Duration.
	IntervalChanged Type = "interval_changed"
)

// Event is a single notification.
type Event struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Publisher is implemented by Bus. Components depend on this rather than on Bus.
type Publisher interface {
	Publish(t Type, payload any)
}

// Bus is an in-process event fan-out.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		now:  time.Now,
	}
}

// Subscription is a registered listener. Read events from C until it is closed.
type Subscription struct {
	id    uint64
	bus   *Bus
	ch    chan Event
	types map[Type]struct{}
}

// C returns the delivery channel. It is closed by Unsubscribe or Bus.Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Unsubscribe detaches the subscription and closes its channel. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

// Subscribe registers a listener with the given buffer size. With no types
// every event is delivered; otherwise only the listed types.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	sub := &Subscription{
		bus: b,
		ch:  make(chan Event, buffer),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(t Type, payload any) {
	ev := Event{Type: t, Time: b.now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[t]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.RecordEventDropped(string(t))
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later Publish calls are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}
