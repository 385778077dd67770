// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/familysync/internal/connectivity"
	"github.com/tomtom215/familysync/internal/events"
	"github.com/tomtom215/familysync/internal/logging"
)

// Start runs the background loop until Stop is called or ctx is done.
// Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	for e.stopping {
		done := e.stopDone
		e.mu.Unlock()
		<-done
		e.mu.Lock()
	}
	if e.running {
		e.mu.Unlock()
		return nil
	}

	var sub *events.Subscription
	if e.bus != nil {
		sub = e.bus.Subscribe(16, events.ConnectionChanged)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.stopDone = make(chan struct{})
	done := e.stopDone
	e.mu.Unlock()

	go e.run(loopCtx, sub, done)

	logging.Info().
		Dur("interval", e.cfg.Interval).
		Dur("error_interval", e.cfg.ErrorInterval).
		Msg("Sync engine started")
	return nil
}

// Stop signals the loop and waits for it to exit. An in-flight drain is
// canceled at its next backoff sleep; a request already on the wire finishes
// or times out on its own.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running || e.stopping {
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.running = false
	e.stopping = true
	done := e.stopDone
	e.mu.Unlock()

	<-done

	e.mu.Lock()
	e.stopping = false
	e.mu.Unlock()

	logging.Info().Msg("Sync engine stopped")
}

// IsRunning reports whether the background loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) run(ctx context.Context, sub *events.Subscription, done chan struct{}) {
	defer close(done)

	var changes <-chan events.Event
	if sub != nil {
		defer sub.Unsubscribe()
		changes = sub.C()
	}

	timer := time.NewTimer(e.cycle(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if state, ok := ev.Payload.(connectivity.State); ok {
				e.onConnectionChanged(ctx, state)
			}

		case <-timer.C:
			timer.Reset(e.cycle(ctx))
		}
	}
}

// cycle runs one loop iteration and returns the wait before the next.
func (e *Engine) cycle(ctx context.Context) (wait time.Duration) {
	wait = e.cfg.Interval

	defer func() {
		if r := recover(); r != nil {
			logging.Error().Str("panic", fmt.Sprint(r)).Msg("Background sync cycle failed")
			wait = e.cfg.ErrorInterval
		}
	}()

	if ctx.Err() != nil {
		return wait
	}

	if e.monitor.IsOnline() && e.queue.HasPending() {
		if _, err := e.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
			logging.Debug().Err(err).Msg("Background drain incomplete")
		}
	}

	e.queue.CleanupExpired()
	return wait
}

// onConnectionChanged publishes the status text and drains on reconnection.
func (e *Engine) onConnectionChanged(ctx context.Context, state connectivity.State) {
	e.publish(events.ConnectionStatus, e.ConnectionStatus())

	if !state.IsOnline || !e.queue.HasPending() {
		return
	}

	logging.Info().Int("pending", e.queue.PendingCount()).Msg("Connection restored, draining offline queue")
	if _, err := e.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
		logging.Debug().Err(err).Msg("Reconnect drain incomplete")
	}
}
