// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/familysync/internal/connectivity"
	"github.com/tomtom215/familysync/internal/logging"
	"github.com/tomtom215/familysync/internal/metrics"
)

// DrainReport summarizes one drain pass.
type DrainReport struct {
	ID        string        `json:"id"`
	Locations int           `json:"locations"`
	Requests  int           `json:"requests"`
	Dropped   int           `json:"dropped"`
	Remaining int           `json:"remaining"`
	Complete  bool          `json:"complete"`
	Duration  time.Duration `json:"duration"`
}

// Drain replays the offline queue after dropping expired requests. It returns ErrDrainInProgress if another
// pass is running and ErrOffline if the monitor reports offline. Otherwise
// the error is the failure that stopped the pass, or nil.
func (e *Engine) Drain(ctx context.Context) (DrainReport, error) {
	if !e.draining.CompareAndSwap(false, true) {
		metrics.RecordDrain("skipped", 0, 0)
		return DrainReport{}, ErrDrainInProgress
	}
	defer e.draining.Store(false)

	if !e.monitor.IsOnline() {
		metrics.RecordDrain("offline", 0, 0)
		return DrainReport{Remaining: e.queue.PendingCount()}, ErrOffline
	}

	start := e.now()
	report := DrainReport{ID: uuid.NewString()}
	log := logging.With().Str("drain_id", report.ID).Logger()

	report.Dropped = e.queue.DropExpiredRequests()
	log.Debug().Int("pending", e.queue.PendingCount()).Int("expired", report.Dropped).Msg("Starting offline queue drain")

	locErr := e.drainLocations(ctx, &report)
	reqErr := e.drainRequests(ctx, &report)

	report.Remaining = e.queue.PendingCount()
	report.Complete = report.Remaining == 0
	report.Duration = e.now().Sub(start)
	if report.Complete {
		e.queue.MarkSynced(e.now())
	}

	err := errors.Join(locErr, reqErr)
	outcome := "complete"
	if !report.Complete {
		outcome = "partial"
	}
	metrics.RecordDrain(outcome, report.Locations, report.Requests)

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Int("locations", report.Locations).
		Int("requests", report.Requests).
		Int("dropped", report.Dropped).
		Int("remaining", report.Remaining).
		Dur("duration", report.Duration).
		Msg("Offline queue drain finished")

	return report, err
}

// drainLocations replays pending locations in order and stops at the first failure.
func (e *Engine) drainLocations(ctx context.Context, report *DrainReport) error {
	for _, loc := range e.queue.PendingLocations() {
		res := e.ExecuteWithRetry(ctx, "drain_location", func(ctx context.Context) error {
			return e.backend.PushLocation(ctx, loc.Latitude, loc.Longitude, loc.Accuracy)
		})
		if !res.Success {
			logging.Debug().Str("user_id", loc.UserID).Str("cause", res.Message).Msg("Location replay failed, stopping location pass")
			return res.Err
		}
		e.queue.RemoveLocation(loc)
		report.Locations++
	}
	return nil
}

// drainRequests replays pending generic requests in order and stops at the
// first failure. A request that keeps failing with a non-retryable error is
// dropped once it has used its retries.
func (e *Engine) drainRequests(ctx context.Context, report *DrainReport) error {
	for _, req := range e.queue.PendingRequests() {
		res := e.ExecuteWithRetry(ctx, "drain_request", func(ctx context.Context) error {
			return e.backend.Replay(ctx, req.Method, req.Endpoint, req.Payload)
		})
		if res.Success {
			e.queue.RemoveRequest(req.ID)
			report.Requests++
			continue
		}
		if res.Queued || ctx.Err() != nil {
			return res.Err
		}

		updated, ok := e.queue.IncrementRetry(req.ID)
		if ok && permanent(res.Err) && updated.RetryCount >= updated.MaxRetries {
			e.queue.RemoveRequest(req.ID)
			report.Dropped++
			logging.Warn().
				Str("request_id", req.ID).
				Str("endpoint", req.Endpoint).
				Int("retry_count", updated.RetryCount).
				Str("cause", res.Message).
				Msg("Dropping queued request after repeated permanent failures")
		}
		return res.Err
	}
	return nil
}

// permanent reports whether err will not go away by retrying.
func permanent(err error) bool {
	var rej rejecter
	if errors.As(err, &rej) && rej.Rejected() {
		return true
	}
	var nerr *connectivity.NetworkError
	if errors.As(err, &nerr) {
		return !nerr.Retryable
	}
	return false
}
