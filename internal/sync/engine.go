// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

/*
Package sync moves data between the device and the backend.

The Engine executes every outbound and inbound backend call through a single
retry wrapper (ExecuteWithRetry), queues writes in the offline queue while the
connection monitor reports offline, and drains that queue in the background.

Retry wrapper:

 1. If the monitor is offline before the first attempt the call is not made
    and a queued result is returned (ErrQueuedOffline).
 2. Each failure is classified and reported to the monitor. The monitor decides
    whether another attempt is worthwhile (ShouldRetry).
 3. Between attempts the engine sleeps retry.Policy.Delay(attempt), which is
    interrupted by context cancellation.
 4. A success reports to the monitor and returns immediately.

Drain:

Pending locations are replayed in stored order and removed one by one after
each confirmed success. The first failure stops the location pass; pending
generic requests follow with the same rule. lastSyncAt is updated only when the
queue is empty afterwards. Only one drain runs at a time.

Background loop:

Every Interval (2 minutes) the loop drains if online and always removes expired
entries. After a failed cycle the wait is ErrorInterval (5 minutes). A
connection change to online triggers an immediate drain.
*/
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/familysync/internal/backend"
	"github.com/tomtom215/familysync/internal/connectivity"
	"github.com/tomtom215/familysync/internal/events"
	"github.com/tomtom215/familysync/internal/logging"
	"github.com/tomtom215/familysync/internal/metrics"
	"github.com/tomtom215/familysync/internal/models"
	"github.com/tomtom215/familysync/internal/offline"
	"github.com/tomtom215/familysync/internal/retry"
	"github.com/tomtom215/familysync/internal/validation"
)

// QueuedMessage is shown when an operation was saved for later delivery.
const QueuedMessage = "No connection. Saved locally, will sync when back online."

var (
	// ErrQueuedOffline is the error of a result that was short-circuited or
	// queued because the device is offline.
	ErrQueuedOffline = errors.New("saved locally, will sync")

	// ErrDrainInProgress is returned when a drain is requested while another runs.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrOffline is returned by Drain when the monitor reports offline.
	ErrOffline = errors.New("backend not reachable")
)

// Backend is the subset of the backend client the engine drives.
type Backend interface {
	PushLocation(ctx context.Context, latitude, longitude, accuracy float64) error
	Replay(ctx context.Context, method, endpoint string, payload []byte) error
	CreateFamily(ctx context.Context, name string) (*models.Family, error)
	JoinFamily(ctx context.Context, familyGUID string) (*models.Family, error)
}

// Monitor is the connection state the engine gates on and reports to.
type Monitor interface {
	IsOnline() bool
	Snapshot() connectivity.State
	ReportSuccess()
	ReportFailure(err error) *connectivity.NetworkError
	ShouldRetry(nerr *connectivity.NetworkError, attempt, maxRetries int) bool
}

// rejecter is implemented by backend errors that prove the backend answered.
type rejecter interface {
	Rejected() bool
}

// Config controls the background loop and the retry wrapper.
type Config struct {
	Interval      time.Duration
	ErrorInterval time.Duration
	Retry         retry.Policy
}

// DefaultConfig drains every 2 minutes, 5 after a failed cycle.
func DefaultConfig() Config {
	return Config{
		Interval:      2 * time.Minute,
		ErrorInterval: 5 * time.Minute,
		Retry:         retry.DefaultPolicy(),
	}
}

// Result is the outcome of a wrapped operation.
type Result struct {
	Success  bool   `json:"success"`
	Queued   bool   `json:"queued"`
	Attempts int    `json:"attempts"`
	Message  string `json:"message,omitempty"`
	Err      error  `json:"-"`
}

// Engine is the sync orchestrator.
type Engine struct {
	cfg     Config
	backend Backend
	monitor Monitor
	queue   *offline.Queue
	bus     *events.Bus

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	draining atomic.Bool

	// lifecycle, protected by mu
	mu       sync.Mutex
	cancel   context.CancelFunc
	running  bool
	stopping bool
	stopDone chan struct{}
}

// NewEngine wires an engine. bus may be nil.
func NewEngine(cfg Config, b Backend, monitor Monitor, queue *offline.Queue, bus *events.Bus) *Engine {
	if cfg.Retry.MaxRetries < 1 {
		cfg.Retry.MaxRetries = 1
	}
	return &Engine{
		cfg:     cfg,
		backend: b,
		monitor: monitor,
		queue:   queue,
		bus:     bus,
		now:     time.Now,
		sleep:   retry.Sleep,
	}
}

// ExecuteWithRetry runs op under the retry policy. label names the operation
// in logs and metrics.
func (e *Engine) ExecuteWithRetry(ctx context.Context, label string, op func(ctx context.Context) error) Result {
	if !e.monitor.IsOnline() {
		metrics.RecordRetryAttempt(label, "queued")
		return Result{Queued: true, Message: QueuedMessage, Err: ErrQueuedOffline}
	}

	maxAttempts := e.cfg.Retry.MaxRetries
	var last *connectivity.NetworkError

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			e.monitor.ReportSuccess()
			metrics.RecordRetryAttempt(label, "success")
			return Result{Success: true, Attempts: attempt}
		}

		var rej rejecter
		if errors.As(err, &rej) && rej.Rejected() {
			e.monitor.ReportSuccess()
			metrics.RecordRetryAttempt(label, "rejected")
			return Result{Attempts: attempt, Message: err.Error(), Err: err}
		}

		if ctx.Err() != nil {
			metrics.RecordRetryAttempt(label, "canceled")
			return Result{Attempts: attempt, Message: ctx.Err().Error(), Err: ctx.Err()}
		}

		last = e.monitor.ReportFailure(err)
		metrics.RecordRetryAttempt(label, "failure")

		if !e.monitor.ShouldRetry(last, attempt, maxAttempts) {
			logging.Debug().
				Str("operation", label).
				Int("attempt", attempt).
				Str("kind", last.Kind.String()).
				Bool("retryable", last.Retryable).
				Msg("Giving up on operation")
			return e.failed(attempt, last)
		}

		delay := e.cfg.Retry.Delay(attempt)
		logging.Debug().
			Str("operation", label).
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("error", last.Message).
			Msg("Operation failed, retrying")

		if err := e.sleep(ctx, delay); err != nil {
			return Result{Attempts: attempt, Message: err.Error(), Err: err}
		}
	}

	return e.failed(maxAttempts, last)
}

func (e *Engine) failed(attempts int, nerr *connectivity.NetworkError) Result {
	if nerr == nil {
		nerr = connectivity.Classify(errors.New("operation failed"))
	}
	msg := fmt.Sprintf("error after %d attempts: %s", attempts, nerr.Message)
	return Result{Attempts: attempts, Message: msg, Err: nerr}
}

// UpdateLocation pushes the device position. Offline, or when every attempt
// fails, the update is queued and a queued result is returned.
func (e *Engine) UpdateLocation(ctx context.Context, u models.LocationUpdate) Result {
	if u.CapturedAt.IsZero() {
		u.CapturedAt = e.now().UTC()
	}
	if err := validation.ValidateStruct(&u); err != nil {
		return Result{Message: err.Error(), Err: err}
	}

	res := e.ExecuteWithRetry(ctx, "update_location", func(ctx context.Context) error {
		return e.backend.PushLocation(ctx, u.Latitude, u.Longitude, u.Accuracy)
	})
	if res.Success {
		return res
	}

	var rej rejecter
	if errors.As(res.Err, &rej) || ctx.Err() != nil {
		return res
	}

	if err := e.queue.StoreLocation(u); err != nil {
		return Result{Attempts: res.Attempts, Message: err.Error(), Err: err}
	}
	if !res.Queued {
		logging.Info().Str("user_id", u.UserID).Str("cause", res.Message).Msg("Location push failed, queued for later")
	}
	return Result{Queued: true, Attempts: res.Attempts, Message: QueuedMessage, Err: ErrQueuedOffline}
}

// CreateFamily creates a family. Offline, the request is queued for replay.
func (e *Engine) CreateFamily(ctx context.Context, name string) (*models.Family, Result) {
	body := models.CreateFamilyRequest{Name: name}
	if err := validation.ValidateStruct(&body); err != nil {
		return nil, Result{Message: err.Error(), Err: err}
	}

	var fam *models.Family
	res := e.ExecuteWithRetry(ctx, "create_family", func(ctx context.Context) error {
		var err error
		fam, err = e.backend.CreateFamily(ctx, name)
		return err
	})
	if res.Queued {
		return nil, e.queueRequest(backend.EndpointCreateFamily, body)
	}
	return fam, res
}

// JoinFamily joins a family. Offline, the request is queued for replay.
func (e *Engine) JoinFamily(ctx context.Context, familyGUID string) (*models.Family, Result) {
	body := models.JoinFamilyRequest{FamilyGUID: familyGUID}
	if err := validation.ValidateStruct(&body); err != nil {
		return nil, Result{Message: err.Error(), Err: err}
	}

	var fam *models.Family
	res := e.ExecuteWithRetry(ctx, "join_family", func(ctx context.Context) error {
		var err error
		fam, err = e.backend.JoinFamily(ctx, familyGUID)
		return err
	})
	if res.Queued {
		return nil, e.queueRequest(backend.EndpointJoinFamily, body)
	}
	return fam, res
}

func (e *Engine) queueRequest(endpoint string, body any) Result {
	if _, err := e.queue.StoreRequest("POST", endpoint, body); err != nil {
		return Result{Message: err.Error(), Err: err}
	}
	return Result{Queued: true, Message: QueuedMessage, Err: ErrQueuedOffline}
}

// ConnectionStatus renders the connection for display, with the pending
// count appended while offline.
func (e *Engine) ConnectionStatus() string {
	state := e.monitor.Snapshot()
	text := state.StatusText()
	if !state.IsOnline {
		if n := e.queue.PendingCount(); n > 0 {
			text += fmt.Sprintf(" (%d pending)", n)
		}
	}
	return text
}

// LastSyncAt returns when the queue was last fully drained.
func (e *Engine) LastSyncAt() time.Time {
	return e.queue.LastSyncAt()
}

// PendingCount returns the number of queued entries.
func (e *Engine) PendingCount() int {
	return e.queue.PendingCount()
}

func (e *Engine) publish(t events.Type, payload any) {
	if e.bus != nil {
		e.bus.Publish(t, payload)
	}
}
