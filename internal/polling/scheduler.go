// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

/*
Package polling drives the periodic traffic of the client.

The Scheduler owns two timers. The inbound timer fetches the family's
locations, answering from the result cache while it is valid. The outbound
timer takes a device fix and pushes it through the sync engine, which queues
it offline when the push cannot be delivered.

Both timers widen their interval after repeated failures and fall back to the
baseline after a success. The baseline starts at 30 seconds and is moved by
the battery Optimizer through SetBaseInterval.
*/
package polling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/familysync/internal/cache"
	"github.com/tomtom215/familysync/internal/connectivity"
	"github.com/tomtom215/familysync/internal/device"
	"github.com/tomtom215/familysync/internal/events"
	"github.com/tomtom215/familysync/internal/logging"
	"github.com/tomtom215/familysync/internal/metrics"
	"github.com/tomtom215/familysync/internal/models"
	syncengine "github.com/tomtom215/familysync/internal/sync"
)

// Timer names used in logs and metrics.
const (
	TimerInbound  = "inbound"
	TimerOutbound = "outbound"
)

var (
	// ErrNoData is returned by a poll that is offline with nothing cached.
	ErrNoData = errors.New("no connection and no cached data")

	// ErrPushInFlight is returned when an outbound push is already running.
	ErrPushInFlight = errors.New("location push already in progress")

	// ErrBatteryPause is returned when the outbound push is skipped to save battery.
	ErrBatteryPause = errors.New("location updates paused for low battery")

	// ErrOutboundDisabled is returned by PushOnce when no device providers are wired.
	ErrOutboundDisabled = errors.New("outbound location updates disabled")
)

// Fetcher reads the family's latest locations from the backend.
type Fetcher interface {
	FetchFamilyLocations(ctx context.Context) ([]models.LocationRecord, error)
}

// Engine is the part of the sync engine the scheduler drives.
type Engine interface {
	ExecuteWithRetry(ctx context.Context, label string, op func(ctx context.Context) error) syncengine.Result
	UpdateLocation(ctx context.Context, u models.LocationUpdate) syncengine.Result
}

// OnlineChecker reports the current connection state.
type OnlineChecker interface {
	IsOnline() bool
}

// Config controls the scheduler.
type Config struct {
	// BaseInterval is the initial and reset interval for both timers.
	BaseInterval time.Duration
	// MaxInterval caps widening after failures or disconnection.
	MaxInterval time.Duration
	// BatteryMaxInterval caps outbound widening caused by battery pauses.
	BatteryMaxInterval time.Duration
	// FailureThreshold is the consecutive failure count that starts widening.
	FailureThreshold int
	// ReduceAfter is how long without a success before ShouldReduceFrequency is true.
	ReduceAfter time.Duration
	// UserID is stamped on outbound location updates.
	UserID string
	// DisableOutbound turns off the outbound timer.
	DisableOutbound bool
}

// DefaultConfig returns the standard polling cadence.
func DefaultConfig() Config {
	return Config{
		BaseInterval:       30 * time.Second,
		MaxInterval:        5 * time.Minute,
		BatteryMaxInterval: 10 * time.Minute,
		FailureThreshold:   3,
		ReduceAfter:        5 * time.Minute,
	}
}

// Scheduler runs the inbound and outbound polling timers.
type Scheduler struct {
	cfg       Config
	engine    Engine
	fetcher   Fetcher
	monitor   OnlineChecker
	cache     *cache.LocationCache
	tracker   *StatusTracker
	locations device.LocationProvider
	battery   device.BatteryProvider
	bus       *events.Bus
	now       func() time.Time

	pushing atomic.Bool

	// state, protected by stateMu
	stateMu     sync.Mutex
	baseline    time.Duration
	inbound     time.Duration
	outbound    time.Duration
	failures    int
	lastSuccess time.Time

	inboundReset  chan struct{}
	outboundReset chan struct{}

	// lifecycle, protected by mu
	mu       sync.Mutex
	cancel   context.CancelFunc
	running  bool
	stopping bool
	stopDone chan struct{}
}

// NewScheduler wires a scheduler. The device providers may be nil when
// Config.DisableOutbound is set. bus may be nil.
func NewScheduler(
	cfg Config,
	engine Engine,
	fetcher Fetcher,
	monitor OnlineChecker,
	locationCache *cache.LocationCache,
	locations device.LocationProvider,
	battery device.BatteryProvider,
	bus *events.Bus,
) *Scheduler {
	def := DefaultConfig()
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = def.BaseInterval
	}
	if cfg.MaxInterval < cfg.BaseInterval {
		cfg.MaxInterval = cfg.BaseInterval
	}
	if cfg.BatteryMaxInterval < cfg.MaxInterval {
		cfg.BatteryMaxInterval = cfg.MaxInterval
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ReduceAfter <= 0 {
		cfg.ReduceAfter = def.ReduceAfter
	}
	if locationCache == nil {
		locationCache = cache.NewLocationCache(cache.DefaultValidity)
	}
	if locations == nil || battery == nil {
		cfg.DisableOutbound = true
	}

	now := time.Now
	return &Scheduler{
		cfg:           cfg,
		engine:        engine,
		fetcher:       fetcher,
		monitor:       monitor,
		cache:         locationCache,
		tracker:       NewStatusTracker(),
		locations:     locations,
		battery:       battery,
		bus:           bus,
		now:           now,
		baseline:      cfg.BaseInterval,
		inbound:       cfg.BaseInterval,
		outbound:      cfg.BaseInterval,
		lastSuccess:   now(),
		inboundReset:  make(chan struct{}, 1),
		outboundReset: make(chan struct{}, 1),
	}
}

// PollOnce runs one inbound cycle.
//
// A valid cache answers without touching the network. Offline, the last
// cached set is returned whatever its age. A failed fetch returns the cached
// set, if any, together with the error.
func (s *Scheduler) PollOnce(ctx context.Context) ([]models.LocationRecord, error) {
	if locs, ok := s.cache.Fresh(); ok {
		metrics.RecordPollOutcome(TimerInbound, "cache")
		s.publishLocations(locs)
		return locs, nil
	}

	if !s.monitor.IsOnline() {
		if locs, _, ok := s.cache.Latest(); ok {
			metrics.RecordPollOutcome(TimerInbound, "offline_cache")
			s.publishLocations(locs)
			return locs, nil
		}
		metrics.RecordPollOutcome(TimerInbound, "offline_empty")
		s.publish(events.ErrorOccurred, "No connection and no cached data available")
		return nil, ErrNoData
	}

	var fetched []models.LocationRecord
	res := s.engine.ExecuteWithRetry(ctx, "fetch_family_locations", func(ctx context.Context) error {
		locs, err := s.fetcher.FetchFamilyLocations(ctx)
		if err != nil {
			return err
		}
		fetched = locs
		return nil
	})

	if res.Success {
		for _, change := range s.tracker.Observe(fetched) {
			logging.Info().
				Str("user_id", change.UserID).
				Str("change", string(change.ChangeType)).
				Msg(change.Message())
			s.publish(events.MemberStatusChanged, change)
		}
		s.cache.Store(fetched)
		s.recordSuccess(TimerInbound)
		metrics.RecordPollOutcome(TimerInbound, "fetched")
		s.publishLocations(fetched)
		return fetched, nil
	}

	s.recordFailure(TimerInbound, s.cfg.MaxInterval)
	metrics.RecordPollOutcome(TimerInbound, "failed")
	logging.Debug().Str("cause", res.Message).Int("attempts", res.Attempts).Msg("Family location poll failed")
	s.publish(events.ErrorOccurred, res.Message)

	err := res.Err
	if err == nil {
		err = errors.New(res.Message)
	}
	if locs, _, ok := s.cache.Latest(); ok {
		s.publishLocations(locs)
		return locs, err
	}
	return nil, err
}

// RefreshNow drops the cached set and polls immediately.
func (s *Scheduler) RefreshNow(ctx context.Context) ([]models.LocationRecord, error) {
	s.cache.Clear()
	return s.PollOnce(ctx)
}

// PushOnce runs one outbound cycle: read the battery, take a fix at the
// matching accuracy and hand it to the sync engine.
func (s *Scheduler) PushOnce(ctx context.Context) error {
	if s.locations == nil || s.battery == nil {
		return ErrOutboundDisabled
	}
	if !s.pushing.CompareAndSwap(false, true) {
		metrics.RecordPollOutcome(TimerOutbound, "busy")
		return ErrPushInFlight
	}
	defer s.pushing.Store(false)

	battery, err := s.battery.Battery(ctx)
	if err != nil {
		s.recordFailure(TimerOutbound, s.cfg.MaxInterval)
		metrics.RecordPollOutcome(TimerOutbound, "battery_error")
		return err
	}
	if ShouldPauseForBattery(battery) {
		s.recordFailure(TimerOutbound, s.cfg.BatteryMaxInterval)
		metrics.RecordPollOutcome(TimerOutbound, "battery_pause")
		logging.Debug().Float64("battery_level", battery.Level).Msg("Skipping location push on low battery")
		return ErrBatteryPause
	}

	accuracy := device.AccuracyFor(battery)
	fixCtx, cancel := context.WithTimeout(ctx, accuracy.FixTimeout())
	loc, err := s.locations.CurrentLocation(fixCtx, accuracy)
	cancel()
	if err != nil {
		s.recordFailure(TimerOutbound, s.cfg.MaxInterval)
		metrics.RecordPollOutcome(TimerOutbound, "no_fix")
		logging.Debug().Err(err).Str("accuracy", accuracy.String()).Msg("No location fix for push")
		return err
	}

	res := s.engine.UpdateLocation(ctx, models.LocationUpdate{
		UserID:     s.cfg.UserID,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		Accuracy:   loc.Accuracy,
		CapturedAt: loc.Timestamp,
	})
	if res.Success {
		s.recordSuccess(TimerOutbound)
		metrics.RecordPollOutcome(TimerOutbound, "pushed")
		return nil
	}

	s.recordFailure(TimerOutbound, s.cfg.MaxInterval)
	outcome := "failed"
	if res.Queued {
		outcome = "queued"
	}
	metrics.RecordPollOutcome(TimerOutbound, outcome)
	s.publish(events.ErrorOccurred, res.Message)
	if res.Err != nil {
		return res.Err
	}
	return errors.New(res.Message)
}

// recordSuccess clears the failure count and pulls the timer back to the
// baseline if it had drifted from it.
func (s *Scheduler) recordSuccess(timer string) {
	s.stateMu.Lock()
	s.failures = 0
	s.lastSuccess = s.now()
	changed := false
	if timer == TimerInbound && s.inbound != s.baseline {
		s.inbound = s.baseline
		changed = true
	}
	if timer == TimerOutbound && s.outbound != s.baseline {
		s.outbound = s.baseline
		changed = true
	}
	s.stateMu.Unlock()

	if changed {
		s.intervalChanged(timer)
	}
}

// recordFailure counts a failure and, at the threshold, doubles the timer's
// interval up to limit. An interval already above limit is left alone.
func (s *Scheduler) recordFailure(timer string, limit time.Duration) {
	s.stateMu.Lock()
	s.failures++
	if s.failures < s.cfg.FailureThreshold {
		s.stateMu.Unlock()
		return
	}
	iv := &s.inbound
	if timer == TimerOutbound {
		iv = &s.outbound
	}
	next := widen(*iv, limit)
	changed := next != *iv
	*iv = next
	failures := s.failures
	s.stateMu.Unlock()

	if changed {
		logging.Info().
			Str("timer", timer).
			Int("failures", failures).
			Dur("interval", next).
			Msg("Widening polling interval after repeated failures")
		s.intervalChanged(timer)
	}
}

// SetBaseInterval moves the baseline both timers return to and applies it
// immediately.
func (s *Scheduler) SetBaseInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.stateMu.Lock()
	if s.baseline == d && s.inbound == d && s.outbound == d {
		s.stateMu.Unlock()
		return
	}
	s.baseline = d
	s.inbound = d
	s.outbound = d
	s.stateMu.Unlock()

	s.intervalChanged(TimerInbound)
	s.intervalChanged(TimerOutbound)
}

// OnConnectionChanged widens both timers when the connection drops and
// restores the baseline when it returns.
func (s *Scheduler) OnConnectionChanged(online bool) {
	s.stateMu.Lock()
	if online {
		s.failures = 0
		s.inbound = s.baseline
		s.outbound = s.baseline
	} else {
		s.inbound = widen(s.inbound, s.cfg.MaxInterval)
		s.outbound = widen(s.outbound, s.cfg.MaxInterval)
	}
	inbound := s.inbound
	s.stateMu.Unlock()

	logging.Info().Bool("online", online).Dur("interval", inbound).Msg("Adjusted polling interval for connection change")
	s.intervalChanged(TimerInbound)
	s.intervalChanged(TimerOutbound)
}

// widen doubles iv up to limit and never returns less than iv.
func widen(iv, limit time.Duration) time.Duration {
	return max(iv, min(iv*2, limit))
}

func (s *Scheduler) intervalChanged(timer string) {
	iv := s.LocationInterval()
	ch := s.outboundReset
	if timer == TimerInbound {
		iv = s.CurrentInterval()
		ch = s.inboundReset
		s.publish(events.IntervalChanged, iv)
	}
	metrics.RecordPollInterval(timer, iv)

	select {
	case ch <- struct{}{}:
	default:
	}
}

// CurrentInterval returns the inbound polling interval.
func (s *Scheduler) CurrentInterval() time.Duration {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.inbound
}

// LocationInterval returns the outbound push interval.
func (s *Scheduler) LocationInterval() time.Duration {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.outbound
}

// BaseInterval returns the interval the timers return to after a success.
func (s *Scheduler) BaseInterval() time.Duration {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.baseline
}

// ConsecutiveFailures returns the shared failure count.
func (s *Scheduler) ConsecutiveFailures() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.failures
}

// LastSuccessAt returns when a poll or push last succeeded.
func (s *Scheduler) LastSuccessAt() time.Time {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastSuccess
}

// ShouldReduceFrequency reports whether the client has been failing long
// enough that callers should back off.
func (s *Scheduler) ShouldReduceFrequency() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.now().Sub(s.lastSuccess) > s.cfg.ReduceAfter || s.failures >= s.cfg.FailureThreshold
}

// ClearCache drops cached locations and member statuses.
func (s *Scheduler) ClearCache() {
	s.cache.Clear()
	s.tracker.Reset()
	s.publish(events.CacheStatus, s.cache.StatusText())
}

// CacheAge returns the age of the cached set. ok is false when nothing is cached.
func (s *Scheduler) CacheAge() (time.Duration, bool) {
	return s.cache.Age()
}

// CacheStatus describes the cache for display.
func (s *Scheduler) CacheStatus() string {
	return s.cache.StatusText()
}

// CachedLocations returns the last fetched set regardless of age.
func (s *Scheduler) CachedLocations() ([]models.LocationRecord, time.Time, bool) {
	return s.cache.Latest()
}

// Tracker exposes the member status tracker.
func (s *Scheduler) Tracker() *StatusTracker {
	return s.tracker
}

func (s *Scheduler) publishLocations(locs []models.LocationRecord) {
	s.publish(events.LocationsUpdated, locs)
	s.publish(events.CacheStatus, s.cache.StatusText())
}

func (s *Scheduler) publish(t events.Type, payload any) {
	if s.bus != nil {
		s.bus.Publish(t, payload)
	}
}

// Start launches both timers. Each fires once immediately.
// Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	for s.stopping {
		done := s.stopDone
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}

	var sub *events.Subscription
	if s.bus != nil {
		sub = s.bus.Subscribe(16, events.ConnectionChanged)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.stopDone = make(chan struct{})
	done := s.stopDone
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runTimer(loopCtx, TimerInbound, s.inboundReset, s.CurrentInterval, func(ctx context.Context) {
			_, _ = s.PollOnce(ctx)
		})
	}()
	if !s.cfg.DisableOutbound {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runTimer(loopCtx, TimerOutbound, s.outboundReset, s.LocationInterval, func(ctx context.Context) {
				_ = s.PushOnce(ctx)
			})
		}()
	}
	if sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watchConnection(loopCtx, sub)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	logging.Info().
		Dur("interval", s.CurrentInterval()).
		Bool("outbound", !s.cfg.DisableOutbound).
		Msg("Polling scheduler started")
	return nil
}

// Stop cancels both timers and waits for in-flight cycles to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.stopping = true
	done := s.stopDone
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()

	logging.Info().Msg("Polling scheduler stopped")
}

// IsRunning reports whether the timers are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// runTimer fires tick immediately and then every interval(). A signal on
// reset restarts the wait with the current interval.
func (s *Scheduler) runTimer(ctx context.Context, name string, reset <-chan struct{}, interval func() time.Duration, tick func(ctx context.Context)) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval())

		case <-timer.C:
			s.safeTick(ctx, name, tick)
			timer.Reset(interval())
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context, name string, tick func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Str("timer", name).Interface("panic", r).Msg("Polling cycle panicked")
		}
	}()
	tick(ctx)
}

func (s *Scheduler) watchConnection(ctx context.Context, sub *events.Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if state, ok := ev.Payload.(connectivity.State); ok {
				s.OnConnectionChanged(state.IsOnline)
			}
		}
	}
}
