// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/familysync/internal/device"
	"github.com/tomtom215/familysync/internal/logging"
	"github.com/tomtom215/familysync/internal/metrics"
	"github.com/tomtom215/familysync/internal/models"
)

// Level is how aggressively the client is saving power.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the level name in JSON.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a level name.
func (l *Level) UnmarshalText(b []byte) error {
	for c := LevelNone; c <= LevelCritical; c++ {
		if c.String() == string(b) {
			*l = c
			return nil
		}
	}
	return fmt.Errorf("unknown optimization level %q", b)
}

// CriticalBatteryLevel is the level below which location updates pause.
const CriticalBatteryLevel = 0.15

// ShouldPauseForBattery reports whether outbound updates should be skipped.
func ShouldPauseForBattery(b models.BatteryState) bool {
	return b.Level < CriticalBatteryLevel && !b.Charging
}

// OptimizerConfig holds the battery thresholds and the intervals they map to.
type OptimizerConfig struct {
	CriticalLevel float64
	LowLevel      float64
	MediumLevel   float64

	NormalInterval     time.Duration
	MediumInterval     time.Duration
	LowInterval        time.Duration
	CriticalInterval   time.Duration
	StationaryInterval time.Duration

	// LongStationary and ShortStationary are the stationary durations that
	// stretch the interval.
	LongStationary  time.Duration
	ShortStationary time.Duration

	// StationaryRadius is the movement radius in meters below which the
	// device counts as stationary.
	StationaryRadius float64

	// ErrorWait is the wait after a failed optimization pass.
	ErrorWait time.Duration
}

// DefaultOptimizerConfig returns the standard thresholds.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		CriticalLevel:      CriticalBatteryLevel,
		LowLevel:           0.25,
		MediumLevel:        0.50,
		NormalInterval:     30 * time.Second,
		MediumInterval:     2 * time.Minute,
		LowInterval:        5 * time.Minute,
		CriticalInterval:   10 * time.Minute,
		StationaryInterval: 15 * time.Minute,
		LongStationary:     time.Hour,
		ShortStationary:    30 * time.Minute,
		StationaryRadius:   StationaryRadiusMeters,
		ErrorWait:          time.Minute,
	}
}

// Conditions are the inputs to a recommendation.
type Conditions struct {
	Battery    models.BatteryState
	Stationary time.Duration
}

// Recommendation is the outcome of one optimization pass.
type Recommendation struct {
	Interval     time.Duration `json:"interval"`
	ShouldUpdate bool          `json:"shouldUpdate"`
	Reason       string        `json:"reason"`
	Level        Level         `json:"level"`
}

// Recommend picks an interval. The first matching rule wins: critical
// battery, long stationary, short stationary, charging, low battery, medium
// battery, normal.
func (c OptimizerConfig) Recommend(cond Conditions) Recommendation {
	b := cond.Battery
	switch {
	case b.Level < c.CriticalLevel && !b.Charging:
		return Recommendation{
			Interval: c.CriticalInterval,
			Reason:   "Critical battery level - location updates paused",
			Level:    LevelCritical,
		}
	case cond.Stationary > c.LongStationary:
		return Recommendation{
			Interval:     c.StationaryInterval,
			ShouldUpdate: true,
			Reason:       "Device stationary for over an hour",
			Level:        LevelHigh,
		}
	case cond.Stationary > c.ShortStationary:
		return Recommendation{
			Interval:     c.LowInterval,
			ShouldUpdate: true,
			Reason:       "Device stationary for over 30 minutes",
			Level:        LevelMedium,
		}
	case b.Charging:
		return Recommendation{
			Interval:     c.NormalInterval,
			ShouldUpdate: true,
			Reason:       "Device charging - normal updates",
			Level:        LevelNone,
		}
	case b.Level < c.LowLevel:
		return Recommendation{
			Interval:     c.LowInterval,
			ShouldUpdate: true,
			Reason:       "Low battery - reduced update frequency",
			Level:        LevelHigh,
		}
	case b.Level < c.MediumLevel:
		return Recommendation{
			Interval:     c.MediumInterval,
			ShouldUpdate: true,
			Reason:       "Medium battery - moderate update frequency",
			Level:        LevelMedium,
		}
	default:
		return Recommendation{
			Interval:     c.NormalInterval,
			ShouldUpdate: true,
			Reason:       "Good battery level - normal updates",
			Level:        LevelNone,
		}
	}
}

// waitFor returns how long to wait before the next pass at a level.
func waitFor(l Level) time.Duration {
	switch l {
	case LevelCritical:
		return 10 * time.Minute
	case LevelHigh:
		return 5 * time.Minute
	case LevelMedium:
		return 3 * time.Minute
	default:
		return 2 * time.Minute
	}
}

// IntervalSetter receives the recommended polling interval.
type IntervalSetter interface {
	SetBaseInterval(d time.Duration)
	BaseInterval() time.Duration
}

// Optimizer periodically reads the battery and the stationary state and
// moves the polling baseline accordingly.
type Optimizer struct {
	cfg       OptimizerConfig
	battery   device.BatteryProvider
	locations device.LocationProvider
	detector  *StationaryDetector
	target    IntervalSetter

	resultMu    sync.RWMutex
	last        Recommendation
	lastBattery models.BatteryState
	hasResult   bool

	// lifecycle, protected by mu
	mu       sync.Mutex
	cancel   context.CancelFunc
	running  bool
	stopping bool
	stopDone chan struct{}
}

// NewOptimizer wires an optimizer. locations may be nil, in which case the
// device never counts as stationary.
func NewOptimizer(cfg OptimizerConfig, battery device.BatteryProvider, locations device.LocationProvider, target IntervalSetter) *Optimizer {
	if cfg.NormalInterval <= 0 {
		cfg = DefaultOptimizerConfig()
	}
	if cfg.ErrorWait <= 0 {
		cfg.ErrorWait = time.Minute
	}
	if cfg.StationaryRadius <= 0 {
		cfg.StationaryRadius = StationaryRadiusMeters
	}
	return &Optimizer{
		cfg:       cfg,
		battery:   battery,
		locations: locations,
		detector:  NewStationaryDetector(cfg.StationaryRadius),
		target:    target,
	}
}

// Optimize runs one pass and applies the recommended interval to the target.
func (o *Optimizer) Optimize(ctx context.Context) (Recommendation, error) {
	battery, err := o.battery.Battery(ctx)
	if err != nil {
		return Recommendation{}, fmt.Errorf("read battery: %w", err)
	}

	if o.locations != nil {
		accuracy := device.AccuracyLow
		fixCtx, cancel := context.WithTimeout(ctx, accuracy.FixTimeout())
		loc, err := o.locations.CurrentLocation(fixCtx, accuracy)
		cancel()
		switch {
		case err == nil:
			o.detector.Observe(loc)
		case errors.Is(err, device.ErrNoFix):
		default:
			logging.Debug().Err(err).Msg("Optimizer could not read location")
		}
	}

	rec := o.cfg.Recommend(Conditions{Battery: battery, Stationary: o.detector.Duration()})

	o.resultMu.Lock()
	changed := !o.hasResult || o.last.Level != rec.Level
	o.last = rec
	o.lastBattery = battery
	o.hasResult = true
	o.resultMu.Unlock()

	metrics.RecordOptimizationLevel(int(rec.Level))
	if o.target != nil && o.target.BaseInterval() != rec.Interval {
		o.target.SetBaseInterval(rec.Interval)
	}

	if changed {
		logging.Info().
			Str("level", rec.Level.String()).
			Dur("interval", rec.Interval).
			Float64("battery_level", battery.Level).
			Bool("charging", battery.Charging).
			Msg(rec.Reason)
	}
	return rec, nil
}

// Last returns the most recent recommendation. ok is false before the first pass.
func (o *Optimizer) Last() (Recommendation, bool) {
	o.resultMu.RLock()
	defer o.resultMu.RUnlock()
	return o.last, o.hasResult
}

// Status summarizes the optimizer for display, e.g.
// "Battery: 45% (Charging) | Interval: 30s | Stationary: 12min".
func (o *Optimizer) Status() string {
	o.resultMu.RLock()
	rec, battery, ok := o.last, o.lastBattery, o.hasResult
	o.resultMu.RUnlock()

	if !ok {
		return "Battery: unknown"
	}
	charging := ""
	if battery.Charging {
		charging = " (Charging)"
	}
	return fmt.Sprintf("Battery: %d%%%s | Interval: %ds | Stationary: %dmin",
		int(battery.Level*100+0.5), charging, int(rec.Interval.Seconds()), int(o.detector.Duration().Minutes()))
}

// Start runs optimization passes until Stop is called or ctx is done.
func (o *Optimizer) Start(ctx context.Context) error {
	o.mu.Lock()
	for o.stopping {
		done := o.stopDone
		o.mu.Unlock()
		<-done
		o.mu.Lock()
	}
	if o.running {
		o.mu.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.stopDone = make(chan struct{})
	done := o.stopDone
	o.mu.Unlock()

	go o.run(loopCtx, done)

	logging.Info().Msg("Battery optimizer started")
	return nil
}

// Stop halts the loop and waits for it to exit.
func (o *Optimizer) Stop() {
	o.mu.Lock()
	if !o.running || o.stopping {
		o.mu.Unlock()
		return
	}
	o.cancel()
	o.running = false
	o.stopping = true
	done := o.stopDone
	o.mu.Unlock()

	<-done

	o.mu.Lock()
	o.stopping = false
	o.mu.Unlock()

	logging.Info().Msg("Battery optimizer stopped")
}

// IsRunning reports whether the loop is active.
func (o *Optimizer) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Optimizer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(o.pass(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(o.pass(ctx))
		}
	}
}

// pass runs Optimize and returns the wait before the next pass.
func (o *Optimizer) pass(ctx context.Context) time.Duration {
	rec, err := o.Optimize(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logging.Warn().Err(err).Msg("Battery optimization failed")
		}
		return o.cfg.ErrorWait
	}
	return waitFor(rec.Level)
}
