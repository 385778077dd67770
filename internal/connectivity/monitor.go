// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

// Package connectivity tracks whether the backend is reachable.
//
// A Monitor owns the single ConnectionState of the process. It is updated by a
// periodic probe and by callers reporting the outcome of real operations
// (ReportSuccess / ReportFailure). Every mutation happens under one mutex and
// readers receive copies.
//
// Transitions are published on the event bus as events.ConnectionChanged
// (only when connected, online or quality actually change) and
// events.NetworkError (every classified fault).
package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/familysync/internal/events"
	"github.com/tomtom215/familysync/internal/logging"
	"github.com/tomtom215/familysync/internal/metrics"
)

// Config controls probing and outage handling.
type Config struct {
	ProbeInterval        time.Duration
	ProbeTimeout         time.Duration
	ExcellentBelow       time.Duration
	GoodBelow            time.Duration
	OfflineAfterFailures int
	MaxOutage            time.Duration
}

// DefaultConfig returns a 30s probe with a 5s timeout, offline after 3 failures.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:        30 * time.Second,
		ProbeTimeout:         5 * time.Second,
		ExcellentBelow:       100 * time.Millisecond,
		GoodBelow:            300 * time.Millisecond,
		OfflineAfterFailures: 3,
		MaxOutage:            30 * time.Minute,
	}
}

// Monitor is the connection state machine.
type Monitor struct {
	cfg    Config
	prober Prober
	bus    events.Publisher
	now    func() time.Time

	stateMu sync.Mutex
	state   State

	// pubMu is taken before stateMu is released so events leave in mutation order.
	pubMu sync.Mutex

	// lifecycle, protected by mu
	mu       sync.Mutex
	cancel   context.CancelFunc
	running  bool
	stopping bool
	stopDone chan struct{}
}

// NewMonitor creates a monitor that starts optimistic: online, Good quality.
func NewMonitor(cfg Config, prober Prober, bus events.Publisher) *Monitor {
	m := &Monitor{
		cfg:    cfg,
		prober: prober,
		bus:    bus,
		now:    time.Now,
	}
	m.state = State{
		IsConnected:   true,
		IsOnline:      true,
		Quality:       QualityGood,
		LastSuccessAt: m.now().UTC(),
	}
	return m
}

// Snapshot returns a copy of the current state.
func (m *Monitor) Snapshot() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state.clone()
}

// IsOnline reports whether the backend is considered reachable.
func (m *Monitor) IsOnline() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state.IsOnline
}

// Classify maps err to a NetworkError stamped with the monitor clock.
func (m *Monitor) Classify(err error) *NetworkError {
	return classifyAt(err, m.now().UTC())
}

// Check runs one probe and applies its result.
func (m *Monitor) Check(ctx context.Context) State {
	if !m.prober.InterfaceAvailable() {
		nerr := m.Classify(ErrNetworkUnavailable)
		m.apply(false, false, QualityOffline, nerr)
		metrics.RecordProbe(0, false)
		return m.Snapshot()
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	rtt, err := m.prober.Ping(probeCtx)
	if err != nil {
		nerr := m.Classify(fmt.Errorf("%w: %w", ErrPingFailed, err))
		m.apply(true, false, QualityOffline, nerr)
		metrics.RecordProbe(rtt, false)
		return m.Snapshot()
	}

	metrics.RecordProbe(rtt, true)
	m.apply(true, true, m.qualityFor(rtt), nil)
	return m.Snapshot()
}

func (m *Monitor) qualityFor(rtt time.Duration) Quality {
	switch {
	case rtt < m.cfg.ExcellentBelow:
		return QualityExcellent
	case rtt < m.cfg.GoodBelow:
		return QualityGood
	default:
		return QualityPoor
	}
}

// apply records a probe outcome. Failures reset on online, grow otherwise.
func (m *Monitor) apply(connected, online bool, quality Quality, nerr *NetworkError) {
	m.stateMu.Lock()
	prev := m.state
	m.state.IsConnected = connected
	m.state.IsOnline = online
	m.state.Quality = quality
	if online {
		m.state.LastSuccessAt = m.now().UTC()
		m.state.ConsecutiveFailures = 0
	} else {
		m.state.ConsecutiveFailures++
	}
	if nerr != nil {
		m.state.LastError = nerr
	}
	m.commitLocked(prev, nerr)
}

// ReportSuccess records a successful real operation.
func (m *Monitor) ReportSuccess() {
	m.stateMu.Lock()
	prev := m.state
	m.state.LastSuccessAt = m.now().UTC()
	m.state.ConsecutiveFailures = 0
	if !prev.IsConnected || !prev.IsOnline {
		m.state.IsConnected = true
		m.state.IsOnline = true
		m.state.Quality = QualityGood
	}
	m.commitLocked(prev, nil)
}

// ReportFailure records a failed real operation and returns its classification.
// After OfflineAfterFailures consecutive failures the monitor goes offline.
func (m *Monitor) ReportFailure(err error) *NetworkError {
	nerr := m.Classify(err)
	if nerr == nil {
		nerr = m.Classify(fmt.Errorf("unspecified failure"))
	}

	m.stateMu.Lock()
	prev := m.state
	m.state.ConsecutiveFailures++
	m.state.LastError = nerr
	if m.state.ConsecutiveFailures >= m.cfg.OfflineAfterFailures {
		m.state.IsConnected = false
		m.state.IsOnline = false
		m.state.Quality = QualityOffline
	}
	m.commitLocked(prev, nerr)
	return nerr
}

// ShouldRetry decides whether attempt (1-based) may be followed by another.
func (m *Monitor) ShouldRetry(nerr *NetworkError, attempt, maxRetries int) bool {
	if nerr == nil || !nerr.Retryable {
		return false
	}
	if attempt >= maxRetries {
		return false
	}

	m.stateMu.Lock()
	lastSuccess := m.state.LastSuccessAt
	m.stateMu.Unlock()

	return m.now().Sub(lastSuccess) <= m.cfg.MaxOutage
}

// commitLocked releases stateMu and publishes the change. The caller must hold stateMu.
func (m *Monitor) commitLocked(prev State, nerr *NetworkError) {
	next := m.state.clone()
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.stateMu.Unlock()

	m.publish(prev, next, nerr)
}

func (m *Monitor) publish(prev, next State, nerr *NetworkError) {
	metrics.RecordConnectionState(next.IsOnline, int(next.Quality), next.ConsecutiveFailures)

	if prev.differs(next) {
		logging.Info().
			Bool("online", next.IsOnline).
			Bool("connected", next.IsConnected).
			Str("quality", next.Quality.String()).
			Int("consecutive_failures", next.ConsecutiveFailures).
			Msg("Connection state changed")
		if m.bus != nil {
			m.bus.Publish(events.ConnectionChanged, next)
		}
	}

	if nerr != nil {
		logging.Debug().
			Str("kind", nerr.Kind.String()).
			Bool("retryable", nerr.Retryable).
			Str("error", nerr.Message).
			Msg("Network error recorded")
		if m.bus != nil {
			m.bus.Publish(events.NetworkError, nerr)
		}
	}
}

// Start probes immediately and then every ProbeInterval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	for m.stopping {
		done := m.stopDone
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.stopDone = make(chan struct{})
	done := m.stopDone
	m.mu.Unlock()

	go m.run(loopCtx, done)

	logging.Info().
		Dur("interval", m.cfg.ProbeInterval).
		Dur("timeout", m.cfg.ProbeTimeout).
		Msg("Connection monitor started")
	return nil
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running || m.stopping {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.stopping = true
	done := m.stopDone
	m.mu.Unlock()

	<-done

	m.mu.Lock()
	m.stopping = false
	m.mu.Unlock()

	logging.Info().Msg("Connection monitor stopped")
}

// IsRunning reports whether the probe loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.Check(ctx)

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
