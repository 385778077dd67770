// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

// Package metrics defines the Prometheus collectors for the sync core.
// Components record through the Record* helpers rather than touching
// collectors directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionOnline is 1 while the monitor considers the backend reachable.
	ConnectionOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "familysync_connection_online",
		Help: "1 when the connection monitor reports online, 0 otherwise",
	})

	// ConnectionQuality is 0=offline, 1=poor, 2=good, 3=excellent.
	ConnectionQuality = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "familysync_connection_quality",
		Help: "Connection quality bucket (0=offline, 1=poor, 2=good, 3=excellent)",
	})

	ConnectionConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "familysync_connection_consecutive_failures",
		Help: "Consecutive failed probes or reported operation failures",
	})

	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "familysync_probe_duration_seconds",
		Help:    "Round trip time of reachability probes",
		Buckets: []float64{.01, .025, .05, .1, .2, .3, .5, 1, 2.5, 5},
	}, []string{"outcome"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familysync_retry_attempts_total",
		Help: "Operation attempts made through the retry wrapper",
	}, []string{"operation", "outcome"})

	QueuePending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "familysync_queue_pending",
		Help: "Entries waiting in the offline queue",
	}, []string{"kind"})

	QueuePersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "familysync_queue_persist_errors_total",
		Help: "Offline queue snapshot writes that failed",
	})

	DrainPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familysync_drain_passes_total",
		Help: "Offline queue drain passes by outcome",
	}, []string{"outcome"})

	DrainedItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familysync_drained_items_total",
		Help: "Queued items delivered during drain passes",
	}, []string{"kind"})

	PollInterval = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "familysync_poll_interval_seconds",
		Help: "Current polling interval",
	}, []string{"timer"})

	PollOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familysync_poll_outcomes_total",
		Help: "Polling cycles by timer and outcome",
	}, []string{"timer", "outcome"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familysync_cache_lookups_total",
		Help: "Family location cache lookups by result",
	}, []string{"result"})

	MemberStatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familysync_member_status_changes_total",
		Help: "Detected member presence transitions",
	}, []string{"type"})

	// CircuitBreakerState is 0=closed, 1=half-open, 2=open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "familysync_circuit_breaker_state",
		Help: "Backend circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familysync_events_dropped_total",
		Help: "Events not delivered because a subscriber buffer was full",
	}, []string{"type"})

	OptimizationLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "familysync_battery_optimization_level",
		Help: "Battery optimization level (0=none .. 4=critical)",
	})
)

// RecordConnectionState publishes the monitor's current state.
func RecordConnectionState(online bool, quality int, failures int) {
	if online {
		ConnectionOnline.Set(1)
	} else {
		ConnectionOnline.Set(0)
	}
	ConnectionQuality.Set(float64(quality))
	ConnectionConsecutiveFailures.Set(float64(failures))
}

// RecordProbe records a reachability probe.
func RecordProbe(rtt time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	ProbeDuration.WithLabelValues(outcome).Observe(rtt.Seconds())
}

// RecordRetryAttempt records one attempt of a wrapped operation.
// outcome is success, failure or queued.
func RecordRetryAttempt(operation, outcome string) {
	RetryAttempts.WithLabelValues(operation, outcome).Inc()
}

// RecordQueuePending sets the pending gauges.
func RecordQueuePending(locations, requests int) {
	QueuePending.WithLabelValues("location").Set(float64(locations))
	QueuePending.WithLabelValues("request").Set(float64(requests))
}

// RecordQueuePersistError counts a failed snapshot write.
func RecordQueuePersistError() {
	QueuePersistErrors.Inc()
}

// RecordDrain records a drain pass and the number of delivered items per kind.
func RecordDrain(outcome string, locations, requests int) {
	DrainPasses.WithLabelValues(outcome).Inc()
	if locations > 0 {
		DrainedItems.WithLabelValues("location").Add(float64(locations))
	}
	if requests > 0 {
		DrainedItems.WithLabelValues("request").Add(float64(requests))
	}
}

// RecordPollInterval sets the current interval of a timer.
func RecordPollInterval(timer string, interval time.Duration) {
	PollInterval.WithLabelValues(timer).Set(interval.Seconds())
}

// RecordPollOutcome counts a polling cycle.
func RecordPollOutcome(timer, outcome string) {
	PollOutcomes.WithLabelValues(timer, outcome).Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	CacheLookups.WithLabelValues("miss").Inc()
}

// RecordMemberStatusChange counts a presence transition.
func RecordMemberStatusChange(changeType string) {
	MemberStatusChanges.WithLabelValues(changeType).Inc()
}

// RecordCircuitBreakerState sets the breaker gauge.
func RecordCircuitBreakerState(name string, state float64) {
	CircuitBreakerState.WithLabelValues(name).Set(state)
}

// RecordEventDropped counts an undelivered event.
func RecordEventDropped(eventType string) {
	EventsDropped.WithLabelValues(eventType).Inc()
}

// RecordOptimizationLevel sets the battery optimization gauge.
func RecordOptimizationLevel(level int) {
	OptimizationLevel.Set(float64(level))
}
