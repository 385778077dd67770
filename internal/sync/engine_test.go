// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/tomtom215/familysync/internal/backend"
	"github.com/tomtom215/familysync/internal/connectivity"
	"github.com/tomtom215/familysync/internal/events"
	"github.com/tomtom215/familysync/internal/models"
	"github.com/tomtom215/familysync/internal/offline"
)

var (
	errRefused  = fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	errNotFound = &net.DNSError{Err: "no such host", Name: "backend.invalid", IsNotFound: true}
)

type fakeMonitor struct {
	mu        sync.Mutex
	online    bool
	successes int
	failures  int
}

func (m *fakeMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *fakeMonitor) setOnline(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = v
}

func (m *fakeMonitor) Snapshot() connectivity.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return connectivity.State{IsConnected: m.online, IsOnline: m.online}
}

func (m *fakeMonitor) ReportSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes++
}

func (m *fakeMonitor) ReportFailure(err error) *connectivity.NetworkError {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	return connectivity.Classify(err)
}

func (m *fakeMonitor) ShouldRetry(nerr *connectivity.NetworkError, attempt, maxRetries int) bool {
	return nerr != nil && nerr.Retryable && attempt < maxRetries
}

func (m *fakeMonitor) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successes, m.failures
}

type fakeBackend struct {
	mu        sync.Mutex
	pushes    []float64
	replays   []string
	pushErr   func(lat float64) error
	replayErr func(endpoint string) error
	family    *models.Family
}

func (b *fakeBackend) PushLocation(_ context.Context, lat, _, _ float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushes = append(b.pushes, lat)
	if b.pushErr != nil {
		return b.pushErr(lat)
	}
	return nil
}

func (b *fakeBackend) Replay(_ context.Context, method, endpoint string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replays = append(b.replays, method+" "+endpoint)
	if b.replayErr != nil {
		return b.replayErr(endpoint)
	}
	return nil
}

func (b *fakeBackend) CreateFamily(_ context.Context, name string) (*models.Family, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.family != nil {
		return b.family, nil
	}
	return &models.Family{ID: "f1", Name: name}, nil
}

func (b *fakeBackend) JoinFamily(_ context.Context, guid string) (*models.Family, error) {
	return &models.Family{ID: "f1", FamilyGUID: guid}, nil
}

func (b *fakeBackend) pushCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pushes)
}

type harness struct {
	engine  *Engine
	backend *fakeBackend
	monitor *fakeMonitor
	queue   *offline.Queue
	sleeps  []time.Duration
	now     time.Time
}

func newHarness(t *testing.T, online bool, bus *events.Bus) *harness {
	t.Helper()

	store, err := offline.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	queue := offline.Open(offline.DefaultConfig(), store, nil)
	t.Cleanup(func() { _ = queue.Close() })

	cfg := DefaultConfig()
	cfg.Retry.Jitter = false

	h := &harness{
		backend: &fakeBackend{},
		monitor: &fakeMonitor{online: online},
		queue:   queue,
		now:     time.Now().UTC().Truncate(time.Second),
	}
	h.engine = NewEngine(cfg, h.backend, h.monitor, queue, bus)
	h.engine.now = func() time.Time { return h.now }
	h.engine.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func locationFor(user string, lat float64, at time.Time) models.LocationUpdate {
	return models.LocationUpdate{UserID: user, Latitude: lat, Longitude: 2, Accuracy: 10, CapturedAt: at}
}

func TestExecuteWithRetryOfflineShortCircuits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, nil)
	calls := 0
	res := h.engine.ExecuteWithRetry(context.Background(), "test", func(context.Context) error {
		calls++
		return nil
	})

	if calls != 0 {
		t.Errorf("operation called %d times while offline", calls)
	}
	if !res.Queued || res.Success || !errors.Is(res.Err, ErrQueuedOffline) {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Message != QueuedMessage {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestExecuteWithRetry(t *testing.T) {
	t.Parallel()

	rejected := &backend.RejectedError{Endpoint: "family/join", Message: "unknown family"}

	tests := []struct {
		name          string
		errs          []error // per attempt; nil means success
		wantSuccess   bool
		wantAttempts  int
		wantSleeps    []time.Duration
		wantFailures  int
		wantSuccesses int
		wantMessage   string
	}{
		{
			name:          "first attempt succeeds",
			errs:          []error{nil},
			wantSuccess:   true,
			wantAttempts:  1,
			wantSuccesses: 1,
		},
		{
			name:          "recovers on third attempt",
			errs:          []error{errRefused, errRefused, nil},
			wantSuccess:   true,
			wantAttempts:  3,
			wantSleeps:    []time.Duration{time.Second, 2 * time.Second},
			wantFailures:  2,
			wantSuccesses: 1,
		},
		{
			name:         "retries exhausted",
			errs:         []error{errRefused, errRefused, errRefused, nil},
			wantAttempts: 3,
			wantSleeps:   []time.Duration{time.Second, 2 * time.Second},
			wantFailures: 3,
			wantMessage:  "error after 3 attempts: dial tcp: connection refused",
		},
		{
			name:         "non-retryable stops immediately",
			errs:         []error{errNotFound, nil},
			wantAttempts: 1,
			wantFailures: 1,
			wantMessage:  "error after 1 attempts: lookup backend.invalid: no such host",
		},
		{
			name:          "rejection counts as reachable",
			errs:          []error{rejected, nil},
			wantAttempts:  1,
			wantSuccesses: 1,
			wantMessage:   "unknown family",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, true, nil)
			calls := 0
			res := h.engine.ExecuteWithRetry(context.Background(), "test", func(context.Context) error {
				err := tt.errs[calls]
				calls++
				return err
			})

			if res.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v (%+v)", res.Success, tt.wantSuccess, res)
			}
			if res.Attempts != tt.wantAttempts || calls != tt.wantAttempts {
				t.Errorf("Attempts = %d, calls = %d, want %d", res.Attempts, calls, tt.wantAttempts)
			}
			if len(h.sleeps) != len(tt.wantSleeps) {
				t.Fatalf("sleeps = %v, want %v", h.sleeps, tt.wantSleeps)
			}
			for i := range tt.wantSleeps {
				if h.sleeps[i] != tt.wantSleeps[i] {
					t.Errorf("sleep[%d] = %v, want %v", i, h.sleeps[i], tt.wantSleeps[i])
				}
			}
			successes, failures := h.monitor.counts()
			if successes != tt.wantSuccesses || failures != tt.wantFailures {
				t.Errorf("monitor successes/failures = %d/%d, want %d/%d", successes, failures, tt.wantSuccesses, tt.wantFailures)
			}
			if tt.wantMessage != "" && res.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", res.Message, tt.wantMessage)
			}
		})
	}
}

func TestExecuteWithRetryCanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	h.engine.sleep = func(ctx context.Context, _ time.Duration) error { return context.Canceled }

	res := h.engine.ExecuteWithRetry(context.Background(), "test", func(context.Context) error { return errRefused })
	if res.Success || !errors.Is(res.Err, context.Canceled) {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}

// Scenario A: three users queued, online, one drain empties the queue.
func TestDrainScenarioA(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	base := h.now.Add(-time.Minute)
	for i, user := range []string{"1", "2", "3"} {
		if err := h.queue.StoreLocation(locationFor(user, float64(10+i), base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("StoreLocation() error = %v", err)
		}
	}

	report, err := h.engine.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if report.Locations != 3 || !report.Complete || report.Remaining != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if h.queue.HasPending() {
		t.Errorf("queue still has %d pending", h.queue.PendingCount())
	}
	if !h.engine.LastSyncAt().Equal(h.now) {
		t.Errorf("LastSyncAt = %v, want %v", h.engine.LastSyncAt(), h.now)
	}
	if got := h.backend.pushes; len(got) != 3 || got[0] != 10 || got[1] != 11 || got[2] != 12 {
		t.Errorf("pushes = %v, want [10 11 12]", got)
	}
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	for k := 1; k <= 5; k++ {
		t.Run(fmt.Sprintf("fail_at_%d", k), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, true, nil)
			failLat := float64(k)
			h.backend.pushErr = func(lat float64) error {
				if lat == failLat {
					return errNotFound
				}
				return nil
			}

			base := h.now.Add(-time.Hour)
			for i := 1; i <= 5; i++ {
				u := locationFor(fmt.Sprintf("user-%d", i), float64(i), base.Add(time.Duration(i)*time.Minute))
				if err := h.queue.StoreLocation(u); err != nil {
					t.Fatalf("StoreLocation() error = %v", err)
				}
			}

			report, err := h.engine.Drain(context.Background())
			if err == nil {
				t.Fatal("expected drain error")
			}
			if report.Locations != k-1 {
				t.Errorf("delivered %d, want %d", report.Locations, k-1)
			}

			remaining := h.queue.PendingLocations()
			if len(remaining) != 5-k+1 {
				t.Fatalf("remaining = %d, want %d", len(remaining), 5-k+1)
			}
			for i, loc := range remaining {
				if want := float64(k + i); loc.Latitude != want {
					t.Errorf("remaining[%d] latitude = %v, want %v", i, loc.Latitude, want)
				}
			}
			if got := h.backend.pushCount(); got != k {
				t.Errorf("push calls = %d, want %d (no skip ahead)", got, k)
			}
			if !h.engine.LastSyncAt().IsZero() {
				t.Error("LastSyncAt updated after partial drain")
			}
		})
	}
}

func TestDrainGuards(t *testing.T) {
	t.Parallel()

	t.Run("offline", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, false, nil)
		if _, err := h.engine.Drain(context.Background()); !errors.Is(err, ErrOffline) {
			t.Errorf("Drain() error = %v, want ErrOffline", err)
		}
	})

	t.Run("in progress", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, true, nil)
		h.engine.draining.Store(true)
		if _, err := h.engine.Drain(context.Background()); !errors.Is(err, ErrDrainInProgress) {
			t.Errorf("Drain() error = %v, want ErrDrainInProgress", err)
		}
	})
}

func TestDrainRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	if _, err := h.queue.StoreRequest("POST", "family/create", models.CreateFamilyRequest{Name: "A"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.queue.StoreRequest("POST", "family/join", models.JoinFamilyRequest{FamilyGUID: "g"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.queue.StoreRequest("GET", "family/members", nil); err != nil {
		t.Fatal(err)
	}

	h.backend.replayErr = func(endpoint string) error {
		if endpoint == "family/join" {
			return &backend.StatusError{Code: 404, Message: "no such family"}
		}
		return nil
	}

	// Each pass delivers the first request and stops at the permanent failure.
	for pass := 1; pass <= 3; pass++ {
		if _, err := h.engine.Drain(context.Background()); err == nil {
			t.Fatalf("pass %d: expected error", pass)
		}
		reqs := h.queue.PendingRequests()
		if pass < 3 {
			if len(reqs) != 2 || reqs[0].Endpoint != "family/join" || reqs[0].RetryCount != pass {
				t.Fatalf("pass %d: unexpected pending %+v", pass, reqs)
			}
		}
	}

	// Third permanent failure reached MaxRetries and the request was dropped.
	reqs := h.queue.PendingRequests()
	if len(reqs) != 1 || reqs[0].Endpoint != "family/members" {
		t.Fatalf("unexpected pending after drop %+v", reqs)
	}

	report, err := h.engine.Drain(context.Background())
	if err != nil || !report.Complete || report.Requests != 1 {
		t.Fatalf("final drain = %+v, %v", report, err)
	}
	if h.engine.LastSyncAt().IsZero() {
		t.Error("LastSyncAt not set after complete drain")
	}
}

func TestDrainDropsExpiredRequestsFirst(t *testing.T) {
	t.Parallel()

	store, err := offline.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	qcfg := offline.DefaultConfig()
	qcfg.RequestTTL = 50 * time.Millisecond
	queue := offline.Open(qcfg, store, nil)
	t.Cleanup(func() { _ = queue.Close() })

	if _, err := queue.StoreRequest("POST", "family/create", models.CreateFamilyRequest{Name: "A"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	b := &fakeBackend{}
	engine := NewEngine(DefaultConfig(), b, &fakeMonitor{online: true}, queue, nil)

	report, err := engine.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(b.replays) != 0 {
		t.Errorf("expired request was sent: %v", b.replays)
	}
	if report.Dropped != 1 || report.Requests != 0 || !report.Complete {
		t.Errorf("report = %+v, want one expired drop and a complete pass", report)
	}
}

func TestDrainKeepsTransientFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	if _, err := h.queue.StoreRequest("POST", "family/create", models.CreateFamilyRequest{Name: "A"}); err != nil {
		t.Fatal(err)
	}
	h.backend.replayErr = func(string) error { return &backend.StatusError{Code: 503, Message: "unavailable"} }

	for pass := 1; pass <= 5; pass++ {
		if _, err := h.engine.Drain(context.Background()); err == nil {
			t.Fatalf("pass %d: expected error", pass)
		}
	}
	reqs := h.queue.PendingRequests()
	if len(reqs) != 1 || reqs[0].RetryCount != 5 {
		t.Fatalf("pending after transient failures = %+v, want kept with retry count 5", reqs)
	}
}

func TestUpdateLocation(t *testing.T) {
	t.Parallel()

	t.Run("online success", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, true, nil)
		res := h.engine.UpdateLocation(context.Background(), locationFor("u1", 40, time.Time{}))
		if !res.Success || h.queue.HasPending() {
			t.Errorf("unexpected result %+v, pending %d", res, h.queue.PendingCount())
		}
	})

	t.Run("offline queues", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, false, nil)
		res := h.engine.UpdateLocation(context.Background(), locationFor("u1", 40, time.Time{}))
		if !res.Queued || !errors.Is(res.Err, ErrQueuedOffline) {
			t.Errorf("unexpected result %+v", res)
		}
		if h.backend.pushCount() != 0 {
			t.Error("backend called while offline")
		}
		pending := h.queue.PendingLocations()
		if len(pending) != 1 || !pending[0].CapturedAt.Equal(h.now) {
			t.Errorf("pending = %+v", pending)
		}
	})

	t.Run("exhausted retries queue", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, true, nil)
		h.backend.pushErr = func(float64) error { return errRefused }
		res := h.engine.UpdateLocation(context.Background(), locationFor("u1", 40, time.Time{}))
		if !res.Queued || res.Attempts != 3 {
			t.Errorf("unexpected result %+v", res)
		}
		if h.queue.PendingCount() != 1 {
			t.Errorf("pending = %d, want 1", h.queue.PendingCount())
		}
	})

	t.Run("invalid coordinates rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, false, nil)
		res := h.engine.UpdateLocation(context.Background(), locationFor("u1", 123, time.Time{}))
		if res.Success || res.Queued || res.Err == nil {
			t.Errorf("unexpected result %+v", res)
		}
		if h.queue.HasPending() {
			t.Error("invalid update was queued")
		}
	})
}

func TestFamilyMutations(t *testing.T) {
	t.Parallel()

	t.Run("offline create is queued", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, false, nil)
		fam, res := h.engine.CreateFamily(context.Background(), "Garcia")
		if fam != nil || !res.Queued {
			t.Fatalf("CreateFamily() = %v, %+v", fam, res)
		}
		reqs := h.queue.PendingRequests()
		if len(reqs) != 1 || reqs[0].Method != "POST" || reqs[0].Endpoint != backend.EndpointCreateFamily {
			t.Fatalf("unexpected pending %+v", reqs)
		}
		if !strings.Contains(string(reqs[0].Payload), `"name":"Garcia"`) {
			t.Errorf("payload = %s", reqs[0].Payload)
		}
	})

	t.Run("online join", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, true, nil)
		fam, res := h.engine.JoinFamily(context.Background(), "g-9")
		if !res.Success || fam == nil || fam.FamilyGUID != "g-9" {
			t.Fatalf("JoinFamily() = %v, %+v", fam, res)
		}
		if h.queue.HasPending() {
			t.Error("online join was queued")
		}
	})

	t.Run("empty name rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, true, nil)
		if _, res := h.engine.CreateFamily(context.Background(), ""); res.Err == nil {
			t.Error("expected validation error")
		}
	})
}

func TestConnectionStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, nil)
	if got := h.engine.ConnectionStatus(); got != "Disconnected" {
		t.Errorf("status = %q", got)
	}
	_ = h.queue.StoreLocation(locationFor("u1", 1, h.now))
	_, _ = h.queue.StoreRequest("GET", "family/members", nil)
	if got := h.engine.ConnectionStatus(); got != "Disconnected (2 pending)" {
		t.Errorf("status = %q", got)
	}
	h.monitor.setOnline(true)
	if got := h.engine.ConnectionStatus(); got != "Connected" {
		t.Errorf("status = %q", got)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReconnectTriggersDrain(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	defer bus.Close()
	status := bus.Subscribe(8, events.ConnectionStatus)

	h := newHarness(t, false, bus)
	h.engine.cfg.Interval = time.Hour
	if err := h.queue.StoreLocation(locationFor("u1", 5, h.now)); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.engine.Stop()
	if !h.engine.IsRunning() {
		t.Fatal("engine not running")
	}

	h.monitor.setOnline(true)
	bus.Publish(events.ConnectionChanged, connectivity.State{IsConnected: true, IsOnline: true, Quality: connectivity.QualityGood})

	waitFor(t, "reconnect drain", func() bool { return !h.queue.HasPending() })

	select {
	case ev := <-status.C():
		if ev.Payload != "Connected" {
			t.Errorf("status payload = %v", ev.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no connection status event")
	}

	h.engine.Stop()
	if h.engine.IsRunning() {
		t.Error("engine still running after Stop")
	}
}

func TestCycleCleansUpWhileOffline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, nil)
	if _, err := h.queue.StoreRequest("GET", "family/members", nil); err != nil {
		t.Fatal(err)
	}

	if wait := h.engine.cycle(context.Background()); wait != 2*time.Minute {
		t.Errorf("wait = %v, want 2m", wait)
	}
	if h.queue.PendingCount() != 1 {
		t.Error("fresh request removed by cleanup")
	}
	if len(h.backend.replays) != 0 {
		t.Error("replayed while offline")
	}
}

func TestCyclePanicUsesErrorInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, nil)
	h.engine.monitor = panicMonitor{h.monitor}

	if wait := h.engine.cycle(context.Background()); wait != 5*time.Minute {
		t.Errorf("wait = %v, want 5m", wait)
	}
}

type panicMonitor struct{ *fakeMonitor }

func (panicMonitor) IsOnline() bool { panic("probe exploded") }
