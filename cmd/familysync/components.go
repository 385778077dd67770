// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/familysync/internal/api"
	"github.com/tomtom215/familysync/internal/backend"
	"github.com/tomtom215/familysync/internal/cache"
	"github.com/tomtom215/familysync/internal/config"
	"github.com/tomtom215/familysync/internal/connectivity"
	"github.com/tomtom215/familysync/internal/device"
	"github.com/tomtom215/familysync/internal/events"
	"github.com/tomtom215/familysync/internal/logging"
	"github.com/tomtom215/familysync/internal/models"
	"github.com/tomtom215/familysync/internal/offline"
	"github.com/tomtom215/familysync/internal/polling"
	"github.com/tomtom215/familysync/internal/retry"
	"github.com/tomtom215/familysync/internal/supervisor"
	"github.com/tomtom215/familysync/internal/supervisor/services"
	syncengine "github.com/tomtom215/familysync/internal/sync"
	ws "github.com/tomtom215/familysync/internal/websocket"
)

// components holds everything main wires into the supervisor tree.
type components struct {
	bus       *events.Bus
	queue     *offline.Queue
	client    *backend.Client
	monitor   *connectivity.Monitor
	engine    *syncengine.Engine
	device    *device.Static
	scheduler *polling.Scheduler
	optimizer *polling.Optimizer
	hub       *ws.Hub
	server    *http.Server
}

// buildComponents constructs the component graph from cfg. The caller owns
// the returned queue and bus and must close them after the tree stops.
func buildComponents(cfg *config.Config) (*components, error) {
	c := &components{bus: events.NewBus()}

	store, err := openStore(cfg.Queue)
	if err != nil {
		return nil, err
	}
	c.queue = offline.Open(queueConfig(cfg.Queue), store, c.bus)

	c.client, err = backend.NewClient(backendConfig(cfg.Backend))
	if err != nil {
		_ = c.queue.Close()
		return nil, fmt.Errorf("create backend client: %w", err)
	}

	c.monitor = connectivity.NewMonitor(monitorConfig(cfg.Monitor), connectivity.NewDialProber(cfg.Monitor.ProbeTarget), c.bus)
	c.engine = syncengine.NewEngine(syncConfig(cfg), c.client, c.monitor, c.queue, c.bus)

	c.device = device.NewStatic()
	if err := seedDevice(c.device, cfg.Device); err != nil {
		_ = c.queue.Close()
		return nil, err
	}

	locCache := cache.NewLocationCache(cfg.Polling.CacheValidity)
	c.scheduler = polling.NewScheduler(schedulerConfig(cfg.Polling), c.engine, c.client, c.monitor, locCache, c.device, c.device, c.bus)
	if cfg.Polling.OptimizerEnabled {
		c.optimizer = polling.NewOptimizer(optimizerConfig(cfg.Polling), c.device, c.device, c.scheduler)
	}

	c.hub = ws.NewHub()

	deps := api.Deps{
		Connection: c.monitor,
		Sync:       c.engine,
		Locations:  c.scheduler,
		Device:     c.device,
		Hub:        c.hub,
	}
	// Assigned only when set so the interface stays nil rather than typed-nil.
	if c.optimizer != nil {
		deps.Battery = c.optimizer
	}

	if cfg.Server.Enabled {
		router := api.NewRouter(api.NewHandler(deps), middlewareConfig(cfg.Server))
		c.server = &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           router.SetupChi(),
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		}
	}

	return c, nil
}

// register adds every long-running component to its supervisor layer.
func (c *components) register(tree *supervisor.SupervisorTree, shutdownTimeout time.Duration) {
	tree.AddConnectivityService(services.NewMonitorService(c.monitor))

	tree.AddSyncService(services.NewSyncEngineService(c.engine))
	tree.AddSyncService(services.NewSchedulerService(c.scheduler))
	if c.optimizer != nil {
		tree.AddSyncService(services.NewOptimizerService(c.optimizer))
	}

	tree.AddAPIService(services.NewWebSocketHubService(c.hub))
	tree.AddAPIService(services.NewEventRelayService(c.hub, c.bus))
	if c.server != nil {
		tree.AddAPIService(services.NewHTTPServerService(c.server, shutdownTimeout))
		logging.Info().Str("addr", c.server.Addr).Msg("Status server service added")
	}
}

// close releases the queue store and the bus.
func (c *components) close() {
	if err := c.queue.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing offline queue")
	}
	c.bus.Close()
}

// openStore opens the snapshot store selected by cfg.Backend.
func openStore(cfg config.QueueConfig) (offline.Store, error) {
	switch cfg.Backend {
	case config.QueueBackendBadger:
		store, err := offline.OpenBadgerStore(offline.BadgerConfig{
			Path:       cfg.Path,
			SyncWrites: cfg.SyncWrites,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger queue store: %w", err)
		}
		return store, nil
	case config.QueueBackendFile:
		store, err := offline.NewFileStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open file queue store: %w", err)
		}
		return store, nil
	case config.QueueBackendMemory:
		store, err := offline.OpenBadgerStore(offline.BadgerConfig{InMemory: true})
		if err != nil {
			return nil, fmt.Errorf("open in-memory queue store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func queueConfig(q config.QueueConfig) offline.Config {
	return offline.Config{
		MaxLocations:      q.MaxLocations,
		MaxRequests:       q.MaxRequests,
		RequestTTL:        q.RequestTTL,
		LocationTTL:       q.LocationTTL,
		RequestMaxRetries: q.RequestMaxRetries,
	}
}

func backendConfig(b config.BackendConfig) backend.Config {
	return backend.Config{
		BaseURL:             b.BaseURL,
		Timeout:             b.Timeout,
		AuthToken:           b.AuthToken,
		RequestsPerSecond:   b.RequestsPerSecond,
		Burst:               b.Burst,
		BreakerName:         "backend-api",
		BreakerMaxRequests:  b.BreakerMaxRequests,
		BreakerInterval:     b.BreakerInterval,
		BreakerTimeout:      b.BreakerTimeout,
		BreakerMinRequests:  b.BreakerMinRequests,
		BreakerFailureRatio: b.BreakerFailureRatio,
	}
}

func monitorConfig(m config.MonitorConfig) connectivity.Config {
	return connectivity.Config{
		ProbeInterval:        m.ProbeInterval,
		ProbeTimeout:         m.ProbeTimeout,
		ExcellentBelow:       m.ExcellentBelow,
		GoodBelow:            m.GoodBelow,
		OfflineAfterFailures: m.OfflineAfterFailures,
		MaxOutage:            m.MaxOutage,
	}
}

func syncConfig(cfg *config.Config) syncengine.Config {
	return syncengine.Config{
		Interval:      cfg.Sync.Interval,
		ErrorInterval: cfg.Sync.ErrorInterval,
		Retry: retry.Policy{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			Jitter:       cfg.Retry.Jitter,
		},
	}
}

func schedulerConfig(p config.PollingConfig) polling.Config {
	return polling.Config{
		BaseInterval:       p.BaseInterval,
		MaxInterval:        p.MaxInterval,
		BatteryMaxInterval: p.BatteryMaxInterval,
		FailureThreshold:   p.FailureThreshold,
		ReduceAfter:        p.ReduceAfter,
		UserID:             p.UserID,
		DisableOutbound:    p.DisableOutbound,
	}
}

// optimizerConfig keeps the standard battery thresholds and applies the
// configured radius, retry wait and baseline interval.
func optimizerConfig(p config.PollingConfig) polling.OptimizerConfig {
	opt := polling.DefaultOptimizerConfig()
	opt.NormalInterval = p.BaseInterval
	opt.StationaryRadius = p.StationaryRadius
	opt.ErrorWait = p.OptimizerRetry
	return opt
}

func middlewareConfig(s config.ServerConfig) *api.ChiMiddlewareConfig {
	mw := api.DefaultChiMiddlewareConfig()
	if len(s.CORSOrigins) > 0 {
		mw.CORSAllowedOrigins = s.CORSOrigins
	}
	if s.CORSMaxAge > 0 {
		mw.CORSMaxAge = s.CORSMaxAge
	}
	if s.RateLimitReqs > 0 {
		mw.RateLimitRequests = s.RateLimitReqs
	}
	if s.ControlRateLimitReqs > 0 {
		mw.ControlRateLimitRequests = s.ControlRateLimitReqs
	}
	if s.RateLimitWindow > 0 {
		mw.RateLimitWindow = s.RateLimitWindow
	}
	mw.RateLimitDisabled = s.RateLimitDisabled
	return mw
}

// seedDevice applies the configured battery reading and optional fix.
func seedDevice(d *device.Static, cfg config.DeviceConfig) error {
	if err := d.SetBattery(models.BatteryState{Level: cfg.BatteryLevel, Charging: cfg.Charging}); err != nil {
		return fmt.Errorf("seed battery: %w", err)
	}
	if !cfg.SeedLocation {
		return nil
	}
	if err := d.SetLocation(models.Location{
		Latitude:  cfg.Latitude,
		Longitude: cfg.Longitude,
		Accuracy:  cfg.Accuracy,
	}); err != nil {
		return fmt.Errorf("seed location: %w", err)
	}
	return nil
}
