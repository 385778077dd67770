// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package services

import (
	"context"
	"fmt"

	"github.com/tomtom215/familysync/internal/logging"
)

// StartStopper matches the lifecycle of the long-running components:
// *connectivity.Monitor, *sync.Engine, *polling.Scheduler and *polling.Optimizer.
// Start spawns the component's goroutines and returns; Stop blocks until
// they have exited.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

// ComponentService adapts a StartStopper to suture's Serve pattern:
//  1. Start(ctx) spawns the component loop
//  2. Serve blocks until the context is canceled
//  3. Stop() waits for the loop to exit
//
// If Start fails the error is returned and suture restarts the service
// according to its backoff policy.
type ComponentService struct {
	component StartStopper
	name      string
}

// NewComponentService wraps component under the given service name.
func NewComponentService(name string, component StartStopper) *ComponentService {
	return &ComponentService{
		component: component,
		name:      name,
	}
}

// NewMonitorService supervises the connection monitor.
func NewMonitorService(monitor StartStopper) *ComponentService {
	return NewComponentService("connection-monitor", monitor)
}

// NewSyncEngineService supervises the sync engine's background drain loop.
func NewSyncEngineService(engine StartStopper) *ComponentService {
	return NewComponentService("sync-engine", engine)
}

// NewSchedulerService supervises the polling scheduler.
func NewSchedulerService(scheduler StartStopper) *ComponentService {
	return NewComponentService("polling-scheduler", scheduler)
}

// NewOptimizerService supervises the battery optimizer.
func NewOptimizerService(optimizer StartStopper) *ComponentService {
	return NewComponentService("battery-optimizer", optimizer)
}

// Serve implements suture.Service.
func (s *ComponentService) Serve(ctx context.Context) error {
	// A previous Serve that panicked may have left the component running.
	if s.component.IsRunning() {
		s.component.Stop()
	}

	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}
	logging.Debug().Str("service", s.name).Msg("Component started")

	<-ctx.Done()

	s.component.Stop()
	logging.Debug().Str("service", s.name).Msg("Component stopped")

	return ctx.Err()
}

// String implements fmt.Stringer; suture uses it in log messages.
func (s *ComponentService) String() string {
	return s.name
}
