// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/familysync/internal/config"
	"github.com/tomtom215/familysync/internal/logging"
	"github.com/tomtom215/familysync/internal/supervisor"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})

	logging.Info().Msg("Starting FamilySync with supervisor tree")
	logging.Info().
		Str("backend_url", cfg.Backend.BaseURL).
		Str("queue_backend", cfg.Queue.Backend).
		Bool("outbound", !cfg.Polling.DisableOutbound).
		Bool("optimizer", cfg.Polling.OptimizerEnabled).
		Bool("status_server", cfg.Server.Enabled).
		Msg("Configuration loaded")

	if cfg.Server.Enabled && cfg.Server.RateLimitDisabled {
		logging.Warn().Msg("Rate limiting is DISABLED on the status server")
	}

	if path := config.FilePath(); path != "" {
		watchLogLevel(path)
	}

	comps, err := buildComponents(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize components")
	}
	defer comps.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	if err != nil {
		comps.close()
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	comps.register(tree, cfg.Server.ShutdownTimeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	// The channel delivers exactly one result when the root supervisor returns.
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}

// watchLogLevel reapplies logging.level whenever the config file changes.
// Other settings take effect on the next restart.
func watchLogLevel(path string) {
	err := config.WatchConfigFile(path, func() {
		reloaded, err := config.Load()
		if err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("Ignoring invalid config change")
			return
		}
		logging.SetLevelString(reloaded.Logging.Level)
		logging.Info().Str("level", reloaded.Logging.Level).Msg("Log level reloaded")
	})
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("Config file watch disabled")
	}
}
