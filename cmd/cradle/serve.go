// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cradlehq/cradle/internal/bus"
	"github.com/cradlehq/cradle/internal/config"
	"github.com/cradlehq/cradle/internal/extension"
	"github.com/cradlehq/cradle/internal/extension/capability"
	"github.com/cradlehq/cradle/internal/extension/goplugin"
	"github.com/cradlehq/cradle/internal/extension/hostfunc"
	"github.com/cradlehq/cradle/internal/extension/limits"
	"github.com/cradlehq/cradle/internal/extension/lua"
	"github.com/cradlehq/cradle/internal/extension/wasm"
	"github.com/cradlehq/cradle/internal/logging"
	"github.com/cradlehq/cradle/internal/observability"
	"github.com/cradlehq/cradle/internal/state"
	"github.com/cradlehq/cradle/pkg/errutil"
)

// shutdownTimeout bounds the drain: stop hooks, instance teardown and
// server shutdown all share it.
const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the extension host",
		Long: `Run the extension host: discover extensions under the configured
roots, load and start them, and serve metrics until interrupted.
SIGHUP rescans the roots for newly installed extensions.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}

	config.RegisterFlags(cmd.Flags())

	return cmd
}

// runServeWithDeps starts the extension host with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logging.SetDefault("cradle", version, logging.Options{Format: cfg.LogFormat, Level: level})
	logger := slog.Default()

	slog.Info("starting extension host",
		"roots", cfg.Roots,
		"state_dir", cfg.StateDir,
		"log_format", cfg.LogFormat,
	)

	policy := capability.DefaultPolicy()
	if cfg.Policy != "" {
		policy, err = capability.LoadPolicy(cfg.Policy)
		if err != nil {
			return fmt.Errorf("failed to load policy %s: %w", cfg.Policy, err)
		}
		slog.Info("policy loaded", "path", cfg.Policy, "default_tier", policy.DefaultTier)
	}
	if cfg.ActionTimeout > 0 {
		policy.SetBaseProfile(limits.Profile{ActionTimeout: cfg.ActionTimeout})
	}

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	// Build the observability server first so collectors can register
	// against its registry; it does not listen until Start.
	var ready atomic.Bool
	var obsServer ObservabilityServer
	var metrics *extension.Metrics
	var monitor *limits.Monitor
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, ready.Load)
		metrics = extension.NewMetrics(obsServer.Registerer())
		monitor = limits.NewMonitor(obsServer.Registerer())
	} else {
		monitor = limits.NewMonitor(nil)
	}

	eventBus := bus.New(bus.WithObserver(func(ev bus.Event) {
		metrics.BusPublished(ev.Type)
	}))
	enforcer := capability.NewEnforcer()
	binder := hostfunc.NewBinder(store, eventBus, enforcer, logger)

	luaRuntime := lua.NewRuntime()
	processRuntime := goplugin.NewRuntime(
		goplugin.WithMonitor(monitor),
		goplugin.WithLogger(logger),
	)
	wasmRuntime := wasm.NewRuntime()

	manager := extension.NewManager(
		extension.NewRegistry(), enforcer, binder, eventBus,
		extension.WithRuntime(luaRuntime),
		extension.WithRuntime(processRuntime),
		extension.WithRuntime(wasmRuntime),
		extension.WithPolicy(policy),
		extension.WithMetrics(metrics),
		extension.WithMonitor(monitor),
		extension.WithLogger(logger),
		extension.WithStreamIdleTimeout(cfg.StreamIdleTimeout),
	)
	scanner := extension.NewScanner(cfg.Roots, logger)

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := bringUp(ctx, manager, scanner, logger); err != nil {
		return err
	}

	// Start observability server if configured
	if obsServer != nil {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			drain(manager, []extension.Runtime{processRuntime, wasmRuntime, luaRuntime}, logger)
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		slog.Info("observability server started", "addr", obsServer.Addr())
	}

	ready.Store(true)

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	cmd.Println("Extension host started")
	slog.Info("extension host ready",
		"extensions", manager.Registry().Len(),
		"metrics_addr", cfg.MetricsAddr,
	)

	// Wait for shutdown signal or error; SIGHUP triggers a rescan.
	running := true
	for running {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				rescan(ctx, manager, scanner, logger)
				continue
			}
			slog.Info("received shutdown signal", "signal", sig)
			running = false
		case <-ctx.Done():
			slog.Info("context cancelled, shutting down")
			running = false
		}
	}

	// Graceful shutdown
	slog.Info("shutting down...")
	ready.Store(false)

	drain(manager, []extension.Runtime{processRuntime, wasmRuntime, luaRuntime}, logger)

	if obsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// bringUp runs one discovery pass and drives everything it found to
// STARTED. Individual extension failures are logged, never fatal: a
// broken extension must not take the host down.
func bringUp(ctx context.Context, manager *extension.Manager, scanner *extension.Scanner, logger *slog.Logger) error {
	discovered, err := scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("extension scan failed: %w", err)
	}
	manager.RegisterAll(ctx, discovered)

	if failed := manager.InitializeAll(ctx); len(failed) > 0 {
		for id, ferr := range failed {
			errutil.LogWarn(logger.With("extension", id), "initialize failed", ferr)
		}
	}
	if failed := manager.StartAll(ctx); len(failed) > 0 {
		for id, ferr := range failed {
			errutil.LogWarn(logger.With("extension", id), "start failed", ferr)
		}
	}
	return nil
}

// rescan picks up extensions installed since the last scan. Ids already
// in the registry are skipped; the registry never reloads in place.
func rescan(ctx context.Context, manager *extension.Manager, scanner *extension.Scanner, logger *slog.Logger) {
	logger.Info("rescanning extension roots")

	discovered, err := scanner.Scan(ctx)
	if err != nil {
		logger.Error("rescan failed", "error", err)
		return
	}

	fresh := make([]extension.Discovered, 0, len(discovered))
	for _, d := range discovered {
		if !manager.Registry().Has(d.Manifest.ID) {
			fresh = append(fresh, d)
		}
	}
	if len(fresh) == 0 {
		logger.Info("rescan found no new extensions")
		return
	}

	manager.RegisterAll(ctx, fresh)
	if failed := manager.InitializeAll(ctx); len(failed) > 0 {
		for id, ferr := range failed {
			errutil.LogWarn(logger.With("extension", id), "initialize failed", ferr)
		}
	}
	if failed := manager.StartAll(ctx); len(failed) > 0 {
		for id, ferr := range failed {
			errutil.LogWarn(logger.With("extension", id), "start failed", ferr)
		}
	}
	logger.Info("rescan complete", "new_extensions", len(fresh))
}

// drain unloads every extension and closes the runtime adapters behind
// them, bounded by shutdownTimeout.
func drain(manager *extension.Manager, runtimes []extension.Runtime, logger *slog.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := manager.UnloadAll(shutdownCtx); err != nil {
		logger.Warn("errors while unloading extensions", "error", err)
	}
	for _, rt := range runtimes {
		if err := rt.Close(shutdownCtx); err != nil {
			logger.Warn("error closing runtime", "runtime", rt.Scheme(), "error", err)
		}
	}
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// This ensures that server failures trigger graceful shutdown of the entire process.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
