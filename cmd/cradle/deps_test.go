package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cradlehq/cradle/internal/config"
	"github.com/cradlehq/cradle/internal/extension"
	"github.com/cradlehq/cradle/internal/observability"
	"github.com/cradlehq/cradle/internal/stream"
)

// mockObservabilityServer implements ObservabilityServer for testing.
type mockObservabilityServer struct {
	startFunc func() (<-chan error, error)
	stopFunc  func(ctx context.Context) error
	addrFunc  func() string
	stopped   atomic.Bool
}

func (m *mockObservabilityServer) Start() (<-chan error, error) {
	if m.startFunc != nil {
		return m.startFunc()
	}
	ch := make(chan error, 1)
	return ch, nil
}

func (m *mockObservabilityServer) Stop(ctx context.Context) error {
	m.stopped.Store(true)
	if m.stopFunc != nil {
		return m.stopFunc(ctx)
	}
	return nil
}

func (m *mockObservabilityServer) Addr() string {
	if m.addrFunc != nil {
		return m.addrFunc()
	}
	return "127.0.0.1:9100"
}

func (m *mockObservabilityServer) Registerer() prometheus.Registerer {
	return prometheus.NewRegistry()
}

// Helper function to create a mock command for testing.
func newMockCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd
}

// testServeConfig returns a config pointing at throwaway directories,
// with the observability server disabled.
func testServeConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Roots:             []string{filepath.Join(t.TempDir(), "extensions")},
		StateDir:          filepath.Join(t.TempDir(), "state"),
		LogFormat:         "json",
		LogLevel:          "error",
		MetricsAddr:       "",
		StreamIdleTimeout: stream.DefaultIdleTimeout,
		ActionTimeout:     30 * time.Second,
	}
}

// writeLuaExtension installs a minimal loadable Lua extension under root.
func writeLuaExtension(t *testing.T, root, id string) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("Failed to create extension dir: %v", err)
	}
	manifest := fmt.Sprintf("id: %s\nversion: 1.0.0\nentry_reference: lua:main.lua\n", id)
	if err := os.WriteFile(filepath.Join(dir, extension.ManifestFileName), []byte(manifest), 0o600); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	script := "function invoke(action, input, emit)\n    return nil\nend\n"
	if err := os.WriteFile(filepath.Join(dir, "main.lua"), []byte(script), 0o600); err != nil {
		t.Fatalf("Failed to write entry unit: %v", err)
	}
}

// TestRunServeWithDeps_HappyPath runs the host over an empty root and
// shuts it down via context cancellation.
func TestRunServeWithDeps_HappyPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := testServeConfig(t)
	cmd := newMockCmd()

	errChan := make(chan error, 1)
	go func() {
		errChan <- runServeWithDeps(ctx, cfg, cmd, nil)
	}()

	// Let it start, then cancel
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("runServeWithDeps() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServeWithDeps() did not return within timeout")
	}
}

// TestRunServeWithDeps_LoadsExtensions verifies a real extension is
// discovered and brought up before the ready line is printed.
func TestRunServeWithDeps_LoadsExtensions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := testServeConfig(t)
	writeLuaExtension(t, cfg.Roots[0], "greeter")

	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})

	errChan := make(chan error, 1)
	go func() {
		errChan <- runServeWithDeps(ctx, cfg, cmd, nil)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("runServeWithDeps() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServeWithDeps() did not return within timeout")
	}

	if !strings.Contains(out.String(), "Extension host started") {
		t.Errorf("expected startup message, got: %q", out.String())
	}
}

// TestRunServeWithDeps_InvalidLogLevel tests that bad levels are rejected.
func TestRunServeWithDeps_InvalidLogLevel(t *testing.T) {
	cfg := testServeConfig(t)
	cfg.LogLevel = "shouting"

	cmd := newMockCmd()
	err := runServeWithDeps(context.Background(), cfg, cmd, nil)
	if err == nil {
		t.Fatal("expected log level error, got nil")
	}
	if !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected error to mention invalid configuration, got: %v", err)
	}
}

// TestRunServeWithDeps_PolicyLoadError tests a missing policy file.
func TestRunServeWithDeps_PolicyLoadError(t *testing.T) {
	cfg := testServeConfig(t)
	cfg.Policy = filepath.Join(t.TempDir(), "does-not-exist.yaml")

	cmd := newMockCmd()
	err := runServeWithDeps(context.Background(), cfg, cmd, nil)
	if err == nil {
		t.Fatal("expected policy error, got nil")
	}
	if !strings.Contains(err.Error(), "policy") {
		t.Errorf("expected error to mention policy, got: %v", err)
	}
}

// TestRunServeWithDeps_StateStoreError tests an unusable state directory.
func TestRunServeWithDeps_StateStoreError(t *testing.T) {
	cfg := testServeConfig(t)

	// Put a file where the store root should go.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("Failed to create blocker file: %v", err)
	}
	cfg.StateDir = filepath.Join(blocker, "state")

	cmd := newMockCmd()
	err := runServeWithDeps(context.Background(), cfg, cmd, nil)
	if err == nil {
		t.Fatal("expected state store error, got nil")
	}
	if !strings.Contains(err.Error(), "state store") {
		t.Errorf("expected error to mention state store, got: %v", err)
	}
}

// TestRunServeWithDeps_ObservabilityServerStartError tests observability server start error.
func TestRunServeWithDeps_ObservabilityServerStartError(t *testing.T) {
	cfg := testServeConfig(t)
	cfg.MetricsAddr = "127.0.0.1:9100"

	deps := &ServeDeps{
		ObservabilityServerFactory: func(_ string, _ observability.ReadinessChecker) ObservabilityServer {
			return &mockObservabilityServer{
				startFunc: func() (<-chan error, error) {
					return nil, fmt.Errorf("address already in use")
				},
			}
		},
	}

	cmd := newMockCmd()
	err := runServeWithDeps(context.Background(), cfg, cmd, deps)
	if err == nil {
		t.Fatal("expected observability server start error, got nil")
	}
	if !strings.Contains(err.Error(), "observability server") {
		t.Errorf("expected error to mention observability server, got: %v", err)
	}
}

// TestRunServeWithDeps_WithObservability tests the happy path with the
// observability server enabled, and that it is stopped on shutdown.
func TestRunServeWithDeps_WithObservability(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := testServeConfig(t)
	cfg.MetricsAddr = "127.0.0.1:9100"

	obsErrChan := make(chan error, 1)
	mock := &mockObservabilityServer{
		startFunc: func() (<-chan error, error) {
			return obsErrChan, nil
		},
	}
	deps := &ServeDeps{
		ObservabilityServerFactory: func(_ string, _ observability.ReadinessChecker) ObservabilityServer {
			return mock
		},
	}

	cmd := newMockCmd()

	errChan := make(chan error, 1)
	go func() {
		errChan <- runServeWithDeps(ctx, cfg, cmd, deps)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("runServeWithDeps() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServeWithDeps() did not return within timeout")
	}

	if !mock.stopped.Load() {
		t.Error("observability server was not stopped during shutdown")
	}
}

// TestRunServeWithDeps_ObservabilityErrorTriggersShutdown verifies a
// failing observability server takes the host down gracefully.
func TestRunServeWithDeps_ObservabilityErrorTriggersShutdown(t *testing.T) {
	cfg := testServeConfig(t)
	cfg.MetricsAddr = "127.0.0.1:9100"

	obsErrChan := make(chan error, 1)
	deps := &ServeDeps{
		ObservabilityServerFactory: func(_ string, _ observability.ReadinessChecker) ObservabilityServer {
			return &mockObservabilityServer{
				startFunc: func() (<-chan error, error) {
					return obsErrChan, nil
				},
			}
		},
	}

	cmd := newMockCmd()

	errChan := make(chan error, 1)
	go func() {
		errChan <- runServeWithDeps(context.Background(), cfg, cmd, deps)
	}()

	// Let the host come up, then report a server failure.
	time.Sleep(100 * time.Millisecond)
	obsErrChan <- fmt.Errorf("accept tcp: use of closed network connection")

	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("runServeWithDeps() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServeWithDeps() did not shut down after server error")
	}
}
