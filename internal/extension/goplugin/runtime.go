// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package goplugin runs process extensions: standalone binaries spawned
// through HashiCorp's go-plugin framework and driven over its net/rpc
// protocol. The process boundary is the isolation boundary, so this is
// the runtime policy points untrusted extensions at; a watchdog polls
// each worker's memory and CPU and kills it on breach, and a killed or
// crashed worker is respawned lazily on the next call.
package goplugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"

	"github.com/cradlehq/cradle/internal/extension"
	"github.com/cradlehq/cradle/internal/extension/hostfunc"
	"github.com/cradlehq/cradle/internal/extension/limits"
	"github.com/cradlehq/cradle/pkg/extsdk"
)

// Compile-time interface check.
var _ extension.Runtime = (*Runtime)(nil)

// WorkerClient wraps the go-plugin client for testability.
type WorkerClient interface {
	// Client returns the RPC protocol client.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the worker process.
	Kill()
	// Exited reports whether the worker process has ended.
	Exited() bool
	// ReattachConfig describes the running worker; nil before the
	// handshake completes.
	ReattachConfig() *hashiplug.ReattachConfig
}

// ClientFactory builds worker clients.
type ClientFactory interface {
	NewClient(execPath string) WorkerClient
}

// DefaultClientFactory spawns real worker processes.
type DefaultClientFactory struct{}

func (f *DefaultClientFactory) NewClient(execPath string) WorkerClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig: extsdk.HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			extsdk.WorkerName: &extsdk.WorkerPlugin{},
		},
		Cmd:              exec.Command(execPath), // #nosec G204 -- path resolved from a manifest validated during discovery
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolNetRPC},
	})
}

// Runtime executes process: entry references.
type Runtime struct {
	factory ClientFactory
	monitor *limits.Monitor
	logger  *slog.Logger

	mu        sync.Mutex
	closed    bool
	instances map[*instance]struct{}
}

// Option adjusts the runtime.
type Option func(*Runtime)

// WithClientFactory swaps the worker spawner, for tests.
func WithClientFactory(f ClientFactory) Option {
	return func(r *Runtime) { r.factory = f }
}

// WithMonitor attaches the shared limit-violation monitor the watchdogs
// record breaches in.
func WithMonitor(mon *limits.Monitor) Option {
	return func(r *Runtime) { r.monitor = mon }
}

// WithLogger sets the runtime's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// NewRuntime builds the process runtime adapter.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		factory:   &DefaultClientFactory{},
		logger:    slog.Default(),
		instances: make(map[*instance]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Scheme implements extension.Runtime.
func (r *Runtime) Scheme() string { return extension.RuntimeProcess }

// Isolated reports true: workers run in their own process.
func (r *Runtime) Isolated() bool { return true }

// Load spawns the worker binary, verifies the handshake and binds the
// host callback surface. The worker must be a binary built against
// pkg/extsdk.
func (r *Runtime) Load(ctx context.Context, man *extension.Manifest, dir string, surface *hostfunc.Surface, profile limits.Profile) (extension.Instance, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, oops.In("goplugin").With("extension", man.ID).New("runtime is closed")
	}
	r.mu.Unlock()

	ref, err := man.EntryRef()
	if err != nil {
		return nil, err
	}

	execPath := filepath.Join(dir, ref.Path)
	fi, err := os.Stat(execPath)
	if err != nil {
		return nil, oops.In("goplugin").
			With("extension", man.ID).
			With("path", execPath).
			Wrapf(err, "locating worker binary")
	}
	if fi.Mode()&0o111 == 0 {
		return nil, oops.In("goplugin").
			With("extension", man.ID).
			With("path", execPath).
			New("worker binary is not executable")
	}

	inst := &instance{
		id:       man.ID,
		execPath: execPath,
		profile:  profile,
		surface:  surface,
		rt:       r,
	}
	inst.mu.Lock()
	err = inst.spawn(ctx)
	inst.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.instances[inst] = struct{}{}
	r.mu.Unlock()
	return inst, nil
}

// Close kills every worker still tracked and refuses further loads.
// Instances unloaded through the manager have already been closed and
// removed.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	remaining := make([]*instance, 0, len(r.instances))
	for inst := range r.instances {
		remaining = append(remaining, inst)
	}
	clear(r.instances)
	r.mu.Unlock()

	for _, inst := range remaining {
		if err := inst.Close(ctx); err != nil {
			r.logger.Warn("closing worker during runtime shutdown",
				"extension", inst.id, "error", err)
		}
	}
	return nil
}

func (r *Runtime) forget(inst *instance) {
	r.mu.Lock()
	delete(r.instances, inst)
	r.mu.Unlock()
}

// assertWorker narrows the dispensed object to the protocol interface.
func assertWorker(raw any) (extsdk.Worker, error) {
	w, ok := raw.(extsdk.Worker)
	if !ok {
		return nil, fmt.Errorf("dispensed %T does not implement the extension protocol", raw)
	}
	return w, nil
}
