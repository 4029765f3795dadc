// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extension

import (
	"context"
	"encoding/json"

	"github.com/cradlehq/cradle/internal/extension/hostfunc"
	"github.com/cradlehq/cradle/internal/extension/limits"
	"github.com/cradlehq/cradle/internal/stream"
)

// Instance is one loaded extension execution unit. Lifecycle methods are
// called under the entry's transition lock; Invoke may be called
// concurrently up to the profile's concurrency cap.
type Instance interface {
	// Init runs the extension's initialization hook.
	Init(ctx context.Context) error
	// Start activates the instance. After Start returns, Invoke is legal.
	Start(ctx context.Context) error
	// Stop deactivates the instance. In-flight invocations have already
	// drained or been cancelled by the manager.
	Stop(ctx context.Context) error
	// Invoke dispatches one action. emit is non-nil exactly when the
	// action streams; terminal actions return their value directly.
	Invoke(ctx context.Context, action string, input json.RawMessage, emit stream.EmitFunc) (json.RawMessage, error)
	// Close releases everything the instance holds. It is called once,
	// after the instance left the running states.
	Close(ctx context.Context) error
}

// Runtime materializes instances for one entry_reference scheme.
type Runtime interface {
	// Scheme is the entry_reference runtime this host serves: "lua",
	// "process" or "wasm".
	Scheme() string
	// Isolated reports whether extension code is separated from host
	// memory by a sandbox or process boundary. Policy tiers with
	// allow_inprocess: false only admit isolated runtimes.
	Isolated() bool
	// Load materializes the entry unit at ref.Path inside dir. The
	// surface is the extension's capability-gated host access; profile
	// carries the resource ceilings the runtime itself can enforce.
	Load(ctx context.Context, m *Manifest, dir string, surface *hostfunc.Surface, profile limits.Profile) (Instance, error)
	// Close shuts the runtime down. All instances are closed first.
	Close(ctx context.Context) error
}
