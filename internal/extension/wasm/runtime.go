// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package wasm runs WebAssembly extensions on wazero. The module is
// compiled once at load; every lifecycle hook and every action gets a
// fresh anonymous instance, so guest globals never leak between calls
// and a trapped call cannot poison the next one. Memory is capped at
// the runtime level from the extension's limit profile and execution
// dies with the invocation context.
//
// Guest contract: export a linear `memory`, `alloc(size) -> ptr`, and
// `invoke(action_ptr, action_len, input_ptr, input_len) -> packed`
// where packed is ptr<<32|len of the result JSON (0 for no result).
// Optional exports `init`, `start` and `stop` take no arguments. Host
// functions are importable from the `cradle` namespace; fallible ones
// return 0 on success.
package wasm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/cradlehq/cradle/internal/extension"
	"github.com/cradlehq/cradle/internal/extension/hostfunc"
	"github.com/cradlehq/cradle/internal/extension/limits"
	"github.com/cradlehq/cradle/internal/stream"
)

// Guest exports the loader insists on.
const (
	exportAlloc  = "alloc"
	exportInvoke = "invoke"
	exportMemory = "memory"
)

const wasmPageSize = 65536

// Compile-time interface check.
var _ extension.Runtime = (*Runtime)(nil)

// Runtime executes wasm: entry references.
type Runtime struct {
	mu        sync.Mutex
	closed    bool
	instances map[*instance]struct{}
}

// NewRuntime builds the wasm runtime adapter.
func NewRuntime() *Runtime {
	return &Runtime{instances: make(map[*instance]struct{})}
}

// Scheme implements extension.Runtime.
func (r *Runtime) Scheme() string { return extension.RuntimeWasm }

// Isolated reports true: guests execute inside a wasm sandbox with no
// ambient host access.
func (r *Runtime) Isolated() bool { return true }

// Load compiles the module and verifies its exports. Compilation
// happens once; instantiation is deferred to each call.
func (r *Runtime) Load(ctx context.Context, man *extension.Manifest, dir string, surface *hostfunc.Surface, profile limits.Profile) (extension.Instance, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, oops.In("wasm").With("extension", man.ID).New("runtime is closed")
	}
	r.mu.Unlock()

	ref, err := man.EntryRef()
	if err != nil {
		return nil, err
	}

	wrap := oops.In("wasm").With("extension", man.ID)
	raw, err := os.ReadFile(filepath.Clean(filepath.Join(dir, ref.Path)))
	if err != nil {
		return nil, wrap.Wrapf(err, "reading module %s", ref.Path)
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if profile.MaxMemoryBytes > 0 {
		cfg = cfg.WithMemoryLimitPages(memoryPages(profile.MaxMemoryBytes))
	}
	wrt := wazero.NewRuntimeWithConfig(ctx, cfg)

	host := &hostModule{id: man.ID, surface: surface}
	if err := host.instantiate(ctx, wrt); err != nil {
		_ = wrt.Close(ctx)
		return nil, err
	}
	wasi_snapshot_preview1.MustInstantiate(ctx, wrt)

	compiled, err := wrt.CompileModule(ctx, raw)
	if err != nil {
		_ = wrt.Close(ctx)
		return nil, wrap.Wrapf(err, "compiling module %s", ref.Path)
	}
	if err := checkExports(compiled); err != nil {
		_ = wrt.Close(ctx)
		return nil, wrap.Wrapf(err, "module %s", ref.Path)
	}

	inst := &instance{
		id:       man.ID,
		rt:       r,
		wasm:     wrt,
		compiled: compiled,
	}
	r.mu.Lock()
	r.instances[inst] = struct{}{}
	r.mu.Unlock()
	return inst, nil
}

// Close releases every module still tracked and refuses further loads.
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
		_ = inst.Close(ctx)
	}
	return nil
}

func (r *Runtime) forget(inst *instance) {
	r.mu.Lock()
	delete(r.instances, inst)
	r.mu.Unlock()
}

// memoryPages converts a byte ceiling to wasm pages, rounding up so a
// sub-page limit still grants one page.
func memoryPages(maxBytes int64) uint32 {
	pages := (maxBytes + wasmPageSize - 1) / wasmPageSize
	if pages < 1 {
		pages = 1
	}
	if pages > wasmPageSize {
		pages = wasmPageSize // wasm32 ceiling: 4 GiB
	}
	return uint32(pages)
}

// checkExports verifies the guest implements the dispatch contract.
func checkExports(compiled wazero.CompiledModule) error {
	if _, ok := compiled.ExportedMemories()[exportMemory]; !ok {
		return oops.Errorf("missing %s export", exportMemory)
	}
	fns := compiled.ExportedFunctions()
	alloc, ok := fns[exportAlloc]
	if !ok {
		return oops.Errorf("missing %s export", exportAlloc)
	}
	if len(alloc.ParamTypes()) != 1 || len(alloc.ResultTypes()) != 1 {
		return oops.Errorf("%s must take one size and return one pointer", exportAlloc)
	}
	invoke, ok := fns[exportInvoke]
	if !ok {
		return oops.Errorf("missing %s export", exportInvoke)
	}
	if len(invoke.ParamTypes()) != 4 || len(invoke.ResultTypes()) != 1 {
		return oops.Errorf("%s must take four pointers and return one packed result", exportInvoke)
	}
	return nil
}

// instance is one compiled wasm extension. It is safe for concurrent
// calls: each call instantiates its own module.
type instance struct {
	id       string
	rt       *Runtime
	wasm     wazero.Runtime
	compiled wazero.CompiledModule

	mu     sync.Mutex
	closed bool
}

// withModule runs fn against a fresh anonymous instance of the module.
func (i *instance) withModule(ctx context.Context, fn func(ctx context.Context, mod api.Module) error) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return oops.In("wasm").With("extension", i.id).New("instance is closed")
	}
	i.mu.Unlock()

	cfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	mod, err := i.wasm.InstantiateModule(ctx, i.compiled, cfg)
	if err != nil {
		return oops.In("wasm").With("extension", i.id).Wrapf(err, "instantiating module")
	}
	defer func() { _ = mod.Close(ctx) }()

	return fn(ctx, mod)
}

// callHook runs an optional lifecycle export. A module that does not
// export the hook succeeds trivially.
func (i *instance) callHook(ctx context.Context, name string) error {
	return i.withModule(ctx, func(ctx context.Context, mod api.Module) error {
		hook := mod.ExportedFunction(name)
		if hook == nil {
			return nil
		}
		cs := &callState{}
		if _, err := hook.Call(withCall(ctx, cs)); err != nil {
			return oops.In("wasm").With("extension", i.id).Wrapf(err, "%s hook", name)
		}
		if err := cs.hostErr(); err != nil {
			return err
		}
		return nil
	})
}

func (i *instance) Init(ctx context.Context) error  { return i.callHook(ctx, "init") }
func (i *instance) Start(ctx context.Context) error { return i.callHook(ctx, "start") }
func (i *instance) Stop(ctx context.Context) error  { return i.callHook(ctx, "stop") }

// Invoke dispatches one action to a fresh module instance. Streaming
// actions push chunks through the cradle.emit_chunk import.
func (i *instance) Invoke(ctx context.Context, action string, input json.RawMessage, emit stream.EmitFunc) (json.RawMessage, error) {
	var result json.RawMessage
	err := i.withModule(ctx, func(ctx context.Context, mod api.Module) error {
		cs := &callState{emit: emit}
		ctx = withCall(ctx, cs)

		actionLoc, err := writeGuest(ctx, mod, []byte(action))
		if err != nil {
			return err
		}
		inputLoc, err := writeGuest(ctx, mod, input)
		if err != nil {
			return err
		}

		actionPtr, actionLen := unpack(actionLoc)
		inputPtr, inputLen := unpack(inputLoc)
		results, err := mod.ExportedFunction(exportInvoke).Call(ctx,
			uint64(actionPtr), uint64(actionLen), uint64(inputPtr), uint64(inputLen))

		// A recorded host error is the root cause even when the guest
		// trapped afterwards.
		if herr := cs.hostErr(); herr != nil {
			return herr
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return oops.In("wasm").With("extension", i.id).With("action", action).Wrapf(err, "action failed")
		}

		if emit != nil {
			return nil
		}
		ptr, size := unpack(results[0])
		if size == 0 {
			return nil
		}
		out, err := readGuest(mod, ptr, size)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close releases the compiled module and its runtime.
func (i *instance) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	i.rt.forget(i)
	if err := i.wasm.Close(ctx); err != nil {
		return oops.In("wasm").With("extension", i.id).Wrapf(err, "closing runtime")
	}
	return nil
}
