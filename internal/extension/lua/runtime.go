// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package lua

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	luaparse "github.com/yuin/gopher-lua/parse"

	"github.com/cradlehq/cradle/internal/extension"
	"github.com/cradlehq/cradle/internal/extension/hostfunc"
	"github.com/cradlehq/cradle/internal/extension/limits"
	"github.com/cradlehq/cradle/internal/stream"
)

// Compile-time interface check.
var _ extension.Runtime = (*Runtime)(nil)

// Runtime executes lua: entry references. Each execution gets a fresh
// sandboxed state built from the chunk compiled at load time; nothing
// carries over between calls except what the script keeps in host state.
type Runtime struct {
	mu     sync.Mutex
	closed bool
}

// NewRuntime builds the Lua runtime adapter.
func NewRuntime() *Runtime {
	return &Runtime{}
}

// Scheme implements extension.Runtime.
func (r *Runtime) Scheme() string { return extension.RuntimeLua }

// Isolated reports false: scripts share the host process, so policy
// tiers that demand isolation refuse Lua extensions.
func (r *Runtime) Isolated() bool { return false }

// Load reads and compiles the entry script, then runs it once in a
// throwaway state to verify it defines the invoke entry point. The
// script contract: global function invoke(action, input, emit) is
// required; on_init, on_start and on_stop are optional hooks. The
// chunk's top level runs before every execution, so it should hold
// definitions, not work.
func (r *Runtime) Load(ctx context.Context, man *extension.Manifest, dir string, surface *hostfunc.Surface, _ limits.Profile) (extension.Instance, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, oops.In("lua").With("extension", man.ID).New("runtime is closed")
	}
	r.mu.Unlock()

	ref, err := man.EntryRef()
	if err != nil {
		return nil, err
	}

	entryPath := filepath.Join(dir, ref.Path)
	src, err := os.ReadFile(filepath.Clean(entryPath))
	if err != nil {
		return nil, oops.In("lua").
			With("extension", man.ID).
			With("path", entryPath).
			Wrapf(err, "reading entry script")
	}

	chunk, err := luaparse.Parse(strings.NewReader(string(src)), ref.Path)
	if err != nil {
		return nil, oops.In("lua").
			With("extension", man.ID).
			With("entry", ref.Path).
			Wrapf(err, "parsing entry script")
	}
	proto, err := lua.Compile(chunk, ref.Path)
	if err != nil {
		return nil, oops.In("lua").
			With("extension", man.ID).
			With("entry", ref.Path).
			Wrapf(err, "compiling entry script")
	}

	inst := &instance{id: man.ID, proto: proto, surface: surface}

	// One throwaway run proves the chunk executes and defines invoke.
	L, err := inst.newState(ctx)
	if err != nil {
		return nil, oops.In("lua").With("extension", man.ID).Wrap(err)
	}
	defer L.Close()
	if L.GetGlobal("invoke").Type() != lua.LTFunction {
		return nil, oops.In("lua").
			With("extension", man.ID).
			With("entry", ref.Path).
			New("entry script must define invoke(action, input, emit)")
	}

	return inst, nil
}

// Close refuses further loads. Live instances are closed by the manager.
func (r *Runtime) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// instance is one loaded script. It holds no interpreter state between
// executions; the compiled proto is immutable and shared.
type instance struct {
	id      string
	proto   *lua.FunctionProto
	surface *hostfunc.Surface
}

// newState builds a sandboxed state, binds the host module and runs the
// chunk's top level.
func (i *instance) newState(ctx context.Context) (*lua.LState, error) {
	L, err := newSandboxedState()
	if err != nil {
		return nil, err
	}
	L.SetContext(ctx)
	registerHostModule(L, i.surface)

	L.Push(L.NewFunctionFromProto(i.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, oops.In("lua").With("extension", i.id).Wrapf(err, "running chunk")
	}
	return L, nil
}

// callHook runs one optional lifecycle hook.
func (i *instance) callHook(ctx context.Context, name string) error {
	L, err := i.newState(ctx)
	if err != nil {
		return err
	}
	defer L.Close()

	fn := L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return nil
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		return oops.In("lua").With("extension", i.id).With("hook", name).Wrap(err)
	}
	return nil
}

func (i *instance) Init(ctx context.Context) error  { return i.callHook(ctx, "on_init") }
func (i *instance) Start(ctx context.Context) error { return i.callHook(ctx, "on_start") }
func (i *instance) Stop(ctx context.Context) error  { return i.callHook(ctx, "on_stop") }

// Invoke runs the script's invoke entry point. Streaming actions
// receive a callable emit; its chunks are Lua values converted to JSON.
// Terminal actions return the converted return value.
func (i *instance) Invoke(ctx context.Context, action string, input json.RawMessage, emit stream.EmitFunc) (json.RawMessage, error) {
	L, err := i.newState(ctx)
	if err != nil {
		return nil, err
	}
	defer L.Close()

	inputVal, err := jsonToLua(L, input)
	if err != nil {
		return nil, oops.In("lua").With("extension", i.id).With("action", action).Wrap(err)
	}

	// Surface the typed emit failure (output cap, closed stream) rather
	// than its stringified Lua incarnation.
	var emitErr error
	var emitArg lua.LValue = lua.LNil
	if emit != nil {
		emitArg = L.NewFunction(func(L *lua.LState) int {
			chunk := L.CheckAny(1)
			raw, err := luaToJSON(chunk)
			if err == nil {
				err = emit(raw)
			}
			if err != nil {
				emitErr = err
				L.RaiseError("emit: %s", err.Error())
			}
			return 0
		})
	}

	invokeFn := L.GetGlobal("invoke")
	if invokeFn.Type() != lua.LTFunction {
		return nil, oops.In("lua").With("extension", i.id).New("invoke is not defined")
	}

	callErr := L.CallByParam(lua.P{Fn: invokeFn, NRet: 1, Protect: true},
		lua.LString(action), inputVal, emitArg)
	if callErr != nil {
		if emitErr != nil {
			return nil, emitErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, oops.In("lua").With("extension", i.id).With("action", action).Wrap(callErr)
	}

	ret := L.Get(-1)
	L.Pop(1)

	if emit != nil {
		// Streaming actions deliver through emit only.
		return nil, nil
	}
	if ret.Type() == lua.LTNil {
		return nil, nil
	}
	raw, err := luaToJSON(ret)
	if err != nil {
		return nil, oops.In("lua").With("extension", i.id).With("action", action).Wrap(err)
	}
	return raw, nil
}

// Close implements extension.Instance. Nothing survives an execution, so
// there is nothing to tear down.
func (i *instance) Close(context.Context) error { return nil }
