// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package lua

import (
	"context"
	"encoding/json"

	lua "github.com/yuin/gopher-lua"

	"github.com/cradlehq/cradle/internal/extension/hostfunc"
)

// stateCtx returns the context bound to the interpreter state, which the
// instance sets before every execution.
func stateCtx(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// registerHostModule installs the cradle.* table. Every entry delegates
// to the extension's surface, so capability checks and namespacing are
// identical across runtimes. Errors come back as a trailing string
// return, Lua style, never as a raised error.
func registerHostModule(L *lua.LState, surface *hostfunc.Surface) {
	mod := L.NewTable()

	L.SetField(mod, "log", L.NewFunction(logFn(surface)))
	L.SetField(mod, "state_get", L.NewFunction(stateGetFn(surface)))
	L.SetField(mod, "state_set", L.NewFunction(stateSetFn(surface)))
	L.SetField(mod, "state_delete", L.NewFunction(stateDeleteFn(surface)))
	L.SetField(mod, "publish", L.NewFunction(publishFn(surface)))
	L.SetField(mod, "subscribe", L.NewFunction(subscribeFn(surface)))

	L.SetGlobal("cradle", mod)
}

func logFn(surface *hostfunc.Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		logger := surface.Logger()
		switch level {
		case "debug":
			logger.Debug(message)
		case "warn":
			logger.Warn(message)
		case "error":
			logger.Error(message)
		default:
			logger.Info(message)
		}
		return 0
	}
}

// stateGetFn returns (value_json, err). A missing key is (nil, nil).
func stateGetFn(surface *hostfunc.Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)

		doc, found, err := surface.StateLoad(stateCtx(L), key)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		if !found {
			L.Push(lua.LNil)
			L.Push(lua.LNil)
			return 2
		}
		L.Push(lua.LString(string(doc)))
		L.Push(lua.LNil)
		return 2
	}
}

// stateSetFn takes (key, value_json) and returns err or nil.
func stateSetFn(surface *hostfunc.Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		value := L.CheckString(2)

		if err := surface.StateSave(stateCtx(L), key, json.RawMessage(value)); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}
}

func stateDeleteFn(surface *hostfunc.Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)

		if err := surface.StateDelete(stateCtx(L), key); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}
}

// publishFn takes (event_type, payload_json) and returns err or nil.
func publishFn(surface *hostfunc.Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		eventType := L.CheckString(1)
		payload := L.OptString(2, "")

		var raw json.RawMessage
		if payload != "" {
			raw = json.RawMessage(payload)
		}
		if err := surface.EventPublish(stateCtx(L), eventType, raw); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}
}

// subscribeFn takes (event_type, action) and routes matching events to
// that action. Repeated subscriptions of the same pair are no-ops, so a
// script may subscribe from its top level safely.
func subscribeFn(surface *hostfunc.Surface) lua.LGFunction {
	return func(L *lua.LState) int {
		eventType := L.CheckString(1)
		action := L.CheckString(2)

		if _, err := surface.SubscribeAction(eventType, action); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}
}
