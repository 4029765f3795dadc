// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package lua runs extensions written in Lua inside the host process.
// Scripts execute in sandboxed states: no os, io, debug or package
// libraries, no code loading from disk, host access only through the
// cradle.* module bound to the extension's capability surface.
package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// safeLibraries are the stock libraries a sandboxed state may open.
// Everything that can reach the filesystem, the process environment or
// the interpreter internals stays closed.
var safeLibraries = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// blockedBaseFunctions are base-library entries that load code from
// outside the chunk, which would bypass the sandbox.
var blockedBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load"}

// callStackSize bounds recursion inside a script; registrySize bounds
// the interpreter's value registry. Both keep one runaway script from
// ballooning host memory.
const (
	callStackSize = 120
	registrySize  = 1024 * 20
)

// newSandboxedState builds a fresh interpreter state with only the safe
// libraries opened and unsafe base functions removed.
func newSandboxedState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: callStackSize,
		RegistrySize:  registrySize,
	})

	for _, lib := range safeLibraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("opening library %s: %w", lib.name, err)
		}
	}

	for _, fn := range blockedBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	return L, nil
}
