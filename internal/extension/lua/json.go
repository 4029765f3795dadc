// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package lua

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// maxConvertDepth caps conversion recursion; a self-referencing table
// must fail instead of hanging the host.
const maxConvertDepth = 64

// jsonToLua decodes a JSON document into Lua values. Empty input is nil.
func jsonToLua(L *lua.LState, raw json.RawMessage) (lua.LValue, error) {
	if len(raw) == 0 {
		return lua.LNil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding input: %w", err)
	}
	return goToLua(L, v), nil
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(goToLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, goToLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToJSON encodes a Lua value as JSON. Tables encode as arrays when
// they are pure sequences and as objects otherwise; an empty table is an
// empty object.
func luaToJSON(v lua.LValue) (json.RawMessage, error) {
	converted, err := luaToGo(v, 0)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(converted)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return raw, nil
}

func luaToGo(v lua.LValue, depth int) (any, error) {
	if depth > maxConvertDepth {
		return nil, fmt.Errorf("value nests deeper than %d levels", maxConvertDepth)
	}

	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		seqLen := val.Len()
		total := 0
		val.ForEach(func(_, _ lua.LValue) { total++ })

		if seqLen > 0 && seqLen == total {
			arr := make([]any, 0, seqLen)
			for i := 1; i <= seqLen; i++ {
				item, err := luaToGo(val.RawGetInt(i), depth+1)
				if err != nil {
					return nil, err
				}
				arr = append(arr, item)
			}
			return arr, nil
		}

		obj := make(map[string]any, total)
		var convErr error
		val.ForEach(func(k, item lua.LValue) {
			if convErr != nil {
				return
			}
			var key string
			switch kv := k.(type) {
			case lua.LString:
				key = string(kv)
			case lua.LNumber:
				key = kv.String()
			default:
				convErr = fmt.Errorf("table key of type %s cannot convert to JSON", k.Type())
				return
			}
			converted, err := luaToGo(item, depth+1)
			if err != nil {
				convErr = err
				return
			}
			obj[key] = converted
		})
		if convErr != nil {
			return nil, convErr
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("%s cannot convert to JSON", v.Type())
	}
}
