// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package lua

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func newTestState(t *testing.T) *lua.LState {
	t.Helper()
	L, err := newSandboxedState()
	require.NoError(t, err)
	t.Cleanup(L.Close)
	return L
}

func TestJSONToLua_Scalars(t *testing.T) {
	L := newTestState(t)

	v, err := jsonToLua(L, json.RawMessage(`"hello"`))
	require.NoError(t, err)
	assert.Equal(t, lua.LString("hello"), v)

	v, err = jsonToLua(L, json.RawMessage(`42.5`))
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(42.5), v)

	v, err = jsonToLua(L, json.RawMessage(`true`))
	require.NoError(t, err)
	assert.Equal(t, lua.LTrue, v)

	v, err = jsonToLua(L, json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, v)

	v, err = jsonToLua(L, nil)
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, v, "empty input maps to nil")
}

func TestJSONToLua_Object(t *testing.T) {
	L := newTestState(t)

	v, err := jsonToLua(L, json.RawMessage(`{"name":"ada","tags":["a","b"],"depth":{"n":1}}`))
	require.NoError(t, err)

	tbl, ok := v.(*lua.LTable)
	require.True(t, ok, "object should become a table")
	assert.Equal(t, lua.LString("ada"), tbl.RawGetString("name"))

	tags, ok := tbl.RawGetString("tags").(*lua.LTable)
	require.True(t, ok)
	assert.Equal(t, 2, tags.Len())
	assert.Equal(t, lua.LString("b"), tags.RawGetInt(2))

	nested, ok := tbl.RawGetString("depth").(*lua.LTable)
	require.True(t, ok)
	assert.Equal(t, lua.LNumber(1), nested.RawGetString("n"))
}

func TestJSONToLua_MalformedInput(t *testing.T) {
	L := newTestState(t)

	_, err := jsonToLua(L, json.RawMessage(`{broken`))
	require.Error(t, err)
}

func TestLuaToJSON_Scalars(t *testing.T) {
	raw, err := luaToJSON(lua.LString("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(raw))

	raw, err = luaToJSON(lua.LNumber(3))
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(raw))

	raw, err = luaToJSON(lua.LFalse)
	require.NoError(t, err)
	assert.JSONEq(t, `false`, string(raw))

	raw, err = luaToJSON(lua.LNil)
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(raw))
}

func TestLuaToJSON_SequenceBecomesArray(t *testing.T) {
	L := newTestState(t)

	tbl := L.NewTable()
	tbl.Append(lua.LNumber(1))
	tbl.Append(lua.LNumber(2))
	tbl.Append(lua.LString("three"))

	raw, err := luaToJSON(tbl)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,"three"]`, string(raw))
}

func TestLuaToJSON_MapBecomesObject(t *testing.T) {
	L := newTestState(t)

	tbl := L.NewTable()
	tbl.RawSetString("id", lua.LString("x"))
	tbl.RawSetString("count", lua.LNumber(2))

	raw, err := luaToJSON(tbl)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"x","count":2}`, string(raw))
}

func TestLuaToJSON_EmptyTableIsObject(t *testing.T) {
	L := newTestState(t)

	raw, err := luaToJSON(L.NewTable())
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestLuaToJSON_MixedTableUsesStringKeys(t *testing.T) {
	L := newTestState(t)

	// A table with both a sequence part and a hash part is an object;
	// numeric keys encode as strings.
	tbl := L.NewTable()
	tbl.Append(lua.LString("first"))
	tbl.RawSetString("label", lua.LString("mixed"))

	raw, err := luaToJSON(tbl)
	require.NoError(t, err)
	assert.JSONEq(t, `{"1":"first","label":"mixed"}`, string(raw))
}

func TestLuaToJSON_RejectsFunctions(t *testing.T) {
	L := newTestState(t)

	fn := L.NewFunction(func(*lua.LState) int { return 0 })
	_, err := luaToJSON(fn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot convert")

	tbl := L.NewTable()
	tbl.RawSetString("cb", fn)
	_, err = luaToJSON(tbl)
	require.Error(t, err, "nested functions are rejected too")
}

func TestLuaToJSON_SelfReferencingTableFails(t *testing.T) {
	L := newTestState(t)

	tbl := L.NewTable()
	tbl.RawSetString("self", tbl)

	_, err := luaToJSON(tbl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nests deeper")
}

func TestRoundTrip_PreservesStructure(t *testing.T) {
	L := newTestState(t)

	in := json.RawMessage(`{"users":[{"name":"a","active":true},{"name":"b","active":false}],"total":2}`)
	v, err := jsonToLua(L, in)
	require.NoError(t, err)

	out, err := luaToJSON(v)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
}
