package metadata

import (
	lua "github.com/yuin/gopher-lua"
)

// markerField is the fixed field name that flags a table as a mock
// function, so isMockFunction(v) can recognise one without relying on
// identity or a registry lookup, and so resetModuleRegistry (spec.md
// section 4.8) can find every live mock function by walking the sandbox
// global's own keys.
const markerField = "_isTestrtMockFunction"

// mockState is a mock function's call-recording state, exposed to Lua as
// the table's "mock" field (calls, results) the way a jest mock function
// exposes .mock.calls/.mock.results.
type mockState struct {
	calls   [][]lua.LValue
	results []lua.LValue
}

// NewMockFunction builds a callable table: a plain lua.LTable with a
// __call metamethod, the same "inject a Go-backed callable" move the
// teacher uses throughout internal/lua/runtime.go's injectSessionFunctions
// (L.NewFunction wrapping a Go closure), generalised here to a callable
// table so additional fields (mock, mockClear, ...) can ride alongside the
// call behaviour — something a bare *lua.LFunction cannot carry.
func NewMockFunction(L *lua.LState, impl *lua.LFunction) *lua.LTable {
	fn := L.NewTable()
	state := &mockState{}

	L.SetField(fn, markerField, lua.LTrue)
	mockTbl := L.NewTable()
	L.SetField(fn, "mock", mockTbl)
	syncMockTable(L, mockTbl, state)

	currentImpl := impl

	call := L.NewFunction(func(L *lua.LState) int {
		nargs := L.GetTop() - 1 // first arg is the table itself (self-call convention)
		args := make([]lua.LValue, nargs)
		for i := 0; i < nargs; i++ {
			args[i] = L.Get(i + 2)
		}
		state.calls = append(state.calls, args)

		var result lua.LValue = lua.LNil
		if currentImpl != nil {
			L.Push(currentImpl)
			for _, a := range args {
				L.Push(a)
			}
			L.Call(nargs, 1)
			result = L.Get(-1)
			L.Pop(1)
		}
		state.results = append(state.results, result)
		syncMockTable(L, mockTbl, state)

		L.Push(result)
		return 1
	})

	mt := L.NewTable()
	L.SetField(mt, "__call", call)
	L.SetMetatable(fn, mt)

	L.SetField(fn, "mockClear", L.NewFunction(func(L *lua.LState) int {
		state.calls = nil
		state.results = nil
		syncMockTable(L, mockTbl, state)
		return 0
	}))
	L.SetField(fn, "mockReset", L.NewFunction(func(L *lua.LState) int {
		state.calls = nil
		state.results = nil
		currentImpl = nil
		syncMockTable(L, mockTbl, state)
		return 0
	}))
	L.SetField(fn, "mockImplementation", L.NewFunction(func(L *lua.LState) int {
		if lf, ok := L.Get(2).(*lua.LFunction); ok {
			currentImpl = lf
		}
		L.Push(fn)
		return 1
	}))
	L.SetField(fn, "mockReturnValue", L.NewFunction(func(L *lua.LState) int {
		value := L.Get(2)
		currentImpl = L.NewFunction(func(L *lua.LState) int {
			L.Push(value)
			return 1
		})
		L.Push(fn)
		return 1
	}))

	return fn
}

func syncMockTable(L *lua.LState, mockTbl *lua.LTable, state *mockState) {
	callsTbl := L.NewTable()
	for i, call := range state.calls {
		argsTbl := L.NewTable()
		for j, a := range call {
			L.RawSetInt(argsTbl, j+1, a)
		}
		L.RawSetInt(callsTbl, i+1, argsTbl)
	}
	L.SetField(mockTbl, "calls", callsTbl)

	resultsTbl := L.NewTable()
	for i, r := range state.results {
		L.RawSetInt(resultsTbl, i+1, r)
	}
	L.SetField(mockTbl, "results", resultsTbl)
}

// IsMockFunction is the metadata library's isMockFunction(value)
// predicate.
func IsMockFunction(value lua.LValue) bool {
	tbl, ok := value.(*lua.LTable)
	if !ok {
		return false
	}
	return tbl.RawGetString(markerField) == lua.LTrue
}
