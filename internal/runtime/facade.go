package runtime

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/zot/testrt/internal/metadata"
	"github.com/zot/testrt/internal/modid"
	"github.com/zot/testrt/internal/registry"
)

// createFacadeFor is createFacadeFor(from), spec.md section 4.7: a
// per-file object whose method set is fixed. Built as a callable-table
// tree the same way internal/metadata builds mock functions — Go closures
// wrapped as L.NewFunction values, hung off a plain table — so no method
// dispatch needs a Go-side type switch on the Lua side.
func (rt *Runtime) createFacadeFor(from string) *lua.LTable {
	L := rt.env.State()
	facade := L.NewTable()

	self := func(L *lua.LState) int {
		L.Push(facade)
		return 1
	}

	L.SetField(facade, "enableAutomock", L.NewFunction(func(L *lua.LState) int {
		rt.automock = true
		return self(L)
	}))
	L.SetField(facade, "disableAutomock", L.NewFunction(func(L *lua.LState) int {
		rt.automock = false
		return self(L)
	}))

	L.SetField(facade, "mock", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		factory, hasFactory := L.Get(2).(*lua.LFunction)
		opts, _ := L.Get(3).(*lua.LTable)
		rt.registerVirtualIfRequested(from, name, opts)

		id, err := rt.normalise(from, name)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		if hasFactory {
			rt.factoryTable.Set(id, func() (lua.LValue, error) {
				results, err := rt.env.Invoke(factory)
				if err != nil {
					return nil, err
				}
				if len(results) == 0 {
					return lua.LNil, nil
				}
				return results[0], nil
			})
		}
		rt.explicitMock.Set(id, registry.StateForceMock)
		return self(L)
	}))

	L.SetField(facade, "setMock", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		value := L.Get(2)
		id, err := rt.normalise(from, name)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		rt.factoryTable.Set(id, func() (lua.LValue, error) { return value, nil })
		rt.explicitMock.Set(id, registry.StateForceMock)
		return self(L)
	}))

	L.SetField(facade, "unmock", L.NewFunction(func(L *lua.LState) int {
		id, err := rt.normalise(from, L.CheckString(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		rt.explicitMock.Set(id, registry.StateForceReal)
		return self(L)
	}))

	L.SetField(facade, "deepUnmock", L.NewFunction(func(L *lua.LState) int {
		id, err := rt.normalise(from, L.CheckString(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		rt.explicitMock.Set(id, registry.StateForceReal)
		rt.transitiveUnmock.Set(id, false)
		return self(L)
	}))

	L.SetField(facade, "resetModuleRegistry", L.NewFunction(func(L *lua.LState) int {
		rt.ResetModuleRegistry()
		return self(L)
	}))

	L.SetField(facade, "genMockFromModule", L.NewFunction(func(L *lua.LState) int {
		v, err := rt.generateMock(from, L.CheckString(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(v)
		return 1
	}))

	mockFnFactory := L.NewFunction(func(L *lua.LState) int {
		impl, _ := L.Get(1).(*lua.LFunction)
		L.Push(metadata.NewMockFunction(L, impl))
		return 1
	})
	L.SetField(facade, "fn", mockFnFactory)
	L.SetField(facade, "genMockFunction", mockFnFactory)
	L.SetField(facade, "genMockFn", mockFnFactory)

	L.SetField(facade, "isMockFunction", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(metadata.IsMockFunction(L.Get(1))))
		return 1
	}))

	timers := rt.env.Timers()
	L.SetField(facade, "clearAllTimers", L.NewFunction(func(L *lua.LState) int {
		timers.ClearAllTimers()
		return self(L)
	}))
	L.SetField(facade, "runAllTicks", timerCall(L, timers.RunAllTicks, self))
	L.SetField(facade, "runAllImmediates", timerCall(L, timers.RunAllImmediates, self))
	L.SetField(facade, "runAllTimers", timerCall(L, timers.RunAllTimers, self))
	L.SetField(facade, "runOnlyPendingTimers", timerCall(L, timers.RunOnlyPendingTimers, self))
	L.SetField(facade, "useFakeTimers", L.NewFunction(func(L *lua.LState) int {
		timers.UseFakeTimers()
		return self(L)
	}))
	L.SetField(facade, "useRealTimers", L.NewFunction(func(L *lua.LState) int {
		timers.UseRealTimers()
		return self(L)
	}))

	L.SetField(facade, "addMatchers", L.NewFunction(func(L *lua.LState) int {
		matchers, _ := L.Get(1).(*lua.LTable)
		if matchers != nil {
			rt.installMatchers(L, matchers)
		}
		return self(L)
	}))

	L.SetField(facade, "getTestEnvData", L.NewFunction(func(L *lua.LState) int {
		L.Push(rt.testEnvDataSnapshot(L))
		return 1
	}))

	return facade
}

// timerCall adapts a fake-timer method (which returns only an error) into
// a chaining facade method: run it, raise on error, otherwise return the
// facade for chaining.
func timerCall(L *lua.LState, run func() error, self func(*lua.LState) int) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		if err := run(); err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		return self(L)
	})
}

// registerVirtualIfRequested adds the computed virtual-mock candidate path
// to the virtual-mock set before identifier normalisation, per spec.md
// section 4.7's "the virtual:true option ... adds the computed virtual
// path to the virtual-mock set before identifier normalisation".
func (rt *Runtime) registerVirtualIfRequested(from, name string, opts *lua.LTable) {
	if opts == nil {
		return
	}
	if v, ok := opts.RawGetString("virtual").(lua.LBool); !ok || !bool(v) {
		return
	}
	rt.virtualMocks.Add(modid.VirtualMockCandidate(from, name))
}

// installMatchers is addMatchers(matchers): install assertion matchers
// into the globally exposed test-spec framework. This runtime has no
// bundled assertion library of its own (spec.md scopes that to the
// enclosing test framework, an external collaborator referenced only by
// contract); installMatchers merges the given table's fields into a
// fixed "__matchers__" global so a framework wired in above this package
// can pick them up, without this package needing to know that
// framework's shape.
func (rt *Runtime) installMatchers(L *lua.LState, matchers *lua.LTable) {
	existing, ok := rt.env.GetGlobal("__matchers__").(*lua.LTable)
	if !ok {
		existing = L.NewTable()
		rt.env.SetGlobal("__matchers__", existing)
	}
	matchers.ForEach(func(k, v lua.LValue) {
		L.SetTable(existing, k, v)
	})
}

// testEnvDataSnapshot returns a fresh table built from the configured
// test-env data, with nested values converted into new tables by goToLua,
// so writes by facade callers never reach the Runtime's own testEnvData.
// The returned table is not frozen: writes to it succeed.
func (rt *Runtime) testEnvDataSnapshot(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range rt.opts.TestEnvData {
		L.SetField(tbl, k, goToLua(L, v))
	}
	return tbl
}
