// Package sandbox provides one isolated global-variable bag per module
// file, the "sandbox environment" external collaborator spec.md section 1
// lists by contract. Grounded on internal/lua/runtime.go's NewRuntime: the
// same lua.NewState() plus OpenBase/OpenTable/OpenString/OpenMath/OpenOs
// sequence is reused here. Where the teacher opens one *lua.LState per
// frontend session, a Runtime is given one environment and runs every
// module it loads (setup files, the test file and everything they require)
// in it; the CLI builds one environment per test file.
package sandbox

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/zot/testrt/internal/transform"
)

// Environment is the contract spec.md section 6 describes: a global bag,
// a way to evaluate a compiled Script, and the fake-timer subsystem.
// Evaluating a Script is two steps, matching spec.md section 4.5 steps 6
// and 7: Eval runs the compiled chunk and returns its evaluation result
// (the wrapper callable the transformer exposes); Invoke then calls that
// wrapper with the loader's nine positional arguments.
type Environment interface {
	SetGlobal(name string, value lua.LValue)
	GetGlobal(name string) lua.LValue
	Eval(script *transform.Script) (lua.LValue, error)
	Invoke(fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error)
	Close()
	Timers() *FakeTimers

	// TornDown reports whether Close has already run, so a loader can
	// implement spec.md section 4.5 step 1's "abort silently if the
	// sandbox environment has been torn down" without needing gopher-lua
	// to tell it a *lua.LState is dead.
	TornDown() bool

	// State exposes the underlying VM so collaborators that build
	// Lua-native values (tables, Go-backed callables) — the loader's
	// module/require/facade construction, the metadata package's mock
	// functions — can use gopher-lua's own table/function API directly
	// rather than this interface re-exporting every primitive it offers.
	State() *lua.LState
}

// LuaEnvironment is a fresh global bag backed by its own *lua.LState,
// opened with the same fixed standard-library subset the teacher's
// NewRuntime opens (base, table, string, math, os) — the same subset
// internal/resolver.builtins declares as core modules.
type LuaEnvironment struct {
	state    *lua.LState
	timers   *FakeTimers
	tornDown bool
}

// NewLuaEnvironment opens a new Lua state with the sandbox's standard
// library subset and an empty fake-timer queue.
func NewLuaEnvironment() *LuaEnvironment {
	L := lua.NewState()
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenOs(L)

	env := &LuaEnvironment{state: L, timers: newFakeTimers(L)}
	registerTimerGlobals(L, env.timers)
	return env
}

func (e *LuaEnvironment) SetGlobal(name string, value lua.LValue) {
	e.state.SetGlobal(name, value)
}

func (e *LuaEnvironment) GetGlobal(name string) lua.LValue {
	return e.state.GetGlobal(name)
}

// Eval instantiates the script's compiled proto as a callable function in
// this environment's state and calls it with zero arguments (a module's
// top-level chunk, "return function(...) body end", is itself
// parameterless), returning the single value it produces: the wrapper
// function the loader invokes next via Invoke.
func (e *LuaEnvironment) Eval(script *transform.Script) (lua.LValue, error) {
	fn := e.state.NewFunctionFromProto(script.Proto)
	e.state.Push(fn)
	if err := e.state.PCall(0, 1, nil); err != nil {
		return nil, err
	}
	result := e.state.Get(-1)
	e.state.Pop(1)
	return result, nil
}

// Invoke calls fn (normally the wrapper Eval returned) with args, returning
// whatever values it produced.
func (e *LuaEnvironment) Invoke(fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	base := e.state.GetTop()
	e.state.Push(fn)
	for _, a := range args {
		e.state.Push(a)
	}
	if err := e.state.PCall(len(args), lua.MultRet, nil); err != nil {
		return nil, err
	}
	top := e.state.GetTop()
	results := make([]lua.LValue, top-base)
	for i := base; i < top; i++ {
		results[i-base] = e.state.Get(i + 1)
	}
	e.state.SetTop(base)
	return results, nil
}

func (e *LuaEnvironment) Close() {
	e.state.Close()
	e.tornDown = true
}

func (e *LuaEnvironment) TornDown() bool {
	return e.tornDown
}

func (e *LuaEnvironment) Timers() *FakeTimers {
	return e.timers
}

func (e *LuaEnvironment) State() *lua.LState {
	return e.state
}
