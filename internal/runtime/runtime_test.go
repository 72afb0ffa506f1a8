package runtime

import (
	"os"
	"path/filepath"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/testrt/internal/resolver"
	"github.com/zot/testrt/internal/sandbox"
	"github.com/zot/testrt/internal/transform"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newTestRuntime builds a Runtime rooted at a fresh temp directory, with a
// haste map already built over whatever files exist there at call time.
// Reuse across a single test only when the file tree is fixed up front.
func newTestRuntime(t *testing.T, root string, opts Options) *Runtime {
	t.Helper()
	built, err := resolver.BuildHasteMap(resolver.Options{RootDir: root, MaxWorkers: 2})
	if err != nil {
		t.Fatal(err)
	}
	opts.RootDir = root
	env := sandbox.NewLuaEnvironment()
	t.Cleanup(env.Close)
	rt, err := New(opts, built.Resolver, &transform.LuaTransformer{}, env)
	if err != nil {
		t.Fatal(err)
	}
	return rt
}

func luaString(v lua.LValue) string {
	s, _ := v.(lua.LString)
	return string(s)
}

func luaNumber(v lua.LValue) float64 {
	n, _ := v.(lua.LNumber)
	return float64(n)
}

// S1: real module, cached; mutation observed on second require.
func TestS1RealModuleCachedAcrossRequires(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.lua"), "return {n = 1}")
	rt := newTestRuntime(t, root, Options{})

	aPath := filepath.Join(root, "a.lua")
	v1, err := rt.RequireModule(aPath, filepath.Join(root, "b.lua"))
	if err != nil {
		t.Fatal(err)
	}
	tbl1 := v1.(*lua.LTable)
	if luaNumber(tbl1.RawGetString("n")) != 1 {
		t.Fatalf("expected n=1, got %v", tbl1.RawGetString("n"))
	}

	rt.env.State().SetField(tbl1, "n", lua.LNumber(2))

	v2, err := rt.RequireModule(aPath, filepath.Join(root, "b.lua"))
	if err != nil {
		t.Fatal(err)
	}
	tbl2 := v2.(*lua.LTable)
	if luaNumber(tbl2.RawGetString("n")) != 2 {
		t.Fatalf("expected mutation visible on second require, got %v", tbl2.RawGetString("n"))
	}
}

// S2: cycle. a requires b; b requires a; b observes a's pre-assignment
// exports.a == 1 (the second assignment in a hasn't happened yet when b
// runs, because b is required from the middle of a's body).
func TestS2CycleObservesPartialExports(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.lua"), `
		exports.a = 1
		require("./b")
		exports.a = 2
	`)
	writeFile(t, filepath.Join(root, "b.lua"), `
		local A = require("./a")
		exports.seen = A.a
	`)
	rt := newTestRuntime(t, root, Options{})

	aAbs := filepath.Join(root, "a.lua")
	exports, err := rt.RequireModule(aAbs, aAbs)
	if err != nil {
		t.Fatal(err)
	}
	_ = exports

	bRec, ok := rt.moduleRegistry.Get(filepath.Join(root, "b.lua"))
	if !ok {
		t.Fatalf("expected b.lua to have been loaded as part of a.lua's cycle")
	}
	bTbl := bRec.Exports.(*lua.LTable)
	if luaNumber(bTbl.RawGetString("seen")) != 1 {
		t.Fatalf("expected b to observe a.a==1 mid-cycle, got %v", bTbl.RawGetString("seen"))
	}
}

// S3: automock on, unmock-list matches nothing; exported function becomes
// a mock function whose default call never invokes the real body.
func TestS3AutomockReplacesFunctionsWithMocks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "u.lua"), `
		sideEffect = false
		return {
			k = function() sideEffect = true; return 7 end,
		}
	`)
	rt := newTestRuntime(t, root, Options{Automock: true})

	from := filepath.Join(root, "caller.lua")
	uAbs := filepath.Join(root, "u.lua")

	mock, err := rt.ShouldMock(from, uAbs)
	if err != nil {
		t.Fatal(err)
	}
	if !mock {
		t.Fatalf("expected shouldMock true under automock with no unmock-list match")
	}

	v, err := rt.RequireMock(from, uAbs)
	if err != nil {
		t.Fatal(err)
	}
	tbl := v.(*lua.LTable)
	k := tbl.RawGetString("k")
	if !isMockFunctionValue(k) {
		t.Fatalf("expected k to be a mock function")
	}

	L := rt.env.State()
	L.Push(k)
	L.Push(k)
	if err := L.PCall(1, 1, nil); err != nil {
		t.Fatal(err)
	}
	result := L.Get(-1)
	L.Pop(1)
	if result != lua.LNil {
		t.Fatalf("expected default mock call to return nil, got %v", result)
	}

	sideEffect := L.GetGlobal("sideEffect")
	if sideEffect != lua.LFalse {
		t.Fatalf("expected the real k to never run, sideEffect=%v", sideEffect)
	}
}

func isMockFunctionValue(v lua.LValue) bool {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return false
	}
	return tbl.RawGetString("_isTestrtMockFunction") == lua.LTrue
}

// S4: manual mock sidecar — distinct __mocks__ directories serve distinct
// sidecars for files sharing a basename.
func TestS4ManualMockSidecarPerDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sub", "M.lua"), "return {from = 'real-sub'}")
	writeFile(t, filepath.Join(root, "sub", "__mocks__", "M.lua"), "return {from = 'mock-sub'}")
	writeFile(t, filepath.Join(root, "other", "M.lua"), "return {from = 'real-other'}")
	writeFile(t, filepath.Join(root, "other", "__mocks__", "M.lua"), "return {from = 'mock-other'}")
	rt := newTestRuntime(t, root, Options{})

	subX := filepath.Join(root, "sub", "x.lua")
	v, err := rt.RequireMock(subX, "./M")
	if err != nil {
		t.Fatal(err)
	}
	if got := luaString(v.(*lua.LTable).RawGetString("from")); got != "mock-sub" {
		t.Fatalf("expected sub's sidecar mock, got %q", got)
	}

	otherX := filepath.Join(root, "other", "x.lua")
	v2, err := rt.RequireMock(otherX, "./M")
	if err != nil {
		t.Fatal(err)
	}
	if got := luaString(v2.(*lua.LTable).RawGetString("from")); got != "mock-other" {
		t.Fatalf("expected other's sidecar mock, got %q", got)
	}
}

// S5: virtual mock — require resolves to the factory's value with no file
// on disk, and shouldMock reports true.
func TestS5VirtualMockGhost(t *testing.T) {
	root := t.TempDir()
	rt := newTestRuntime(t, root, Options{})
	from := filepath.Join(root, "x.lua")
	writeFile(t, from, "")

	L := rt.env.State()
	value := L.NewTable()
	L.SetField(value, "v", lua.LNumber(42))

	factory := L.NewFunction(func(L *lua.LState) int {
		L.Push(value)
		return 1
	})
	opts := L.NewTable()
	L.SetField(opts, "virtual", lua.LTrue)

	facade := rt.createFacadeFor(from)
	mockMethod := facade.RawGetString("mock").(*lua.LFunction)
	L.Push(mockMethod)
	L.Push(lua.LString("nope"))
	L.Push(factory)
	L.Push(opts)
	if err := L.PCall(3, 1, nil); err != nil {
		t.Fatal(err)
	}
	L.Pop(1)

	mock, err := rt.ShouldMock(from, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if !mock {
		t.Fatalf("expected shouldMock(x, nope) true after virtual mock registration")
	}

	required, err := rt.RequireMock(from, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if luaNumber(required.(*lua.LTable).RawGetString("v")) != 42 {
		t.Fatalf("expected virtual mock value {v=42}, got %v", required)
	}
}

// S6: transitive unmock in a flat install. A is unmocked and lives under
// node_modules; its require of B (also under node_modules) is real, and
// B's own subsequent require of C is real by transitivity.
func TestS6TransitiveUnmockInFlatInstall(t *testing.T) {
	root := t.TempDir()
	rt := newTestRuntime(t, root, Options{Automock: true, UnmockedModulePathPatterns: []string{"node_modules/A"}})

	aPath := filepath.Join(root, "node_modules", "A", "index.lua")
	bPath := filepath.Join(root, "node_modules", "B", "index.lua")
	cPath := filepath.Join(root, "node_modules", "C", "index.lua")
	writeFile(t, aPath, "")
	writeFile(t, bPath, "")
	writeFile(t, cPath, "")

	mockAB, err := rt.ShouldMock(aPath, bPath)
	if err != nil {
		t.Fatal(err)
	}
	if mockAB {
		t.Fatalf("expected shouldMock(A,B) false: A is unmocked and both lie under node_modules")
	}

	mockBC, err := rt.ShouldMock(bPath, cPath)
	if err != nil {
		t.Fatal(err)
	}
	if mockBC {
		t.Fatalf("expected shouldMock(B,C) false by transitivity")
	}
}

// Property 1: identifier determinism.
func TestPropertyIdentifierDeterminism(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.lua"), "")
	rt := newTestRuntime(t, root, Options{})
	from := filepath.Join(root, "a.lua")

	id1, err := rt.normalise(from, filepath.Join(root, "b.lua"))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := rt.normalise(from, filepath.Join(root, "b.lua"))
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("expected identical identifiers, got %+v vs %+v", id1, id2)
	}
}

// Property 2: cache idempotence, broken by resetModuleRegistry.
func TestPropertyCacheIdempotenceBrokenByReset(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.lua"), "return {}")
	rt := newTestRuntime(t, root, Options{})
	from := filepath.Join(root, "a.lua")
	bAbs := filepath.Join(root, "b.lua")

	v1, err := rt.RequireModule(from, bAbs)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := rt.RequireModule(from, bAbs)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Fatalf("expected same exports reference across requires before reset")
	}

	rt.ResetModuleRegistry()
	v3, err := rt.RequireModule(from, bAbs)
	if err != nil {
		t.Fatal(err)
	}
	if v3 == v1 {
		t.Fatalf("expected a new exports reference after resetModuleRegistry")
	}
}

// Property 4: policy monotonicity.
func TestPropertyPolicyMonotonicity(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x.lua"), "")
	rt := newTestRuntime(t, root, Options{Automock: true})
	from := filepath.Join(root, "caller.lua")
	xAbs := filepath.Join(root, "x.lua")

	L := rt.env.State()
	facade := rt.createFacadeFor(from)

	mockMethod := facade.RawGetString("mock").(*lua.LFunction)
	L.Push(mockMethod)
	L.Push(lua.LString(xAbs))
	if err := L.PCall(1, 1, nil); err != nil {
		t.Fatal(err)
	}
	L.Pop(1)
	mocked, err := rt.ShouldMock(from, xAbs)
	if err != nil {
		t.Fatal(err)
	}
	if !mocked {
		t.Fatalf("expected shouldMock true right after mock()")
	}

	unmockMethod := facade.RawGetString("unmock").(*lua.LFunction)
	L.Push(unmockMethod)
	L.Push(lua.LString(xAbs))
	if err := L.PCall(1, 1, nil); err != nil {
		t.Fatal(err)
	}
	L.Pop(1)
	unmocked, err := rt.ShouldMock(from, xAbs)
	if err != nil {
		t.Fatal(err)
	}
	if unmocked {
		t.Fatalf("expected shouldMock false after mock() then unmock()")
	}
}

// Property 5: isolation of automock generation.
func TestPropertyAutomockIsolation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "real.lua"), "return {f = function() return 1 end}")
	rt := newTestRuntime(t, root, Options{})
	from := filepath.Join(root, "caller.lua")
	realAbs := filepath.Join(root, "real.lua")

	if _, err := rt.generateMock(from, realAbs); err != nil {
		t.Fatal(err)
	}

	if _, ok := rt.moduleRegistry.Get(realAbs); ok {
		t.Fatalf("expected generateMock's real execution to leave no trace in the caller's module registry")
	}
}

// Property 6: virtual-mock ghosts — covered structurally by S5 above;
// this case checks the no-filesystem-touch guarantee via a specifier that
// resolves to nothing on disk.
func TestPropertyVirtualMockNeverTouchesDisk(t *testing.T) {
	root := t.TempDir()
	rt := newTestRuntime(t, root, Options{})
	from := filepath.Join(root, "x.lua")
	writeFile(t, from, "")

	L := rt.env.State()
	value := lua.LString("ghost")
	factory := L.NewFunction(func(L *lua.LState) int {
		L.Push(value)
		return 1
	})
	opts := L.NewTable()
	L.SetField(opts, "virtual", lua.LTrue)

	facade := rt.createFacadeFor(from)
	mockMethod := facade.RawGetString("mock").(*lua.LFunction)
	L.Push(mockMethod)
	L.Push(lua.LString("totally/nonexistent"))
	L.Push(factory)
	L.Push(opts)
	if err := L.PCall(3, 1, nil); err != nil {
		t.Fatal(err)
	}
	L.Pop(1)

	v, err := rt.RequireMock(from, "totally/nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if v != value {
		t.Fatalf("expected the factory's own value returned untouched, got %v", v)
	}
}

// Property 7: registry reset clears mock-function call state.
func TestPropertyResetClearsMockFunctionCalls(t *testing.T) {
	root := t.TempDir()
	rt := newTestRuntime(t, root, Options{})
	L := rt.env.State()

	facade := rt.createFacadeFor(filepath.Join(root, "x.lua"))
	fnMethod := facade.RawGetString("fn").(*lua.LFunction)
	L.Push(fnMethod)
	if err := L.PCall(0, 1, nil); err != nil {
		t.Fatal(err)
	}
	mockFn := L.Get(-1)
	L.Pop(1)
	L.SetGlobal("theMock", mockFn)

	L.Push(mockFn)
	L.Push(mockFn)
	if err := L.PCall(1, 1, nil); err != nil {
		t.Fatal(err)
	}
	L.Pop(1)

	calls := mockFn.(*lua.LTable).RawGetString("mock").(*lua.LTable).RawGetString("calls").(*lua.LTable)
	if calls.Len() != 1 {
		t.Fatalf("expected 1 recorded call before reset, got %d", calls.Len())
	}

	rt.ResetModuleRegistry()

	callsAfter := mockFn.(*lua.LTable).RawGetString("mock").(*lua.LTable).RawGetString("calls").(*lua.LTable)
	if callsAfter.Len() != 0 {
		t.Fatalf("expected 0 recorded calls after resetModuleRegistry, got %d", callsAfter.Len())
	}
}

// Setup files run with mocking effectively moot (no facade call can reach
// them before they execute) and their node_modules-rooted paths are
// pre-seeded as transitive-unmocked.
func TestSetupFilesRunDuringConstruction(t *testing.T) {
	root := t.TempDir()
	setup := filepath.Join(root, "setup.lua")
	writeFile(t, setup, "setupRan = true")

	rt := newTestRuntime(t, root, Options{SetupFiles: []string{setup}})
	if rt.env.GetGlobal("setupRan") != lua.LTrue {
		t.Fatalf("expected setup file to have run during construction")
	}
}

func TestSentinelParentIsStableAcrossModules(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "m.lua"), "parentFilename = module.parent.filename; parentId = module.parent.id")
	rt := newTestRuntime(t, root, Options{})
	mAbs := filepath.Join(root, "m.lua")
	if _, err := rt.RequireModule(mAbs, mAbs); err != nil {
		t.Fatal(err)
	}
	if got := luaString(rt.env.GetGlobal("parentFilename")); got != "mock.lua" {
		t.Fatalf("expected sentinel filename literal mock.lua, got %q", got)
	}
	if got := luaString(rt.env.GetGlobal("parentId")); got != "mockParent" {
		t.Fatalf("expected sentinel id literal mockParent, got %q", got)
	}
}
