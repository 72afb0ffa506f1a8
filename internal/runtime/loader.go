package runtime

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
	lua "github.com/yuin/gopher-lua"

	"github.com/zot/testrt/internal/coverage"
	"github.com/zot/testrt/internal/registry"
)

// RequireModule is requireModule(from, specifier?) → exports, spec.md
// section 4.3. A bare call with from==specifier loads an entry point
// (a setup file or the test file itself).
func (rt *Runtime) RequireModule(from, specifier string) (lua.LValue, error) {
	id, err := rt.normalise(from, specifier)
	if err != nil {
		return nil, err
	}

	// Step 2: the legacy "ghost" manual-mock rule. A specifier that has
	// no real file but does have a manual mock is served from the mock
	// file even when nobody called facade.mock — unless the caller is
	// already executing that exact manual mock (recursive requireActual
	// from inside the mock itself) or the explicit-mock table forces real.
	if mockPath, hasMock := rt.resolver.GetMockModule(specifier); hasMock {
		_, hasReal := rt.resolver.GetModule(specifier)
		forcedReal := rt.explicitMock.Get(id) == registry.StateForceReal
		if !hasReal && mockPath != rt.currentlyExecutingManualMock && !forcedReal {
			return rt.loadPath(mockPath)
		}
	}

	if rt.resolver.IsCoreModule(specifier) {
		return rt.loadBuiltin(specifier)
	}

	return rt.loadPath(id.AbsolutePath)
}

// loadPath is the shared tail of RequireModule and RequireActual: resolve
// an absolute path to exports, inserting a placeholder record before
// executing the module body so re-entrant requires observe a safe,
// partially-populated object instead of recursing (spec.md section 4.3
// step 5, cycle tolerance).
func (rt *Runtime) loadPath(absPath string) (lua.LValue, error) {
	if rec, ok := rt.moduleRegistry.Get(absPath); ok {
		return rec.Exports, nil
	}

	L := rt.env.State()
	rec := &registry.ModuleRecord{Filename: absPath, Exports: L.NewTable(), Parent: registry.Sentinel}
	rt.moduleRegistry.Insert(absPath, rec)

	if filepath.Ext(absPath) == ".toml" {
		data, err := rt.loadDataFile(absPath)
		if err != nil {
			return nil, err
		}
		rec.Exports = data
		return rec.Exports, nil
	}

	if err := rt.execModule(rec); err != nil {
		return nil, err
	}
	return rec.Exports, nil
}

// loadDataFile parses a .toml sidecar data file directly, the stand-in
// this sandbox has for spec.md section 4.3 step 5's "JSON data file"
// branch — TOML rather than JSON because the rest of this module's
// ambient stack (internal/config) already carries BurntSushi/toml, and a
// second serialisation format adds nothing a test-runtime core needs.
func (rt *Runtime) loadDataFile(absPath string) (lua.LValue, error) {
	var raw map[string]interface{}
	if _, err := toml.DecodeFile(absPath, &raw); err != nil {
		return nil, fmt.Errorf("parsing data file %s: %w", absPath, err)
	}
	return goToLua(rt.env.State(), raw), nil
}

// goToLua converts a decoded-TOML value tree into Lua values, grounded on
// internal/lua/runtime.go's GoToLua: primitives map directly, maps become
// tables keyed by string, slices become 1-indexed array tables.
func goToLua(L *lua.LState, val interface{}) lua.LValue {
	switch v := val.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case int64:
		return lua.LNumber(float64(v))
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []interface{}:
		tbl := L.NewTable()
		for i, item := range v {
			L.RawSetInt(tbl, i+1, goToLua(L, item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, item := range v {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// loadBuiltin delegates to the sandbox's own standard-library globals: a
// core module is simply the preopened Lua library table of the same
// name, spec.md section 4.3 step 3's "delegate to the host's native
// loader".
func (rt *Runtime) loadBuiltin(specifier string) (lua.LValue, error) {
	return rt.env.GetGlobal(specifier), nil
}

// RequireActual bypasses the oracle entirely: always the real module,
// never a mock, per spec.md section 4.10's "requireActual" sibling.
func (rt *Runtime) RequireActual(from, specifier string) (lua.LValue, error) {
	id, err := rt.normalise(from, specifier)
	if err != nil {
		return nil, err
	}
	if rt.resolver.IsCoreModule(specifier) {
		return rt.loadBuiltin(specifier)
	}
	return rt.loadPath(id.AbsolutePath)
}

// RequireMock is requireMock(from, specifier) → mock, spec.md section 4.4.
func (rt *Runtime) RequireMock(from, specifier string) (lua.LValue, error) {
	id, err := rt.normalise(from, specifier)
	if err != nil {
		return nil, err
	}

	if v, ok := rt.mockRegistry.Get(id); ok {
		return v, nil
	}

	if factory, ok := rt.factoryTable.Get(id); ok {
		v, err := factory()
		if err != nil {
			return nil, fmt.Errorf("mock factory for %s: %w", specifier, err)
		}
		rt.mockRegistry.Set(id, v)
		return v, nil
	}

	mockPath, hasMock := rt.resolver.GetMockModule(specifier)
	if !hasMock {
		// spec.md section 4.4 step 3's "resolve the real path and then
		// probe <dir>/__mocks__/<basename>": the manual-mock lookup above
		// only finds haste-indexed (bare/root-relative) specifiers, so a
		// relative require needs its real path resolved first before a
		// sidecar directory can be probed at all.
		if real, err := rt.resolver.ResolveModule(from, specifier); err == nil {
			sidecar := filepath.Join(filepath.Dir(real), "__mocks__", filepath.Base(real))
			if sidecarPath, sidecarErr := rt.resolver.ResolveModule(from, sidecar); sidecarErr == nil {
				mockPath, hasMock = sidecarPath, true
			}
		}
	}

	if hasMock {
		v, err := rt.loadPath(mockPath)
		if err != nil {
			return nil, err
		}
		rt.mockRegistry.Set(id, v)
		return v, nil
	}

	v, err := rt.generateMock(from, specifier)
	if err != nil {
		return nil, err
	}
	rt.mockRegistry.Set(id, v)
	return v, nil
}

// execModule runs the contract of spec.md section 4.5 against an already
// -inserted placeholder record.
func (rt *Runtime) execModule(rec *registry.ModuleRecord) error {
	// A module body can still be in flight when the sandbox it runs in is
	// torn down (spec.md section 7's teardown-race case, ErrSandboxTornDown).
	// That condition is swallowed here rather than surfaced to the caller.
	if rt.env.TornDown() {
		return nil
	}

	L := rt.env.State()
	dirname := filepath.Dir(rec.Filename)
	rec.Children = nil
	rec.Parent = registry.Sentinel
	rec.Paths = rt.resolver.GetModulePaths(dirname)

	savedPath := rt.currentlyExecutingPath
	savedMock := rt.currentlyExecutingManualMock
	rt.currentlyExecutingPath = rec.Filename
	rt.currentlyExecutingManualMock = rec.Filename
	defer func() {
		rt.currentlyExecutingPath = savedPath
		rt.currentlyExecutingManualMock = savedMock
	}()

	source, readErr := rt.readSource(rec.Filename)
	if readErr != nil {
		return readErr
	}

	var instrument func(source, filename string) (string, error)
	var dataStore lua.LValue = lua.LNil
	if rt.shouldCollectCoverage(rec.Filename) {
		collector := rt.coverageTable.Ensure(rec.Filename, func() coverage.Collector {
			return coverage.NewMemoryCollector(L, rec.Filename)
		})
		instrument = collector.InstrumentedSource
		dataStore = collector.DataStore()
	}

	script, transformErr := rt.transformer.Transform(rec.Filename, source, instrument)
	if transformErr != nil {
		if IsSyntaxError(transformErr) {
			return rt.wrapSyntaxError(transformErr, rec.Filename)
		}
		return transformErr
	}

	wrapper, evalErr := rt.env.Eval(script)
	if evalErr != nil {
		// gopher-lua's PCall reports errors as plain Go errors regardless of
		// cause; a syntax error should already have surfaced above during
		// Transform, so anything reaching here is an ordinary runtime error
		// and propagates unchanged per spec.md section 7.
		return evalErr
	}

	moduleTbl := rt.moduleRecordToLua(L, rec)
	facade := rt.createFacadeFor(rec.Filename)
	require := rt.CreateRequireImplementation(rec.Filename)

	results, invokeErr := rt.env.Invoke(wrapper,
		rec.Exports,
		moduleTbl,
		rec.Exports,
		require,
		lua.LString(dirname),
		lua.LString(rec.Filename),
		rt.env.GetGlobal("_G"),
		facade,
		dataStore,
	)
	if invokeErr != nil {
		return invokeErr
	}

	if exports := moduleTbl.RawGetString("exports"); exports != lua.LNil {
		rec.Exports = exports
	}
	// A body that returns a non-nil value (the usual Lua module idiom) has
	// that value taken as its exports.
	if len(results) > 0 && results[0] != lua.LNil {
		rec.Exports = results[0]
	}
	return nil
}

// moduleRecordToLua builds the module table body code observes as
// `module`, carrying the sentinel-parent identity spec.md section 3 and
// section 6 require: filename, exports, parent (always Sentinel,
// rendered with its fixed literal fields), children, paths.
func (rt *Runtime) moduleRecordToLua(L *lua.LState, rec *registry.ModuleRecord) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "filename", lua.LString(rec.Filename))
	L.SetField(tbl, "exports", rec.Exports)
	L.SetField(tbl, "parent", rt.sentinelToLua(L))
	L.SetField(tbl, "children", L.NewTable())
	paths := L.NewTable()
	for i, p := range rec.Paths {
		L.RawSetInt(paths, i+1, lua.LString(p))
	}
	L.SetField(tbl, "paths", paths)
	return tbl
}

func (rt *Runtime) sentinelToLua(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "filename", lua.LString(registry.Sentinel.Filename))
	L.SetField(tbl, "id", lua.LString(registry.Sentinel.ID))
	L.SetField(tbl, "exports", registry.Sentinel.Exports)
	return tbl
}

// CreateRequireImplementation is createRequireImplementation(from), spec.md
// section 4.10: a callable dispatching through the oracle, plus the
// sibling fields requireMock/requireActual/resolve/cache/extensions. It is
// a callable table (the same __call-metamethod move internal/metadata
// uses for mock functions) rather than a bare function, since `require`
// must also carry those sibling fields.
func (rt *Runtime) CreateRequireImplementation(from string) *lua.LTable {
	L := rt.env.State()
	tbl := L.NewTable()

	dispatch := func(L *lua.LState, specifier string) (lua.LValue, error) {
		mock, err := rt.ShouldMock(from, specifier)
		if err != nil {
			return nil, err
		}
		if mock {
			return rt.RequireMock(from, specifier)
		}
		return rt.RequireModule(from, specifier)
	}

	mt := L.NewTable()
	L.SetField(mt, "__call", L.NewFunction(func(L *lua.LState) int {
		specifier := L.CheckString(2) // arg 1 is the table itself (self-call convention)
		v, err := dispatch(L, specifier)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(v)
		return 1
	}))
	L.SetMetatable(tbl, mt)

	L.SetField(tbl, "requireMock", L.NewFunction(func(L *lua.LState) int {
		v, err := rt.RequireMock(from, L.CheckString(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(v)
		return 1
	}))
	L.SetField(tbl, "requireActual", L.NewFunction(func(L *lua.LState) int {
		v, err := rt.RequireActual(from, L.CheckString(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(v)
		return 1
	}))
	L.SetField(tbl, "resolve", L.NewFunction(func(L *lua.LState) int {
		resolved, err := rt.resolver.ResolveModule(from, L.CheckString(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(lua.LString(resolved))
		return 1
	}))
	L.SetField(tbl, "cache", L.NewTable())
	L.SetField(tbl, "extensions", L.NewTable())

	return tbl
}

func (rt *Runtime) wrapSyntaxError(err error, filename string) error {
	rel := filename
	if r, relErr := filepath.Rel(rt.opts.RootDir, filename); relErr == nil {
		rel = r
	}
	return fmt.Errorf("%s: %w (check scriptPreprocessor / transform configuration): %w", rel, err, ErrSyntax)
}
