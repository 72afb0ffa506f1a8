// Package runtime is the centrepiece: the Runtime type that normalises
// module identifiers, decides real-vs-mock delivery, loads and caches
// modules, synthesises automocks, and exposes the per-file test-control
// facade. It implements spec.md sections 3 and 4 in full; the file
// resolver, source transformer, sandbox environment, and mock-metadata
// library it depends on are the external collaborators built in
// internal/resolver, internal/transform, internal/sandbox, and
// internal/metadata respectively.
//
// Grounded throughout on internal/lua/runtime.go's NewRuntime/
// registerRequire/createSessionTable: a single owning value holds every
// registry and cache, constructs one require closure per executing file,
// and marks a module "loaded" in its tracker before running its body so a
// re-entrant require observes a safe placeholder instead of recursing.
package runtime

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/testrt/internal/coverage"
	"github.com/zot/testrt/internal/metadata"
	"github.com/zot/testrt/internal/modid"
	"github.com/zot/testrt/internal/registry"
	"github.com/zot/testrt/internal/resolver"
	"github.com/zot/testrt/internal/sandbox"
	"github.com/zot/testrt/internal/transform"
)

// Options is the configuration surface spec.md section 6 lists:
// cacheDirectory, automock, mocksPattern, testRegex,
// coveragePathIgnorePatterns, unmockedModulePathPatterns, collectCoverage,
// collectCoverageOnlyFrom, coverageCollector, setupFiles, scriptPreprocessor,
// usesBabelJest, rootDir, testEnvData, cache. The ones with no analogue in
// this sandbox (usesBabelJest, scriptPreprocessor, cache/cacheDirectory —
// no bytecode cache is persisted to disk here) are not fields of Options;
// config.Config carries them, and nothing in this package reads them.
type Options struct {
	RootDir                    string
	Automock                   bool
	MocksPattern               string
	TestRegex                  string
	CoveragePathIgnorePatterns []string
	UnmockedModulePathPatterns []string
	CollectCoverage            bool
	CollectCoverageOnlyFrom    []string
	SetupFiles                 []string
	TestEnvData                map[string]interface{}
}

// Runtime owns every registry and cache spec.md section 3 describes, plus
// the external collaborators it drives. Not safe for concurrent use
// (spec.md section 5): one Runtime serves one test file at a time.
type Runtime struct {
	opts Options

	mocksPattern   *regexp.Regexp
	testRegex      *regexp.Regexp
	coverageIgnore []*regexp.Regexp
	unmockList     *unmockMatcher
	coverageAllow  map[string]bool // nil means no allow-list configured

	resolver    resolver.Resolver
	transformer transform.Transformer
	env         sandbox.Environment

	normaliser *modid.Normaliser

	moduleRegistry      *registry.ModuleRegistry
	mockRegistry        *registry.MockRegistry
	factoryTable        *registry.FactoryTable
	explicitMock        *registry.ExplicitMockTable
	transitiveUnmock    *registry.TransitiveUnmockTable
	virtualMocks        *registry.VirtualMockSet
	shouldMockCache     *registry.ShouldMockCache
	fromShouldMockCache *registry.FromShouldMockCache

	metadataMu    sync.Mutex
	metadataCache map[string]*metadata.Metadata

	coverageTable *coverage.Table

	automock bool // mutable: facade.EnableAutomock/DisableAutomock flip this

	currentlyExecutingPath       string
	currentlyExecutingManualMock string
}

// New builds a Runtime and runs the constructor lifecycle spec.md section
// 4.8 describes: compile matchers, seed transitive-unmock for setup files
// under node_modules, reset the registries, then require every setup file
// with mocking disabled for it (setup files run before any facade exists
// to mock anything against them).
func New(opts Options, res resolver.Resolver, tr transform.Transformer, env sandbox.Environment) (*Runtime, error) {
	mocksPattern, err := compilePattern(opts.MocksPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling mocksPattern: %w", err)
	}
	testRegex, err := compilePattern(opts.TestRegex)
	if err != nil {
		return nil, fmt.Errorf("compiling testRegex: %w", err)
	}
	coverageIgnore, err := compilePatterns(opts.CoveragePathIgnorePatterns)
	if err != nil {
		return nil, fmt.Errorf("compiling coveragePathIgnorePatterns: %w", err)
	}

	rt := &Runtime{
		opts:                opts,
		mocksPattern:        mocksPattern,
		testRegex:           testRegex,
		coverageIgnore:      coverageIgnore,
		resolver:            res,
		transformer:         tr,
		env:                 env,
		moduleRegistry:      registry.NewModuleRegistry(),
		mockRegistry:        registry.NewMockRegistry(),
		factoryTable:        registry.NewFactoryTable(),
		explicitMock:        registry.NewExplicitMockTable(),
		transitiveUnmock:    registry.NewTransitiveUnmockTable(),
		virtualMocks:        registry.NewVirtualMockSet(),
		shouldMockCache:     registry.NewShouldMockCache(),
		fromShouldMockCache: registry.NewFromShouldMockCache(),
		metadataCache:       make(map[string]*metadata.Metadata),
		coverageTable:       coverage.NewTable(),
		automock:            opts.Automock,
	}
	if len(opts.CollectCoverageOnlyFrom) > 0 {
		rt.coverageAllow = make(map[string]bool, len(opts.CollectCoverageOnlyFrom))
		for _, f := range opts.CollectCoverageOnlyFrom {
			rt.coverageAllow[f] = true
		}
	}

	// Two Runtimes built from the same configuration share the compiled
	// unmock-list pattern (spec.md section 4.8 step 2), the same way
	// internal/modid's identifier memo is process-wide rather than
	// per-instance.
	rt.unmockList = sharedUnmockMatcher(opts.UnmockedModulePathPatterns)

	rt.normaliser = &modid.Normaliser{Resolver: res, IsVirtualMock: rt.virtualMocks.Has}

	for _, f := range opts.SetupFiles {
		if strings.Contains(f, "/node_modules/") {
			rt.transitiveUnmock.Set(rt.identifierOf(f), false)
		}
	}

	rt.ResetModuleRegistry()

	for _, f := range opts.SetupFiles {
		if _, err := rt.requireEntry(f); err != nil {
			return nil, fmt.Errorf("running setup file %s: %w", f, err)
		}
	}

	return rt, nil
}

// identifierOf builds the identifier a module uses for itself (spec.md
// section 4.2 step 7's "currentId = normalise(from)"): the currently
// executing file is already an absolute path, so no resolver round-trip
// is needed to name it.
func (rt *Runtime) identifierOf(absPath string) modid.ID {
	return modid.ID{Kind: modid.KindUser, AbsolutePath: absPath}
}

func (rt *Runtime) normalise(from, specifier string) (modid.ID, error) {
	return rt.normaliser.Normalise(from, specifier)
}

// requireEntry loads absPath as a top-level entry point (a setup file, or
// the test file itself), with no requesting file other than itself.
func (rt *Runtime) requireEntry(absPath string) (lua.LValue, error) {
	return rt.RequireModule(absPath, absPath)
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchesAny(patterns []*regexp.Regexp, path string) bool {
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// unmockMatcher is the compiled form of unmockedModulePathPatterns,
// memoised per-configuration so repeated Runtime constructions against
// the same Options reuse one compiled matcher (spec.md section 4.8 step
// 2), mirroring internal/modid's process-wide identifier cache.
type unmockMatcher struct {
	patterns []*regexp.Regexp
}

func (m *unmockMatcher) Matches(path string) bool {
	if m == nil {
		return false
	}
	return matchesAny(m.patterns, path)
}

var unmockMatcherCache = struct {
	mu      sync.Mutex
	entries map[string]*unmockMatcher
}{entries: make(map[string]*unmockMatcher)}

func sharedUnmockMatcher(patterns []string) *unmockMatcher {
	key := strings.Join(patterns, "\x00")
	unmockMatcherCache.mu.Lock()
	defer unmockMatcherCache.mu.Unlock()
	if m, ok := unmockMatcherCache.entries[key]; ok {
		return m
	}
	compiled, _ := compilePatterns(patterns) // Options validated the patterns at compilePattern time for the other fields; malformed unmock patterns surface as "never matches".
	m := &unmockMatcher{patterns: compiled}
	unmockMatcherCache.entries[key] = m
	return m
}

func (rt *Runtime) matchesMocksPattern(path string) bool {
	return rt.mocksPattern != nil && rt.mocksPattern.MatchString(path)
}

func (rt *Runtime) matchesTestRegex(path string) bool {
	return rt.testRegex != nil && rt.testRegex.MatchString(path)
}

func (rt *Runtime) matchesCoverageIgnore(path string) bool {
	return matchesAny(rt.coverageIgnore, path)
}

func (rt *Runtime) matchesUnmockList(path string) bool {
	return rt.unmockList.Matches(path)
}

// ResetModuleRegistry implements spec.md section 4.8: drop the module and
// mock registries, then walk the sandbox global's own keys clearing any
// mock function found there, and call mockClearTimers if the sandbox
// exposes one.
func (rt *Runtime) ResetModuleRegistry() {
	rt.moduleRegistry.Clear()
	rt.mockRegistry.Clear()

	global := rt.env.GetGlobal("_G")
	tbl, ok := global.(*lua.LTable)
	if !ok {
		return
	}
	tbl.ForEach(func(_, value lua.LValue) {
		if metadata.IsMockFunction(value) {
			if mockTbl, ok := value.(*lua.LTable); ok {
				if clear, ok := mockTbl.RawGetString("mockClear").(*lua.LFunction); ok {
					rt.env.Invoke(clear, value)
				}
			}
		}
	})
	if clearTimers, ok := global.(*lua.LTable); ok {
		if fn, ok := clearTimers.RawGetString("mockClearTimers").(*lua.LFunction); ok {
			rt.env.Invoke(fn)
		}
	}
}

// GetAllCoverageInfo is getAllCoverageInfo(): a plain filename →
// FileCoverage mapping, per spec.md section 4.9.
func (rt *Runtime) GetAllCoverageInfo() map[string]coverage.FileCoverage {
	return rt.coverageTable.GetAllCoverageInfo()
}

// readSource reads a module file's text from disk. It and loadDataFile are
// the loader's filesystem touchpoints; every other collaborator (resolver,
// transformer, sandbox) is injected so this package stays testable without
// a real disk, but source text itself has to come from somewhere concrete.
func (rt *Runtime) readSource(absPath string) (string, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", absPath, err)
	}
	return string(data), nil
}

// shouldCollectCoverage implements spec.md section 4.9's predicate.
func (rt *Runtime) shouldCollectCoverage(filename string) bool {
	if !rt.opts.CollectCoverage {
		return false
	}
	if rt.coverageAllow != nil && !rt.coverageAllow[filename] {
		return false
	}
	if rt.matchesCoverageIgnore(filename) {
		return false
	}
	if rt.matchesMocksPattern(filename) {
		return false
	}
	if rt.matchesTestRegex(filename) {
		return false
	}
	return true
}
