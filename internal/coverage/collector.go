// Package coverage implements the coverage collector spec.md sections 1
// and 6 describe by contract: one instance per instrumented file, each
// exposing a data store the transformer's instrumentation hook writes
// into, and a way to pull accumulated per-line hit counts back out at the
// end of a run.
package coverage

import (
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/testrt/internal/transform"
)

// FileCoverage is one file's accumulated line-hit counts.
type FileCoverage struct {
	Filename string
	Hits     map[int]int
}

// Collector is the per-file coverage-collector contract: the data store,
// the instrumented source, and the extracted coverage info, expressed as
// Go methods. InstrumentedSource takes no store name: instrumented code
// writes into the wrapper's __coverage parameter. The constructor,
// NewMemoryCollector, takes the Lua state and the filename.
type Collector interface {
	DataStore() *lua.LTable
	InstrumentedSource(source, filename string) (string, error)
	ExtractRuntimeCoverageInfo() FileCoverage
}

// MemoryCollector is the in-process collector a Runtime creates on demand
// per file (spec.md section 4.9: "ensure a collector exists"). It has no
// teacher analogue — the teacher never instruments code for coverage —
// so its data store is plain bookkeeping: a *lua.LTable the sandbox
// writes into directly, read back with LuaToGo-style numeric-key walking
// at extraction time.
type MemoryCollector struct {
	mu       sync.Mutex
	filename string
	store    *lua.LTable
	L        *lua.LState
}

// NewMemoryCollector builds a collector for filename, backed by a fresh
// table in L. The state the collector's store lives in must be the same
// one the instrumented wrapper runs in, since the wrapper writes hits
// directly into that table via the __coverage parameter.
func NewMemoryCollector(L *lua.LState, filename string) *MemoryCollector {
	return &MemoryCollector{filename: filename, store: L.NewTable(), L: L}
}

func (c *MemoryCollector) DataStore() *lua.LTable {
	return c.store
}

func (c *MemoryCollector) InstrumentedSource(source, filename string) (string, error) {
	hook := transform.NewLineInstrumenter()
	return hook(source, filename)
}

// ExtractRuntimeCoverageInfo reads every numeric-keyed entry out of the
// store and returns it as a plain Go map, the "plain mapping from
// filename to extracted runtime coverage data" spec.md section 4.9 calls
// for.
func (c *MemoryCollector) ExtractRuntimeCoverageInfo() FileCoverage {
	c.mu.Lock()
	defer c.mu.Unlock()

	hits := make(map[int]int)
	c.store.ForEach(func(key, value lua.LValue) {
		n, ok := key.(lua.LNumber)
		if !ok {
			return
		}
		count, ok := value.(lua.LNumber)
		if !ok {
			return
		}
		hits[int(n)] = int(count)
	})
	return FileCoverage{Filename: c.filename, Hits: hits}
}

// Table is the coverage-collector table spec.md section 3 describes:
// absolute-path → collector instance, owned by a Runtime for its whole
// lifetime.
type Table struct {
	mu         sync.Mutex
	collectors map[string]Collector
}

// NewTable builds an empty coverage-collector table.
func NewTable() *Table {
	return &Table{collectors: make(map[string]Collector)}
}

// Ensure returns the collector for path, creating one with newCollector
// if none exists yet.
func (t *Table) Ensure(path string, newCollector func() Collector) Collector {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.collectors[path]; ok {
		return c
	}
	c := newCollector()
	t.collectors[path] = c
	return c
}

// Get returns the collector registered for path, if any.
func (t *Table) Get(path string) (Collector, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.collectors[path]
	return c, ok
}

// GetAllCoverageInfo returns the plain filename → FileCoverage mapping
// extractRuntimeCoverageInfo aggregates across every collector the table
// has seen.
func (t *Table) GetAllCoverageInfo() map[string]FileCoverage {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := make(map[string]FileCoverage, len(t.collectors))
	for path, c := range t.collectors {
		info[path] = c.ExtractRuntimeCoverageInfo()
	}
	return info
}
