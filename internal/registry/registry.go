// Package registry holds the mutable state a Runtime owns: the module and
// mock registries, the policy tables the mock-policy oracle consults, and
// the sentinel parent record every executed module is given as its
// module.parent. See spec.md section 3 for the data model this package
// implements.
//
// None of these types are safe for concurrent use; spec.md section 5
// requires the owning Runtime to be used from a single goroutine at a time.
package registry

import (
	"github.com/yuin/gopher-lua"

	"github.com/zot/testrt/internal/modid"
)

// ModuleRecord is the module object exposed to an executing module body.
// Once inserted into a ModuleRegistry its identity is stable; its Exports
// field is mutated by the module body during first execution and
// thereafter only by the module itself (spec.md section 3).
type ModuleRecord struct {
	Filename string
	Exports  lua.LValue
	Parent   *ModuleRecord
	Children []*ModuleRecord
	Paths    []string

	// ID is the "mockParent"-style identity string; empty for ordinary
	// modules, set only on Sentinel.
	ID string
}

// Sentinel is the single shared parent record assigned to every executed
// module, per spec.md section 3 and section 6 ("module.parent"). Its
// filename and id are fixed literals; user code must never be able to
// mutate it meaningfully, so callers are expected to treat it as read-only.
var Sentinel = &ModuleRecord{
	Filename: "mock.lua",
	ID:       "mockParent",
	Exports:  lua.LNil,
}

// ModuleRegistry caches real module records keyed by absolute path.
type ModuleRegistry struct {
	byPath map[string]*ModuleRecord
}

func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{byPath: make(map[string]*ModuleRecord)}
}

func (r *ModuleRegistry) Get(absPath string) (*ModuleRecord, bool) {
	rec, ok := r.byPath[absPath]
	return rec, ok
}

// Insert stores rec before it has finished executing, so that a re-entrant
// require observes the partially populated exports (spec.md section 4.3,
// "cycle tolerance").
func (r *ModuleRegistry) Insert(absPath string, rec *ModuleRecord) {
	r.byPath[absPath] = rec
}

func (r *ModuleRegistry) Clear() {
	r.byPath = make(map[string]*ModuleRecord)
}

// MockRegistry caches delivered mock values keyed by module identifier.
type MockRegistry struct {
	byID map[string]lua.LValue
}

func NewMockRegistry() *MockRegistry {
	return &MockRegistry{byID: make(map[string]lua.LValue)}
}

func (r *MockRegistry) Get(id modid.ID) (lua.LValue, bool) {
	v, ok := r.byID[id.String()]
	return v, ok
}

func (r *MockRegistry) Set(id modid.ID, v lua.LValue) {
	r.byID[id.String()] = v
}

func (r *MockRegistry) Clear() {
	r.byID = make(map[string]lua.LValue)
}

// FactoryTable maps a module identifier to the zero-arg producer user code
// registered via facade.Mock(name, factory). Survives ResetModuleRegistry.
type FactoryTable struct {
	byID map[string]func() (lua.LValue, error)
}

func NewFactoryTable() *FactoryTable {
	return &FactoryTable{byID: make(map[string]func() (lua.LValue, error))}
}

func (t *FactoryTable) Get(id modid.ID) (func() (lua.LValue, error), bool) {
	f, ok := t.byID[id.String()]
	return f, ok
}

func (t *FactoryTable) Set(id modid.ID, factory func() (lua.LValue, error)) {
	t.byID[id.String()] = factory
}

func (t *FactoryTable) Delete(id modid.ID) {
	delete(t.byID, id.String())
}

// MockState is the tri-state the explicit-mock table records for an
// identifier: forced mock, forced real, or no explicit decision.
type MockState int

const (
	StateUnset MockState = iota
	StateForceMock
	StateForceReal
)

// ExplicitMockTable survives ResetModuleRegistry.
type ExplicitMockTable struct {
	byID map[string]MockState
}

func NewExplicitMockTable() *ExplicitMockTable {
	return &ExplicitMockTable{byID: make(map[string]MockState)}
}

func (t *ExplicitMockTable) Get(id modid.ID) MockState {
	if s, ok := t.byID[id.String()]; ok {
		return s
	}
	return StateUnset
}

func (t *ExplicitMockTable) Set(id modid.ID, state MockState) {
	t.byID[id.String()] = state
}

// TransitiveUnmockTable records, per identifier, whether that module and
// its dependency subtree are exempt from automock. Survives
// ResetModuleRegistry.
type TransitiveUnmockTable struct {
	byID map[string]bool
}

func NewTransitiveUnmockTable() *TransitiveUnmockTable {
	return &TransitiveUnmockTable{byID: make(map[string]bool)}
}

func (t *TransitiveUnmockTable) Get(id modid.ID) (bool, bool) {
	v, ok := t.byID[id.String()]
	return v, ok
}

func (t *TransitiveUnmockTable) Set(id modid.ID, exempt bool) {
	t.byID[id.String()] = exempt
}

// VirtualMockSet is the set of paths registered via
// facade.Mock(name, factory, {virtual: true}), for which no file need
// exist on disk.
type VirtualMockSet struct {
	paths map[string]struct{}
}

func NewVirtualMockSet() *VirtualMockSet {
	return &VirtualMockSet{paths: make(map[string]struct{})}
}

func (s *VirtualMockSet) Add(path string) {
	s.paths[path] = struct{}{}
}

func (s *VirtualMockSet) Has(path string) bool {
	_, ok := s.paths[path]
	return ok
}

// ShouldMockCache memoises shouldMock decisions keyed purely by identifier.
type ShouldMockCache struct {
	byID map[string]bool
}

func NewShouldMockCache() *ShouldMockCache {
	return &ShouldMockCache{byID: make(map[string]bool)}
}

func (c *ShouldMockCache) Get(id modid.ID) (bool, bool) {
	v, ok := c.byID[id.String()]
	return v, ok
}

func (c *ShouldMockCache) Set(id modid.ID, v bool) {
	c.byID[id.String()] = v
}

func (c *ShouldMockCache) Clear() {
	c.byID = make(map[string]bool)
}

// FromShouldMockCache memoises shouldMock decisions keyed by
// (requesting-file, identifier), used by the rule-7 transitive-unmock
// check which depends on the caller, not just the target module.
type FromShouldMockCache struct {
	byKey map[string]bool
}

func NewFromShouldMockCache() *FromShouldMockCache {
	return &FromShouldMockCache{byKey: make(map[string]bool)}
}

func key(from string, id modid.ID) string {
	return from + "\x00" + id.String()
}

func (c *FromShouldMockCache) Get(from string, id modid.ID) (bool, bool) {
	v, ok := c.byKey[key(from, id)]
	return v, ok
}

func (c *FromShouldMockCache) Set(from string, id modid.ID, v bool) {
	c.byKey[key(from, id)] = v
}

func (c *FromShouldMockCache) Clear() {
	c.byKey = make(map[string]bool)
}
