package runtime

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/zot/testrt/internal/metadata"
	"github.com/zot/testrt/internal/registry"
)

// generateMock is generateMock(from, specifier) → mock, spec.md section
// 4.6.
func (rt *Runtime) generateMock(from, specifier string) (lua.LValue, error) {
	id, err := rt.normalise(from, specifier)
	if err != nil {
		return nil, err
	}
	absPath := id.AbsolutePath

	rt.metadataMu.Lock()
	md, cached := rt.metadataCache[absPath]
	rt.metadataMu.Unlock()

	if !cached {
		// Seed the cache with a trivial shape first so a cycle re-entering
		// generateMock for the same path sees an empty object rather than
		// recursing back into this same computation.
		rt.metadataMu.Lock()
		rt.metadataCache[absPath] = &metadata.Metadata{Kind: metadata.KindObject, Fields: map[string]*metadata.Metadata{}}
		rt.metadataMu.Unlock()

		exports, err := rt.isolatedRequire(from, specifier)
		if err != nil {
			return nil, err
		}

		computed, err := metadata.GetMetadata(exports)
		if err != nil || computed == nil {
			return nil, &AutomockMetadataError{Path: absPath, Underlying: err}
		}

		rt.metadataMu.Lock()
		rt.metadataCache[absPath] = computed
		rt.metadataMu.Unlock()
		md = computed
	}

	return metadata.GenerateFromMetadata(rt.env.State(), md), nil
}

// isolatedRequire swaps out the module and mock registries for fresh empty
// ones, calls requireModule to obtain the live exports, then restores the
// originals — spec.md section 4.6's isolation step, ensuring executing the
// real module during automock never pollutes the caller's cache or exposes
// partially-initialised state elsewhere (testable property 5).
func (rt *Runtime) isolatedRequire(from, specifier string) (lua.LValue, error) {
	savedModules := rt.moduleRegistry
	savedMocks := rt.mockRegistry
	rt.moduleRegistry = registry.NewModuleRegistry()
	rt.mockRegistry = registry.NewMockRegistry()
	defer func() {
		rt.moduleRegistry = savedModules
		rt.mockRegistry = savedMocks
	}()

	return rt.RequireModule(from, specifier)
}
