package runtime

import (
	"strings"

	"github.com/zot/testrt/internal/modid"
	"github.com/zot/testrt/internal/registry"
)

// ShouldMock implements the mock-policy oracle of spec.md section 4.2: an
// ordered rule list, first match wins. Two distinct memo tables are in
// play and must not be confused: fromShouldMockCache is the composite
// (from, identifier)-keyed breadcrumb rule 3 consults and only rule 7
// ever writes (see DESIGN.md's note on the open question this resolves);
// shouldMockCache is the plain identifier-keyed memo rules 4, 6, 7, and 8
// read and write.
func (rt *Runtime) ShouldMock(from, specifier string) (bool, error) {
	// Rule 1.
	candidate := modid.VirtualMockCandidate(from, specifier)
	if rt.virtualMocks.Has(candidate) {
		return true, nil
	}

	// Rule 2. Computing the identifier already performs the full
	// resolution rule 5 calls for explicitly, since Normalise folds
	// resolution in whenever the specifier is not a registered virtual
	// mock (a manual mock does not skip resolution there).
	id, err := rt.normalise(from, specifier)
	if err != nil {
		// Rule 5, failure branch: a manual mock rescues an otherwise
		// unresolvable specifier. No identifier exists to memoise against,
		// so the decision is computed fresh on every such call; this
		// mirrors the unresolved ambiguity spec.md section 9 item 1 notes
		// about the cache's breadcrumb-vs-cross-call semantics.
		if _, ok := rt.resolver.GetMockModule(specifier); ok {
			return true, nil
		}
		return false, &ResolutionError{From: from, Specifier: specifier, Underlying: err}
	}

	if state := rt.explicitMock.Get(id); state != registry.StateUnset {
		return state == registry.StateForceMock, nil
	}

	// Rule 3.
	if !rt.automock || rt.resolver.IsCoreModule(specifier) {
		return false, nil
	}
	if _, ok := rt.fromShouldMockCache.Get(from, id); ok {
		return false, nil
	}

	// Rule 4.
	if v, ok := rt.shouldMockCache.Get(id); ok {
		return v, nil
	}

	// Rule 6.
	if rt.matchesUnmockList(id.AbsolutePath) {
		rt.shouldMockCache.Set(id, false)
		return false, nil
	}

	// Rule 7.
	currentID := rt.identifierOf(from)
	exempt, hasExempt := rt.transitiveUnmock.Get(currentID)
	underNodeModules := strings.Contains(from, "/node_modules/") && strings.Contains(id.AbsolutePath, "/node_modules/")
	currentForcedReal := rt.explicitMock.Get(currentID) == registry.StateForceReal

	if (hasExempt && !exempt) || (underNodeModules && (rt.matchesUnmockList(from) || currentForcedReal)) {
		rt.transitiveUnmock.Set(id, false)
		rt.fromShouldMockCache.Set(from, id, true)
		rt.shouldMockCache.Set(id, false)
		return false, nil
	}

	// Rule 8.
	rt.shouldMockCache.Set(id, true)
	return true, nil
}
