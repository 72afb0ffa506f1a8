// Package modid computes and memoises module identifiers.
//
// An identifier is the canonical, cacheable key for a (requesting-file,
// specifier) pair: a (kind, absolute path, mock path) triple. Two requires
// of the same specifier from the same file must always produce an
// identical identifier, and the identifier is what the mock-policy oracle
// and the mock registry key their decisions and storage on.
package modid

import (
	"os"
	"strings"
	"sync"
)

// Kind distinguishes built-in modules (delivered by the host, never
// resolved to a path) from ordinary user modules.
type Kind int

const (
	KindUser Kind = iota
	KindBuiltin
)

// ID is a module identifier: the triple described in spec.md section 3.
type ID struct {
	Kind         Kind
	AbsolutePath string
	MockPath     string
}

// String serialises the identifier with the host path-list separator,
// matching spec.md's "serialised as a string with the host path-list
// separator" requirement.
func (id ID) String() string {
	kind := "user"
	if id.Kind == KindBuiltin {
		return "builtin" + string(os.PathListSeparator) + id.AbsolutePath
	}
	return kind + string(os.PathListSeparator) + id.AbsolutePath + string(os.PathListSeparator) + id.MockPath
}

// Resolver is the subset of the file-resolver contract the normaliser needs.
// See internal/resolver.Resolver for the full contract; this narrower view
// keeps modid free of a dependency on the concrete resolver package.
type Resolver interface {
	IsCoreModule(specifier string) bool
	ResolveModule(from, specifier string) (string, error)
	GetModule(specifier string) (string, bool)
	GetMockModule(specifier string) (string, bool)
}

// Normaliser computes module identifiers and memoises them in a
// process-wide table, keyed on the (from, specifier) pair. The memo table
// is shared across every *Normaliser value, mirroring spec.md section 5's
// "the normaliser's identifier cache [is] process-wide (shared across
// Runtime instances)". The sharing is implemented the same way the
// teacher's internal/lua/wrapper.go shares globalWrapperFactories: a
// package-level map guarded by its own mutex.
type Normaliser struct {
	Resolver Resolver

	// IsVirtualMock reports whether a virtual-mock candidate path
	// (computed per spec.md section 4.8) has been registered as virtual.
	// Supplied by the owning Runtime so the normaliser doesn't need to know
	// about the virtual-mock set's storage.
	IsVirtualMock func(candidatePath string) bool
}

var processCache = struct {
	mu      sync.Mutex
	entries map[string]ID
}{entries: make(map[string]ID)}

// Normalise implements spec.md section 4.1.
func (n *Normaliser) Normalise(from, specifier string) (ID, error) {
	key := from + "\x00" + specifier
	processCache.mu.Lock()
	if id, ok := processCache.entries[key]; ok {
		processCache.mu.Unlock()
		return id, nil
	}
	processCache.mu.Unlock()

	id, err := n.compute(from, specifier)
	if err != nil {
		return ID{}, err
	}

	processCache.mu.Lock()
	processCache.entries[key] = id
	processCache.mu.Unlock()
	return id, nil
}

func (n *Normaliser) compute(from, specifier string) (ID, error) {
	if n.Resolver.IsCoreModule(specifier) {
		return ID{Kind: KindBuiltin, AbsolutePath: specifier}, nil
	}

	var absolutePath string
	_, hasReal := n.Resolver.GetModule(specifier)
	mockPath, hasMock := n.Resolver.GetMockModule(specifier)

	if !hasReal && !hasMock {
		candidate := VirtualMockCandidate(from, specifier)
		if n.IsVirtualMock != nil && n.IsVirtualMock(candidate) {
			absolutePath = candidate
		}
	}

	if absolutePath == "" {
		resolved, err := n.Resolver.ResolveModule(from, specifier)
		if err != nil {
			return ID{}, err
		}
		absolutePath = resolved
	}

	return ID{Kind: KindUser, AbsolutePath: absolutePath, MockPath: mockPath}, nil
}

// VirtualMockCandidate computes the path a virtual mock would live at, per
// spec.md section 4.8: bare specifiers are returned unchanged, relative
// specifiers are resolved against the requesting file's directory.
func VirtualMockCandidate(from, specifier string) string {
	if !strings.HasPrefix(specifier, ".") && !strings.HasPrefix(specifier, "/") {
		return specifier
	}
	return joinClean(dirOf(from), specifier)
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

// joinClean joins dir and rel the way filepath.Join + filepath.Clean would,
// kept local (rather than importing path/filepath) so the virtual-mock
// candidate is computed identically regardless of host OS path separator
// conventions baked into a specifier string.
func joinClean(dir, rel string) string {
	combined := dir + "/" + rel
	parts := strings.Split(combined, "/")
	stack := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, p)
		}
	}
	result := strings.Join(stack, "/")
	if strings.HasPrefix(combined, "/") {
		return "/" + result
	}
	return result
}

// ResetProcessCache clears the process-wide identifier memo. Exposed only
// for tests: spec.md never calls for clearing it in normal operation.
func ResetProcessCache() {
	processCache.mu.Lock()
	defer processCache.mu.Unlock()
	processCache.entries = make(map[string]ID)
}
