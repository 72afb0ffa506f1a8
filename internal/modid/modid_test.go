package modid

import (
	"errors"
	"testing"
)

type fakeResolver struct {
	core     map[string]bool
	real     map[string]string
	mock     map[string]string
	resolve  map[string]string
	resolveErr map[string]error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		core:       map[string]bool{},
		real:       map[string]string{},
		mock:       map[string]string{},
		resolve:    map[string]string{},
		resolveErr: map[string]error{},
	}
}

func (f *fakeResolver) IsCoreModule(specifier string) bool { return f.core[specifier] }

func (f *fakeResolver) ResolveModule(from, specifier string) (string, error) {
	if err, ok := f.resolveErr[from+"|"+specifier]; ok {
		return "", err
	}
	if p, ok := f.resolve[from+"|"+specifier]; ok {
		return p, nil
	}
	return "", errors.New("cannot resolve " + specifier)
}

func (f *fakeResolver) GetModule(specifier string) (string, bool) {
	p, ok := f.real[specifier]
	return p, ok
}

func (f *fakeResolver) GetMockModule(specifier string) (string, bool) {
	p, ok := f.mock[specifier]
	return p, ok
}

func TestNormaliseDeterministic(t *testing.T) {
	ResetProcessCache()
	r := newFakeResolver()
	r.resolve["/t/a.lua|./b"] = "/t/b.lua"
	n := &Normaliser{Resolver: r}

	id1, err := n.Normalise("/t/a.lua", "./b")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := n.Normalise("/t/a.lua", "./b")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("normalise not deterministic: %+v vs %+v", id1, id2)
	}
}

func TestNormaliseBuiltin(t *testing.T) {
	ResetProcessCache()
	r := newFakeResolver()
	r.core["os"] = true
	n := &Normaliser{Resolver: r}

	id, err := n.Normalise("/t/a.lua", "os")
	if err != nil {
		t.Fatal(err)
	}
	if id.Kind != KindBuiltin || id.AbsolutePath != "os" {
		t.Fatalf("expected builtin identifier, got %+v", id)
	}
}

func TestNormaliseVirtualMockCandidate(t *testing.T) {
	ResetProcessCache()
	r := newFakeResolver()
	n := &Normaliser{
		Resolver: r,
		IsVirtualMock: func(candidate string) bool {
			return candidate == "nope"
		},
	}

	id, err := n.Normalise("/t/x.lua", "nope")
	if err != nil {
		t.Fatal(err)
	}
	if id.AbsolutePath != "nope" {
		t.Fatalf("expected virtual mock candidate to become the absolute path, got %+v", id)
	}
}

func TestVirtualMockCandidateBareName(t *testing.T) {
	if got := VirtualMockCandidate("/t/x.lua", "nope"); got != "nope" {
		t.Fatalf("expected bare specifier unchanged, got %q", got)
	}
}

func TestVirtualMockCandidateRelative(t *testing.T) {
	if got := VirtualMockCandidate("/t/sub/x.lua", "./m"); got != "/t/sub/m" {
		t.Fatalf("expected relative specifier resolved against dirname, got %q", got)
	}
}
