package metadata

import (
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestGetMetadataPrimitives(t *testing.T) {
	cases := []struct {
		name  string
		value lua.LValue
		kind  Kind
	}{
		{"nil", lua.LNil, KindNil},
		{"bool", lua.LTrue, KindBoolean},
		{"number", lua.LNumber(7), KindNumber},
		{"string", lua.LString("x"), KindString},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			md, err := GetMetadata(c.value)
			if err != nil {
				t.Fatal(err)
			}
			if md.Kind != c.kind {
				t.Fatalf("expected kind %v, got %v", c.kind, md.Kind)
			}
		})
	}
}

func TestGetMetadataObjectAndArray(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	obj := L.NewTable()
	L.SetField(obj, "k", lua.LNumber(1))
	md, err := GetMetadata(obj)
	if err != nil {
		t.Fatal(err)
	}
	if md.Kind != KindObject {
		t.Fatalf("expected object, got %v", md.Kind)
	}
	if md.Fields["k"].Kind != KindNumber {
		t.Fatalf("expected field k to be a number")
	}

	arr := L.NewTable()
	L.RawSetInt(arr, 1, lua.LString("a"))
	L.RawSetInt(arr, 2, lua.LString("b"))
	md, err = GetMetadata(arr)
	if err != nil {
		t.Fatal(err)
	}
	if md.Kind != KindArray || len(md.Elements) != 2 {
		t.Fatalf("expected a 2-element array, got %+v", md)
	}
}

func TestGetMetadataSkipsUnderscoreFields(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	obj := L.NewTable()
	L.SetField(obj, "_private", lua.LNumber(1))
	L.SetField(obj, "public", lua.LNumber(2))

	md, err := GetMetadata(obj)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := md.Fields["_private"]; ok {
		t.Fatalf("expected underscore-prefixed field skipped")
	}
	if _, ok := md.Fields["public"]; !ok {
		t.Fatalf("expected public field retained")
	}
}

func TestGetMetadataFunction(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	fn := L.NewFunction(func(L *lua.LState) int { return 0 })
	md, err := GetMetadata(fn)
	if err != nil {
		t.Fatal(err)
	}
	if md.Kind != KindFunction {
		t.Fatalf("expected function kind, got %v", md.Kind)
	}
}

func TestGenerateFromMetadataFunctionBecomesMock(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	md := &Metadata{Kind: KindFunction}
	value := GenerateFromMetadata(L, md)
	if !IsMockFunction(value) {
		t.Fatalf("expected a generated function leaf to be a mock function")
	}
}

func TestGenerateFromMetadataRoundTripsObject(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	obj := L.NewTable()
	L.SetField(obj, "count", lua.LNumber(5))
	L.SetField(obj, "k", L.NewFunction(func(L *lua.LState) int { return 0 }))

	md, err := GetMetadata(obj)
	if err != nil {
		t.Fatal(err)
	}
	regenerated := GenerateFromMetadata(L, md)
	tbl, ok := regenerated.(*lua.LTable)
	if !ok {
		t.Fatalf("expected a table, got %T", regenerated)
	}
	if tbl.RawGetString("count") != lua.LNumber(5) {
		t.Fatalf("expected primitive field preserved")
	}
	if !IsMockFunction(tbl.RawGetString("k")) {
		t.Fatalf("expected function field replaced with a mock function")
	}
}

func TestGenerateFromMetadataDoesNotAliasAcrossCalls(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	md := &Metadata{Kind: KindObject, Fields: map[string]*Metadata{"n": {Kind: KindNumber, Number: 1}}}

	a := GenerateFromMetadata(L, md).(*lua.LTable)
	b := GenerateFromMetadata(L, md).(*lua.LTable)
	if a == b {
		t.Fatalf("expected distinct table instances across calls")
	}
}
