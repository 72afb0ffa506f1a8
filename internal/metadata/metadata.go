// Package metadata introspects a live Lua value into a serialisable shape
// and re-materialises a fresh value from that shape, the "mock-metadata
// library" external collaborator spec.md section 1 lists by contract.
// Walking the lua.LTable tree and telling array from object apart is
// grounded on internal/lua/runtime.go's GoToLua/LuaToGo pair and its
// isArray helper (numeric-only keys, string keys beginning with "_"
// treated as internal and skipped); copyInitTable's shallow-copy-for-
// change-detection idiom is the same shape-snapshot move applied here to
// build Metadata instead of a live lua.LTable copy.
package metadata

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Kind tags what shape a Metadata node describes.
type Kind int

const (
	KindNil Kind = iota
	KindBoolean
	KindNumber
	KindString
	KindFunction
	KindObject
	KindArray
)

// Metadata is the serialisable shape getMetadata extracts from a live
// value. Primitive leaves carry their actual value (regenerating an
// automock keeps primitive exports intact, only functions become mocks);
// functions carry none, since generateFromMetadata always replaces a
// function with a fresh recording mock rather than the original closure.
type Metadata struct {
	Kind     Kind
	Bool     bool
	Number   lua.LNumber
	Str      string
	Fields   map[string]*Metadata // KindObject
	Elements []*Metadata          // KindArray
}

// GetMetadata is the metadata library's getMetadata(value) → metadata |
// nil contract. It returns an error (rather than the spec's null) for
// values with no representable shape, e.g. a Go userdata this sandbox
// never produces; callers translate that into the automock-metadata-
// failure error kind spec.md section 7 names.
func GetMetadata(value lua.LValue) (*Metadata, error) {
	switch v := value.(type) {
	case *lua.LNilType:
		return &Metadata{Kind: KindNil}, nil
	case lua.LBool:
		return &Metadata{Kind: KindBoolean, Bool: bool(v)}, nil
	case lua.LNumber:
		return &Metadata{Kind: KindNumber, Number: v}, nil
	case lua.LString:
		return &Metadata{Kind: KindString, Str: string(v)}, nil
	case *lua.LFunction:
		return &Metadata{Kind: KindFunction}, nil
	case *lua.LTable:
		return getTableMetadata(v)
	default:
		return nil, fmt.Errorf("metadata: cannot introspect value of type %T", value)
	}
}

func getTableMetadata(t *lua.LTable) (*Metadata, error) {
	hasNumericKeys := false
	hasStringKeys := false
	maxN := 0
	var walkErr error
	t.ForEach(func(key, _ lua.LValue) {
		switch k := key.(type) {
		case lua.LNumber:
			hasNumericKeys = true
			if int(k) > maxN {
				maxN = int(k)
			}
		case lua.LString:
			if len(k) > 0 && k[0] != '_' {
				hasStringKeys = true
			}
		}
	})
	if walkErr != nil {
		return nil, walkErr
	}

	if hasNumericKeys && !hasStringKeys && maxN > 0 {
		elements := make([]*Metadata, maxN)
		for i := 1; i <= maxN; i++ {
			child, err := GetMetadata(t.RawGetInt(i))
			if err != nil {
				return nil, err
			}
			elements[i-1] = child
		}
		return &Metadata{Kind: KindArray, Elements: elements}, nil
	}

	fields := make(map[string]*Metadata)
	t.ForEach(func(key, value lua.LValue) {
		if walkErr != nil {
			return
		}
		ks, ok := key.(lua.LString)
		if !ok || (len(ks) > 0 && ks[0] == '_') {
			return
		}
		child, err := GetMetadata(value)
		if err != nil {
			walkErr = err
			return
		}
		fields[string(ks)] = child
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return &Metadata{Kind: KindObject, Fields: fields}, nil
}

// GenerateFromMetadata is generateFromMetadata(metadata) → mockValue: it
// rebuilds a fresh Lua value from a shape, turning every function leaf
// into a new recording mock function (never the original), and recursing
// into fresh tables for objects and arrays so no two calls ever alias the
// same table.
func GenerateFromMetadata(L *lua.LState, md *Metadata) lua.LValue {
	switch md.Kind {
	case KindNil:
		return lua.LNil
	case KindBoolean:
		return lua.LBool(md.Bool)
	case KindNumber:
		return md.Number
	case KindString:
		return lua.LString(md.Str)
	case KindFunction:
		return NewMockFunction(L, nil)
	case KindObject:
		tbl := L.NewTable()
		for k, child := range md.Fields {
			L.SetField(tbl, k, GenerateFromMetadata(L, child))
		}
		return tbl
	case KindArray:
		tbl := L.NewTable()
		for i, child := range md.Elements {
			L.RawSetInt(tbl, i+1, GenerateFromMetadata(L, child))
		}
		return tbl
	default:
		return lua.LNil
	}
}
