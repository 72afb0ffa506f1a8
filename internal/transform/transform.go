// Package transform turns module source text into an executable Script,
// the "source transformer" external collaborator of spec.md section 1.
// For this sandbox the target language is Lua, so "transforming" is
// gopher-lua's own parse/compile pipeline (the teacher already carries
// this dependency for exactly this purpose) preceded by an optional
// coverage-instrumentation rewrite of the source text.
package transform

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// WrapperField is the fixed property name the compiled wrapper function is
// exposed under on a Script's evaluation result, per spec.md section 6's
// "the transformer also exposes a constant naming the property under
// which the wrapper appears". gopher-lua has no notion of multiple named
// exports from one compiled chunk, so the chunk produced by Wrap simply
// returns the wrapper function: evaluating the Script yields the wrapper,
// which the loader then calls. Nothing looks the wrapper up by this name.
const WrapperField = "__testrt_wrapper__"

// Script is an evaluable compiled unit, the return type of Transform.
type Script struct {
	Proto    *lua.FunctionProto
	Filename string
}

// InstrumentHook rewrites source text to record per-line execution counts,
// bound to a specific file's collector by the caller (internal/runtime,
// per spec.md section 4.5 step 5: "passing an optional instrumentation
// hook bound to this file's collector").
type InstrumentHook func(source, filename string) (string, error)

// Transformer is the contract spec.md section 6 describes.
type Transformer interface {
	Transform(filename string, source string, instrument InstrumentHook) (*Script, error)
}

// LuaTransformer compiles Lua source via gopher-lua's parser/compiler.
// Module bodies are wrapped so that they receive, in order, the nine
// arguments spec.md section 4.5 step 7 specifies: context (module.exports),
// module, module.exports, require, dirname, filename, sandbox-global,
// facade, coverage-store — expressed in Lua as the vararg-free parameter
// list below, which the loader supplies positionally when it calls the
// function the compiled chunk returns.
type LuaTransformer struct{}

const wrapperParams = "__ctx, module, exports, require, dirname, filename, _G, facade, __coverage"

// Wrap produces the wrapped source text a module file's body is compiled
// from: a single Lua function literal taking the wrapper parameters and
// running the original body against them. Wrapping at the text level
// (rather than via gopher-lua's environment/upvalue machinery) keeps the
// wrapper argument order an explicit, auditable contract rather than an
// implicit VM feature, matching spec.md section 4.5's emphasis on a fixed
// call-argument order.
func Wrap(source string) string {
	var b strings.Builder
	b.WriteString("return function(")
	b.WriteString(wrapperParams)
	b.WriteString(")\n")
	b.WriteString(source)
	b.WriteString("\nend\n")
	return b.String()
}

func (t *LuaTransformer) Transform(filename, source string, instrument InstrumentHook) (*Script, error) {
	if instrument != nil {
		instrumented, err := instrument(source, filename)
		if err != nil {
			return nil, fmt.Errorf("instrumenting %s: %w", filename, err)
		}
		source = instrumented
	}

	wrapped := Wrap(source)

	chunk, err := parse.Parse(strings.NewReader(wrapped), filename)
	if err != nil {
		return nil, &SyntaxError{Filename: filename, Err: err}
	}
	proto, err := lua.Compile(chunk, filename)
	if err != nil {
		return nil, &SyntaxError{Filename: filename, Err: err}
	}

	return &Script{Proto: proto, Filename: filename}, nil
}

// SyntaxError marks a parse/compile failure so callers (internal/runtime's
// execModule) can recognise it and attach preprocessor guidance without
// string-matching gopher-lua's error text, per spec.md section 7's
// "syntax-error during sandbox evaluation" error kind.
type SyntaxError struct {
	Filename string
	Err      error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error in %s: %v", e.Filename, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }
