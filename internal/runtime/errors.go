package runtime

import (
	"errors"
	"fmt"

	"github.com/zot/testrt/internal/transform"
)

// Sentinel errors for the four kinds spec.md section 7 names, so a caller
// can test the kind of failure with errors.Is without caring which typed
// error carries the detail.
var (
	ErrResolution       = errors.New("resolution failure")
	ErrSyntax           = errors.New("syntax error")
	ErrAutomockMetadata = errors.New("automock metadata failure")
	ErrSandboxTornDown  = errors.New("sandbox torn down")
)

// ResolutionError marks the error kind spec.md section 7 names
// "resolution-failure": a specifier the resolver could not resolve and
// for which no manual mock rescued the call.
type ResolutionError struct {
	From       string
	Specifier  string
	Underlying error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %q from %q: %v", e.Specifier, e.From, e.Underlying)
}

func (e *ResolutionError) Unwrap() error { return e.Underlying }

// Is lets errors.Is(err, ErrResolution) recognize any ResolutionError.
func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

// AutomockMetadataError marks the "automock-metadata-failure" error kind:
// the metadata library returned no representable shape for a module's
// exports.
type AutomockMetadataError struct {
	Path       string
	Underlying error
}

func (e *AutomockMetadataError) Error() string {
	return fmt.Sprintf("cannot automock %s: %v (see the mock-metadata library's documentation for supported value shapes)", e.Path, e.Underlying)
}

func (e *AutomockMetadataError) Unwrap() error { return e.Underlying }

// Is lets errors.Is(err, ErrAutomockMetadata) recognize any AutomockMetadataError.
func (e *AutomockMetadataError) Is(target error) bool { return target == ErrAutomockMetadata }

// IsSyntaxError reports whether err is (or wraps) a transformer syntax
// error, the "syntax-error during sandbox evaluation" kind spec.md
// section 7 names.
func IsSyntaxError(err error) bool {
	var syntaxErr *transform.SyntaxError
	return errors.As(err, &syntaxErr) || errors.Is(err, ErrSyntax)
}
