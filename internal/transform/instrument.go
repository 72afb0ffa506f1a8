package transform

import (
	"fmt"
	"strings"
)

// CoverageParam is the wrapper parameter name (see wrapperParams) that
// instrumented source writes its per-line hit counts into — the "data
// store" a coverage collector exposes for one file, passed in positionally
// rather than reached via a global, per spec.md section 4.5 step 7's
// fixed nine-argument call order.
const CoverageParam = "__coverage"

// NewLineInstrumenter returns an InstrumentHook that prefixes every
// non-blank, non-comment source line with a counter increment against
// CoverageParam, keyed by line number. This is a line-coverage scheme,
// not statement-level AST instrumentation — simple enough to implement
// as textual rewriting (in the spirit of the teacher's own text-level
// scanning in internal/bundle/bundle.go), which is all a single-file
// module loader needs to report extractRuntimeCoverageInfo.
func NewLineInstrumenter() InstrumentHook {
	return func(source, filename string) (string, error) {
		lines := strings.Split(source, "\n")
		var b strings.Builder
		for i, line := range lines {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				b.WriteString(line)
			} else {
				fmt.Fprintf(&b, "%s[%d] = (%s[%d] or 0) + 1; %s",
					CoverageParam, i+1, CoverageParam, i+1, line)
			}
			if i != len(lines)-1 {
				b.WriteByte('\n')
			}
		}
		return b.String(), nil
	}
}
