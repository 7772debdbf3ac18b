package transform

import (
	"fmt"
	"regexp"
)

// jsStringLiteralPattern matches a complete string literal whose entire
// content is an absolute path, e.g. "/about" or '/about'. Only exact
// literal matches are rewritten; dynamic expressions (template literals,
// concatenation) are left untouched, per spec.md §4.4's conservative
// policy for JavaScript bodies.
// A literal that is an operand of "+" is matched together with the operator
// (and a following literal, if any) so that it can be left as it is.
var jsStringLiteralPattern = regexp.MustCompile(`(\+\s*)?(?:"(/[^"'\\]*)"|'(/[^"'\\]*)')(\s*\+(?:\s*(?:"[^"\\]*"|'[^'\\]*'))?)?`)

func rewriteJS(body []byte, tunnelID string) ([]byte, bool) {
	applied := false
	out := jsStringLiteralPattern.ReplaceAllFunc(body, func(m []byte) []byte {
		sub := jsStringLiteralPattern.FindSubmatch(m)
		if sub[1] != nil || sub[4] != nil {
			return m // part of a concatenation
		}
		quote, value := `"`, string(sub[2])
		if sub[3] != nil {
			quote, value = "'", string(sub[3])
		}
		if !isRewritableAbsolutePath(value, tunnelID) {
			return m
		}
		applied = true
		return []byte(fmt.Sprintf("%s%s%s", quote, prefixed(value, tunnelID), quote))
	})
	return out, applied
}
