package transform

import (
	"fmt"
	"regexp"
)

// urlPattern matches url(...) in all three quoting styles: double-quoted,
// single-quoted, and unquoted.
var urlPattern = regexp.MustCompile(`url\(\s*(?:"([^"]*)"|'([^']*)'|([^'")\s]*))\s*\)`)

// rewriteCSS rewrites url(...) references whose argument is an absolute
// single-slash path, preserving the original quoting style.
func rewriteCSS(body []byte, tunnelID string) ([]byte, bool) {
	applied := false
	out := urlPattern.ReplaceAllFunc(body, func(m []byte) []byte {
		// A non-participating alternative yields a nil submatch, which is
		// distinguishable from a participating-but-empty match ([]byte{}).
		sub := urlPattern.FindSubmatch(m)
		var value, quote string
		switch {
		case sub[1] != nil:
			value, quote = string(sub[1]), `"`
		case sub[2] != nil:
			value, quote = string(sub[2]), `'`
		default:
			value, quote = string(sub[3]), ""
		}
		if !isRewritableAbsolutePath(value, tunnelID) {
			return m
		}
		applied = true
		return []byte(fmt.Sprintf("url(%s%s%s)", quote, prefixed(value, tunnelID), quote))
	})
	return out, applied
}
