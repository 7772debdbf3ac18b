// Package transform implements C4, the path-mode response rewriter.
// spec.md has no teacher analogue for this component (the teacher relays
// opaque encrypted records and never inspects body content); the
// implementation follows the teacher's general preference for small
// hand-rolled scanners over heavyweight parser dependencies — no HTML or
// CSS parser appears anywhere in the retrieval pack, so none is introduced
// here.
package transform

import (
	"strings"
)

// Result describes the outcome of Apply.
type Result struct {
	Body    []byte
	Applied bool
}

// Apply rewrites body according to contentType, prefixing absolute
// single-slash URLs with "/"+tunnelID. It never returns an error: on any
// decoding or rewriting failure it returns the original body unchanged,
// per spec.md §4.4's fail-safe policy.
func Apply(contentType string, body []byte, tunnelID string) Result {
	mt := mediaType(contentType)
	switch mt {
	case "text/html", "application/xhtml+xml":
		return safeApply(body, func(b []byte) ([]byte, bool) { return rewriteHTML(b, tunnelID) })
	case "text/css", "application/css":
		return safeApply(body, func(b []byte) ([]byte, bool) { return rewriteCSS(b, tunnelID) })
	case "application/javascript", "text/javascript":
		return safeApply(body, func(b []byte) ([]byte, bool) { return rewriteJS(b, tunnelID) })
	case "application/json":
		return safeApply(body, func(b []byte) ([]byte, bool) { return rewriteJSON(b, tunnelID) })
	default:
		// Pass through untouched; do not even decode, per spec.md §4.4.
		return Result{Body: body, Applied: false}
	}
}

// safeApply recovers from any panic in the rewriter (defensive against a
// malformed or adversarial body) and falls back to the original content,
// matching "never surface a 500 from the transform".
func safeApply(body []byte, rewrite func([]byte) ([]byte, bool)) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Body: body, Applied: false}
		}
	}()
	out, applied := rewrite(body)
	return Result{Body: out, Applied: applied}
}

func mediaType(contentType string) string {
	mt := contentType
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// isRewritableAbsolutePath reports whether s is an absolute single-slash
// path that is not already tunnel-prefixed, per spec.md §4.4.
func isRewritableAbsolutePath(s, tunnelID string) bool {
	if !strings.HasPrefix(s, "/") {
		return false
	}
	if strings.HasPrefix(s, "//") {
		return false
	}
	prefix := "/" + tunnelID + "/"
	if strings.HasPrefix(s, prefix) {
		return false
	}
	if s == "/"+tunnelID {
		return false
	}
	return true
}

func prefixed(s, tunnelID string) string {
	return "/" + tunnelID + s
}

