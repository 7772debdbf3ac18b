package transform

import "encoding/json"

// jsonURLKeys is the safe minimum of URL-bearing keys named in spec.md §9.
var jsonURLKeys = map[string]struct{}{
	"href":   {},
	"url":    {},
	"src":    {},
	"action": {},
}

// rewriteJSON walks the parse tree and rewrites string values of
// recognized keys that satisfy the absolute-path rule, preserving all
// other fields and structure (spec.md §4.4).
func rewriteJSON(body []byte, tunnelID string) ([]byte, bool) {
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		panic(err) // recovered by safeApply: malformed JSON falls back to original body
	}
	applied := false
	rewritten := rewriteJSONValue(root, tunnelID, &applied)
	if !applied {
		return body, false
	}
	out, err := json.Marshal(rewritten)
	if err != nil {
		panic(err)
	}
	return out, true
}

func rewriteJSONValue(v any, tunnelID string, applied *bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if s, ok := child.(string); ok {
				if _, recognized := jsonURLKeys[k]; recognized && isRewritableAbsolutePath(s, tunnelID) {
					out[k] = prefixed(s, tunnelID)
					*applied = true
					continue
				}
			}
			out[k] = rewriteJSONValue(child, tunnelID, applied)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = rewriteJSONValue(child, tunnelID, applied)
		}
		return out
	default:
		return v
	}
}
