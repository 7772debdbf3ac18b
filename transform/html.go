package transform

import (
	"fmt"
	"regexp"
	"strings"
)

const helperMarker = "<!-- ttf-tunnel-helper -->"

var attrPattern = regexp.MustCompile(`(?is)\b(href|src|action|data-href|data-src|srcset)\s*=\s*(?:"([^"]*)"|'([^']*)')`)

var headOpenPattern = regexp.MustCompile(`(?is)<head(?:\s[^>]*)?>`)

// rewriteHTML rewrites href/src/action/data-href/data-src/srcset attribute
// values that are absolute single-slash paths, and injects the
// __tunnel__ helper script once per document.
func rewriteHTML(body []byte, tunnelID string) ([]byte, bool) {
	s := string(body)
	applied := false

	rewritten := attrPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := attrPattern.FindStringSubmatch(m)
		name, quote, value := sub[1], `"`, sub[2]
		if strings.HasSuffix(m, "'") {
			quote, value = "'", sub[3]
		}
		var newValue string
		var changed bool
		if strings.EqualFold(name, "srcset") {
			newValue, changed = rewriteSrcset(value, tunnelID)
		} else {
			if isRewritableAbsolutePath(value, tunnelID) {
				newValue, changed = prefixed(value, tunnelID), true
			} else {
				newValue = value
			}
		}
		if !changed {
			return m
		}
		applied = true
		return fmt.Sprintf("%s=%s%s%s", name, quote, newValue, quote)
	})

	if strings.Contains(rewritten, helperMarker) {
		// Already injected by a prior pass: idempotent, nothing more to do
		// beyond the attribute rewrite above (which is itself idempotent
		// since already-prefixed values are excluded by
		// isRewritableAbsolutePath).
		return []byte(rewritten), applied
	}

	script := fmt.Sprintf(
		"%s\n<script>window.__tunnel__={id:%q,prefix:%q};</script>\n",
		helperMarker, tunnelID, "/"+tunnelID,
	)

	if loc := headOpenPattern.FindStringIndex(rewritten); loc != nil {
		insertAt := loc[1]
		rewritten = rewritten[:insertAt] + script + rewritten[insertAt:]
	} else {
		rewritten = script + rewritten
	}
	applied = true

	return []byte(rewritten), applied
}

// rewriteSrcset splits a srcset value on commas and rewrites each
// descriptor's URL component individually (spec.md §9 resolves the open
// question this way).
func rewriteSrcset(value, tunnelID string) (string, bool) {
	parts := strings.Split(value, ",")
	changed := false
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		fields := strings.SplitN(trimmed, " ", 2)
		url := fields[0]
		if !isRewritableAbsolutePath(url, tunnelID) {
			continue
		}
		newURL := prefixed(url, tunnelID)
		if len(fields) == 2 {
			parts[i] = newURL + " " + fields[1]
		} else {
			parts[i] = newURL
		}
		changed = true
	}
	if !changed {
		return value, false
	}
	return strings.Join(parts, ", "), true
}
