// Package resolver expands {name} placeholders in an inbound request's query
// string and {{name}} placeholders in its body against a per-target
// variable map.
package resolver

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/tokenrelay/relay/internal/relayerrors"
)

var (
	standalonePlaceholder = regexp.MustCompile(`^\{(\w+)\}$`)
	bodyPlaceholder       = regexp.MustCompile(`\{\{(\w+)\}\}`)
)

// ResolveQuery expands {name} placeholders in rawQuery against vars.
// Literal key=value segments pass through unchanged. An unresolved
// placeholder is a relayerrors.Placeholder error; per the documented
// contract nothing is partially emitted in that case.
func ResolveQuery(rawQuery string, vars map[string]string) (string, error) {
	if rawQuery == "" {
		return "", nil
	}

	// Query values may arrive percent-encoded; decode only the brace
	// escapes so {name} is recognizable without disturbing other encoding.
	decoded := strings.NewReplacer("%7B", "{", "%7b", "{", "%7D", "}", "%7d", "}").Replace(rawQuery)

	segments := strings.Split(decoded, "&")
	resolved := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		key, value, hasEq := strings.Cut(seg, "=")

		if !hasEq {
			if m := standalonePlaceholder.FindStringSubmatch(key); m != nil {
				name := m[1]
				val, ok := vars[name]
				if !ok {
					return "", relayerrors.Placeholder(name)
				}
				resolved = append(resolved, name+"="+url.QueryEscape(val))
				continue
			}
			resolved = append(resolved, seg)
			continue
		}

		if m := standalonePlaceholder.FindStringSubmatch(value); m != nil {
			name := m[1]
			val, ok := vars[name]
			if !ok {
				return "", relayerrors.Placeholder(name)
			}
			resolved = append(resolved, key+"="+url.QueryEscape(val))
			continue
		}
		resolved = append(resolved, seg)
	}
	return strings.Join(resolved, "&"), nil
}

// ResolveBody expands {{name}} placeholders in body against vars. Unknown
// placeholders and single-brace {name} forms are left intact.
func ResolveBody(body []byte, vars map[string]string) []byte {
	return bodyPlaceholder.ReplaceAllFunc(body, func(match []byte) []byte {
		name := string(bodyPlaceholder.FindSubmatch(match)[1])
		val, ok := vars[name]
		if !ok {
			return match
		}
		return []byte(val)
	})
}
