package expression

import (
	"regexp"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// Interpolate replaces {{path.to.value}} tokens in template with values resolved
// from context. Unresolved tokens render as empty strings; structures render as JSON.
//
// When template is an already serialized JSON document, interpolated values are
// spliced in verbatim and may break quoting; InterpolateValue avoids that.
func Interpolate(template string, context any) string {
	if !HasTokens(template) {
		return template
	}

	return replaceTokens(template, NewDocument(context))
}

func replaceTokens(s string, doc Document) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		value, found := doc.Lookup(tokenPattern.FindStringSubmatch(token)[1])
		if !found {
			return ""
		}

		return Stringify(value)
	})
}

// HasTokens reports whether s contains at least one {{...}} token.
func HasTokens(s string) bool {
	return tokenPattern.MatchString(s)
}

// InterpolateValue walks a decoded value tree and interpolates string leaves only,
// so the result can be serialized safely. A leaf that is exactly one token keeps
// the resolved value's type instead of becoming a string.
func InterpolateValue(tree any, context any) any {
	return interpolateTree(tree, NewDocument(context))
}

func interpolateTree(tree any, doc Document) any {
	switch node := tree.(type) {
	case string:
		return interpolateLeaf(node, doc)
	case map[string]any:
		out := make(map[string]any, len(node))
		for key, value := range node {
			out[key] = interpolateTree(value, doc)
		}

		return out
	case []any:
		out := make([]any, len(node))
		for i, value := range node {
			out[i] = interpolateTree(value, doc)
		}

		return out
	default:
		return tree
	}
}

func interpolateLeaf(leaf string, doc Document) any {
	if match := tokenPattern.FindStringSubmatchIndex(leaf); match != nil && match[0] == 0 && match[1] == len(leaf) {
		value, found := doc.Lookup(leaf[match[2]:match[3]])
		if !found {
			return ""
		}

		return value
	}

	if !HasTokens(leaf) {
		return leaf
	}

	return replaceTokens(leaf, doc)
}
