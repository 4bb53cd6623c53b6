// Package sanitizer implements the response sanitizer: a depth-first
// walk over a response payload that replaces any string matching a
// credential pattern with "[REDACTED]" and records the JSONPath of
// every redaction. The input tree is never mutated; the walker always
// returns a freshly allocated copy.
package sanitizer

import "strconv"

const redactedLiteral = "[REDACTED]"

// Result is the sanitizer's output: the freshly allocated, redacted
// value and the ordered list of JSONPaths where a redaction occurred.
type Result struct {
	Value         any
	RedactedPaths []string
}

// Sanitize walks value depth-first and returns a redacted copy plus
// every path where a credential pattern matched. Non-string leaves,
// nil, arrays, and maps are recursed into or passed through unchanged;
// only matching strings are replaced.
func Sanitize(value any) Result {
	var paths []string
	redacted := walk(value, "$", &paths)
	return Result{Value: redacted, RedactedPaths: paths}
}

func walk(value any, path string, paths *[]string) any {
	switch v := value.(type) {
	case string:
		if containsCredential(v) {
			*paths = append(*paths, path)
			return redactedLiteral
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = walk(child, path+"."+key, paths)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = walk(child, path+"["+strconv.Itoa(i)+"]", paths)
		}
		return out
	default:
		return v
	}
}

func containsCredential(s string) bool {
	for _, pattern := range credentialPatterns {
		if pattern.MatchString(s) {
			return true
		}
	}
	return false
}
