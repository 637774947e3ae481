package validation

import (
	"regexp"
)

// maxScanDepth bounds recursion into nested objects and arrays so a crafted
// deeply nested payload cannot exhaust the stack.
const maxScanDepth = 8

// maxStripPasses bounds the re-scan loop when stripping, so overlapping
// matches ("<scr<script>ipt>") cannot reassemble a hazard.
const maxStripPasses = 8

type threatPattern struct {
	name string
	re   *regexp.Regexp
}

var threatPatterns = []threatPattern{
	{name: "script injection", re: regexp.MustCompile(`(?i)<\s*/?\s*(script|iframe|object|embed)\b[^>]*>?`)},
	{name: "event handler injection", re: regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|focus)\s*=`)},
	{name: "sql keyword", re: regexp.MustCompile(`(?i)\b(union\s+select|select\s+\*|insert\s+into|delete\s+from|drop\s+(table|database)|truncate\s+table|exec(ute)?\s*\()`)},
	{name: "sql comment", re: regexp.MustCompile(`--|/\*|\*/`)},
	{name: "sql tautology", re: regexp.MustCompile(`(?i)'\s*or\s+'?\d+'?\s*=\s*'?\d+`)},
	{name: "path traversal", re: regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f|%2e%2e%5c)`)},
	{name: "template injection", re: regexp.MustCompile(`\$\{[^}]*\}?|\{\{[^}]*\}?\}?|<%[^%]*%?>?`)},
	{name: "protocol scheme injection", re: regexp.MustCompile(`(?i)\b(javascript|vbscript|file|ldap|data)\s*:`)},
	{name: "control characters", re: regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]")},
	{name: "crlf injection", re: regexp.MustCompile(`(?i)(\r|\n|%0d|%0a)`)},
}

// scanString returns the name of the first matching threat pattern, or "".
func scanString(value string) string {
	for _, pattern := range threatPatterns {
		if pattern.re.MatchString(value) {
			return pattern.name
		}
	}
	return ""
}

// stripString removes every matching threat substring from value. Passes
// repeat until the value is stable or the pass budget is exhausted, in which
// case the remainder is dropped entirely.
func stripString(value string) string {
	for pass := 0; pass < maxStripPasses; pass++ {
		before := value
		for _, pattern := range threatPatterns {
			value = pattern.re.ReplaceAllString(value, "")
		}
		if value == before {
			return value
		}
	}
	return ""
}

// scanValue walks nested maps and slices up to maxScanDepth and reports the
// first threat found. Depth overflow itself counts as a threat: a payload we
// cannot fully inspect is not safe to pass through.
func scanValue(value any, depth int) string {
	if depth > maxScanDepth {
		return "nesting depth exceeds scan limit"
	}

	switch typed := value.(type) {
	case string:
		return scanString(typed)
	case map[string]any:
		for key, nested := range typed {
			if reason := scanString(key); reason != "" {
				return reason
			}
			if reason := scanValue(nested, depth+1); reason != "" {
				return reason
			}
		}
	case []any:
		for _, nested := range typed {
			if reason := scanValue(nested, depth+1); reason != "" {
				return reason
			}
		}
	}
	return ""
}

// stripValue returns a copy of value with threat substrings removed from
// every nested string. Values past the depth limit are dropped.
func stripValue(value any, depth int) any {
	if depth > maxScanDepth {
		return nil
	}

	switch typed := value.(type) {
	case string:
		return stripString(typed)
	case map[string]any:
		clean := make(map[string]any, len(typed))
		for key, nested := range typed {
			if scanString(key) != "" {
				continue
			}
			clean[key] = stripValue(nested, depth+1)
		}
		return clean
	case []any:
		out := make([]any, 0, len(typed))
		for _, nested := range typed {
			out = append(out, stripValue(nested, depth+1))
		}
		return out
	default:
		return value
	}
}
