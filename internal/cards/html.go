package cards

import (
	"fmt"
	"strings"
)

// NormalizeHTML is the default rich text canonicalizer: it collapses
// whitespace runs outside of tags, trims the result, and rejects markup with
// unbalanced angle brackets. The editor performs its own richer normalization
// at edit time; this one exists so that programmatic updates diff cleanly
// against editor output.
func NormalizeHTML(html string) (string, error) {
	var builder strings.Builder
	builder.Grow(len(html))

	insideTag := false
	pendingSpace := false
	for _, char := range html {
		switch char {
		case '<':
			if insideTag {
				return "", fmt.Errorf("unbalanced '<' in markup")
			}
			insideTag = true
			if pendingSpace && builder.Len() > 0 {
				builder.WriteByte(' ')
			}
			pendingSpace = false
			builder.WriteRune(char)
		case '>':
			if !insideTag {
				return "", fmt.Errorf("unbalanced '>' in markup")
			}
			insideTag = false
			builder.WriteRune(char)
		case ' ', '\t', '\n', '\r':
			if insideTag {
				builder.WriteRune(' ')
			} else {
				pendingSpace = true
			}
		default:
			if pendingSpace && builder.Len() > 0 {
				builder.WriteByte(' ')
			}
			pendingSpace = false
			builder.WriteRune(char)
		}
	}
	if insideTag {
		return "", fmt.Errorf("unterminated tag in markup")
	}
	return strings.TrimSpace(builder.String()), nil
}

// stripTags removes markup for plain-text length measurement and title
// derivation. It is lenient where NormalizeHTML is strict.
func stripTags(html string) string {
	var builder strings.Builder
	builder.Grow(len(html))
	insideTag := false
	for _, char := range html {
		switch {
		case char == '<':
			insideTag = true
		case char == '>':
			insideTag = false
		case !insideTag:
			builder.WriteRune(char)
		}
	}
	return builder.String()
}
