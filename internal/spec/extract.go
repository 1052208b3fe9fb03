package spec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON locates the JSON payload in agent output. It prefers a
// ```json fenced block; failing that it takes the widest balanced {...}
// span outside of strings.
func ExtractJSON(output string) (string, error) {
	if block, ok := extractFencedBlock(output); ok {
		return block, nil
	}
	if span, ok := extractBraceSpan(output); ok {
		return span, nil
	}
	return "", fmt.Errorf("no JSON payload found in output")
}

// extractFencedBlock returns the contents of the last ```json fence.
func extractFencedBlock(output string) (string, bool) {
	const open = "```json"
	start := strings.LastIndex(output, open)
	if start < 0 {
		return "", false
	}
	rest := output[start+len(open):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// extractBraceSpan returns the first balanced top-level object span.
// Brace counting ignores braces inside string literals.
func extractBraceSpan(output string) (string, bool) {
	start := strings.Index(output, "{")
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(output); i++ {
		c := output[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return output[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// FixJSONString escapes literal newlines, carriage returns, and tabs that
// appear inside string literals. Agents routinely emit multi-line strings
// verbatim, which encoding/json rejects.
func FixJSONString(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			b.WriteByte(c)
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
			b.WriteByte(c)
		case '\n':
			if inString {
				b.WriteString(`\n`)
			} else {
				b.WriteByte(c)
			}
		case '\r':
			if inString {
				b.WriteString(`\r`)
			} else {
				b.WriteByte(c)
			}
		case '\t':
			if inString {
				b.WriteString(`\t`)
			} else {
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ParseJSON unmarshals candidate into v, trying the raw string first and
// the fixed form second.
func ParseJSON(candidate string, v any) error {
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}
	fixed := FixJSONString(candidate)
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("parse JSON payload: %w", err)
	}
	return nil
}

// LikelyTruncated reports whether output looks like it was cut off
// mid-payload: a trailing quote or comma, or an unclosed ```json fence.
func LikelyTruncated(output string) bool {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '"', ',':
		return true
	}
	if idx := strings.LastIndex(trimmed, "```json"); idx >= 0 {
		if !strings.Contains(trimmed[idx+len("```json"):], "```") {
			return true
		}
	}
	return false
}

// Tail returns the last n bytes of s, trimming to a line boundary when
// possible so error messages stay readable.
func Tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	tail := s[len(s)-n:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return tail
}
