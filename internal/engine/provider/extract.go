package provider

import (
	"encoding/json"
	"strings"
)

// NormalizeText turns a free-form text completion into its usable payload.
// Models frequently wrap a JSON object in prose; when the first balanced
// {...} span parses as JSON it wins, otherwise the trimmed raw string is
// returned with surrounding quote characters stripped.
func NormalizeText(raw string) string {
	if span, ok := extractJSONObject(raw); ok {
		return span
	}

	trimmed := strings.TrimSpace(raw)
	trimmed = strings.Trim(trimmed, `"'`)
	return strings.TrimSpace(trimmed)
}

// extractJSONObject locates the first balanced {...} span in s and reports
// whether it parses as a JSON object. Braces inside string literals do not
// count toward the balance.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				span := s[start : i+1]
				var obj map[string]json.RawMessage
				if err := json.Unmarshal([]byte(span), &obj); err != nil {
					return "", false
				}
				return span, true
			}
		}
	}
	return "", false
}
