package wire

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Control characters are stripped outright; tab, newline and carriage
// return survive because multi-line log excerpts are legitimate detail
// values.
var (
	controlRe = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	emailRe   = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
)

// SanitizeText strips control characters, redacts email addresses and
// truncates to MaxStringLen bytes on a rune boundary.
func SanitizeText(value string) string {
	return sanitizeText(value, MaxStringLen)
}

func sanitizeText(value string, maxLen int) string {
	text := controlRe.ReplaceAllString(value, "")
	text = emailRe.ReplaceAllString(text, "[email-redacted]")
	if len(text) <= maxLen {
		return text
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// SanitizeDetails recursively sanitizes a details map: string keys and
// values are cleaned, nested maps and slices are walked, primitives pass
// through, and anything else is coerced to its sanitized string form.
func SanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	cleaned := make(map[string]any, len(details))
	for key, item := range details {
		cleaned[SanitizeText(key)] = sanitizeValue(item)
	}
	return cleaned
}

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return v
	case string:
		return SanitizeText(v)
	case []byte:
		return SanitizeText(string(v))
	case map[string]any:
		return SanitizeDetails(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = SanitizeText(item)
		}
		return out
	default:
		return SanitizeText(strings.TrimSpace(stringify(v)))
	}
}
