package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf16"
)

// Canonical encoding rules: UTF-8 JSON, keys sorted lexicographically at
// every depth, ASCII-only escapes, "," and ":" separators, no
// insignificant whitespace. Integral floats are rendered without a
// fractional part so that canonical(parse(canonical(x))) == canonical(x)
// regardless of which side decoded the numbers.

// CanonicalBytes encodes a value tree into its canonical JSON form.
// Supported leaves are nil, bool, strings, integers and floats; branches
// are map[string]any and []any. Values produced by encoding/json
// unmarshalling into any always satisfy this.
func CanonicalBytes(value any) ([]byte, error) {
	return appendCanonical(make([]byte, 0, 256), value)
}

func appendCanonical(dst []byte, value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return append(dst, "null"...), nil
	case bool:
		if v {
			return append(dst, "true"...), nil
		}
		return append(dst, "false"...), nil
	case string:
		return appendCanonicalString(dst, v), nil
	case int:
		return strconv.AppendInt(dst, int64(v), 10), nil
	case int32:
		return strconv.AppendInt(dst, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(dst, v, 10), nil
	case uint:
		return strconv.AppendUint(dst, uint64(v), 10), nil
	case uint32:
		return strconv.AppendUint(dst, uint64(v), 10), nil
	case uint64:
		return strconv.AppendUint(dst, v, 10), nil
	case float32:
		return appendCanonicalFloat(dst, float64(v))
	case float64:
		return appendCanonicalFloat(dst, v)
	case json.Number:
		// Decoded with UseNumber: keep the literal so re-encoding a
		// parsed canonical body is byte-identical to the original.
		return append(dst, v.String()...), nil
	case map[string]any:
		return appendCanonicalObject(dst, v)
	case []any:
		var err error
		dst = append(dst, '[')
		for i, item := range v {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst, err = appendCanonical(dst, item)
			if err != nil {
				return nil, err
			}
		}
		return append(dst, ']'), nil
	case []string:
		dst = append(dst, '[')
		for i, item := range v {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendCanonicalString(dst, item)
		}
		return append(dst, ']'), nil
	default:
		return nil, fmt.Errorf("canonical encoding: unsupported type %T", value)
	}
}

func appendCanonicalObject(dst []byte, obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var err error
	dst = append(dst, '{')
	for i, key := range keys {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = appendCanonicalString(dst, key)
		dst = append(dst, ':')
		dst, err = appendCanonical(dst, obj[key])
		if err != nil {
			return nil, err
		}
	}
	return append(dst, '}'), nil
}

func appendCanonicalFloat(dst []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("canonical encoding: non-finite float %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.AppendInt(dst, int64(f), 10), nil
	}
	return strconv.AppendFloat(dst, f, 'g', -1, 64), nil
}

const hexDigits = "0123456789abcdef"

func appendCanonicalString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for _, r := range s {
		switch r {
		case '"':
			dst = append(dst, '\\', '"')
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		case '\b':
			dst = append(dst, '\\', 'b')
		case '\f':
			dst = append(dst, '\\', 'f')
		default:
			switch {
			case r < 0x20:
				dst = appendEscapedRune(dst, r)
			case r < 0x80:
				dst = append(dst, byte(r))
			case r > 0xFFFF:
				hi, lo := utf16.EncodeRune(r)
				dst = appendEscapedRune(dst, hi)
				dst = appendEscapedRune(dst, lo)
			default:
				dst = appendEscapedRune(dst, r)
			}
		}
	}
	return append(dst, '"')
}

func appendEscapedRune(dst []byte, r rune) []byte {
	return append(dst, '\\', 'u',
		hexDigits[(r>>12)&0xF], hexDigits[(r>>8)&0xF],
		hexDigits[(r>>4)&0xF], hexDigits[r&0xF])
}

// RecanonicalizeBody parses raw JSON and re-emits it in canonical form.
// Signature verification runs over this, not over the raw bytes, so an
// agent using a different JSON library still interoperates.
func RecanonicalizeBody(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse body: %w", err)
	}
	switch parsed.(type) {
	case map[string]any, []any:
	default:
		return nil, fmt.Errorf("body must be a JSON object or array")
	}
	return CanonicalBytes(parsed)
}

func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}
