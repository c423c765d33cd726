package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Interpolate replaces {{path}} placeholders in every string of a params document
// with values from the payload. A string that is exactly one placeholder takes the
// referenced value with its JSON type; embedded placeholders are formatted as text.
// Placeholders whose path does not resolve are left untouched.
func Interpolate(raw json.RawMessage, payload map[string]any) (json.RawMessage, error) {
	if len(raw) == 0 || !placeholder.Match(raw) {
		return raw, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	out, err := json.Marshal(interpolateValue(doc, payload))
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return out, nil
}

// InterpolateString applies placeholder substitution to a single string.
func InterpolateString(s string, payload map[string]any) string {
	return placeholder.ReplaceAllStringFunc(s, func(tok string) string {
		path := placeholder.FindStringSubmatch(tok)[1]
		v, ok := Lookup(payload, path)
		if !ok {
			return tok
		}
		return stringify(v)
	})
}

func interpolateValue(v any, payload map[string]any) any {
	switch val := v.(type) {
	case string:
		if m := placeholder.FindStringSubmatchIndex(val); m != nil && m[0] == 0 && m[1] == len(val) {
			if resolved, ok := Lookup(payload, val[m[2]:m[3]]); ok {
				return resolved
			}
			return val
		}
		return InterpolateString(val, payload)
	case map[string]any:
		for k, x := range val {
			val[k] = interpolateValue(x, payload)
		}
		return val
	case []any:
		for i, x := range val {
			val[i] = interpolateValue(x, payload)
		}
		return val
	default:
		return v
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}
