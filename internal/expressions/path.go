package expressions

import (
	"strconv"
	"strings"
)

// Lookup resolves a dotted path ("ticket.tags.0") against nested maps and slices.
// Missing keys, out-of-range indexes and non-container intermediates report ok=false.
func Lookup(data map[string]any, path string) (any, bool) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "payload.")
	if path == "" {
		return nil, false
	}

	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
