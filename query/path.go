package query

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Resolve walks tree along a dotted path. Maps are indexed by segment. When a
// sequence is reached before the path ends, the rest of the path is resolved
// on every element and the string forms are joined with sep. A string holding
// a JSON object or array is decoded when more segments remain. A nil leaf
// counts as not found.
func Resolve(tree any, path string, sep string) (any, bool) {
	if path == "" {
		return nil, false
	}
	return resolve(tree, strings.Split(path, "."), sep)
}

func resolve(node any, segments []string, sep string) (any, bool) {
	if len(segments) == 0 {
		return node, node != nil
	}

	switch n := node.(type) {
	case map[string]any:
		child, ok := n[segments[0]]
		if !ok {
			return nil, false
		}
		return resolve(child, segments[1:], sep)

	case []any:
		parts := make([]string, 0, len(n))
		for _, elem := range n {
			if v, ok := resolve(elem, segments, sep); ok {
				parts = append(parts, Stringify(v))
			}
		}
		if len(parts) == 0 {
			return nil, false
		}
		return strings.Join(parts, sep), true

	case string:
		decoded, ok := decodeEmbedded(n)
		if !ok {
			return nil, false
		}
		return resolve(decoded, segments, sep)
	}

	return nil, false
}

// decodeEmbedded decodes a JSON object or array carried in a string field.
func decodeEmbedded(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

// Stringify renders a resolved value as a column string. Scalars use their
// natural form; maps and slices are compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// toFloat parses a column value as a number.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// normalizeNumbers replaces json.Number leaves with int64 or float64 so the
// tree survives a msgpack round trip with the same values.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = normalizeNumbers(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = normalizeNumbers(child)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	return v
}
