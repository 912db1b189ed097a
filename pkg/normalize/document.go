package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// document is the decoded vendor payload as a generic key-value tree.
// Extraction is implemented as pure lookups on this tree so each source in
// the priority list stays independently testable.
type document map[string]any

// decodeDocument parses raw bytes into a document, recovering the known
// corrupt encoding where the JSON text was serialized as an object of
// stringified sequential indices each holding one character.
func decodeDocument(raw []byte) (document, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is not an object", ErrCorruptPayload)
	}

	if text, isCharArray := reassembleCharArray(obj); isCharArray {
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return nil, fmt.Errorf("%w: character-array reconstruction did not yield valid JSON: %v", ErrCorruptPayload, err)
		}
		obj, ok = v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: reconstructed value is not an object", ErrCorruptPayload)
		}
	}
	return document(obj), nil
}

// reassembleCharArray detects an object whose key set is exactly "0".."N-1"
// with one-character string values, and concatenates the characters in index
// order. Returns false when the object is not character-encoded.
func reassembleCharArray(obj map[string]any) (string, bool) {
	if len(obj) == 0 {
		return "", false
	}
	chars := make([]string, len(obj))
	for k, v := range obj {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 || idx >= len(obj) {
			return "", false
		}
		s, ok := v.(string)
		if !ok || len([]rune(s)) != 1 {
			return "", false
		}
		if chars[idx] != "" {
			return "", false
		}
		chars[idx] = s
	}
	return strings.Join(chars, ""), true
}

// child returns a nested object value, or nil.
func (d document) child(key string) document {
	if m, ok := d[key].(map[string]any); ok {
		return document(m)
	}
	return nil
}

// list returns a nested array value, or nil.
func (d document) list(key string) []any {
	if l, ok := d[key].([]any); ok {
		return l
	}
	return nil
}

// str returns the first non-empty string value among the given keys.
func (d document) str(keys ...string) string {
	for _, k := range keys {
		switch v := d[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// id returns the first value among the given keys rendered as an identifier
// string. Numeric ids are common in the feed and rendered without a decimal
// point.
func (d document) id(keys ...string) string {
	for _, k := range keys {
		switch v := d[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" && s != "0" {
				return s
			}
		case float64:
			if v != 0 && v == math.Trunc(v) {
				return strconv.FormatInt(int64(v), 10)
			}
		}
	}
	return ""
}

// integer returns the first value among the given keys as an int.
func (d document) integer(keys ...string) (int, bool) {
	for _, k := range keys {
		if f, ok := asFloat(d[k]); ok && f == math.Trunc(f) {
			return int(f), true
		}
	}
	return 0, false
}

// price returns the first value among the given keys as a finite
// non-negative price. Anything else is treated as absent, never zero.
func (d document) price(keys ...string) *float64 {
	for _, k := range keys {
		if p := asPrice(d[k]); p != nil {
			return p
		}
	}
	return nil
}

// intList renders an array or comma-separated string of ids as []int.
func (d document) intList(keys ...string) []int {
	for _, k := range keys {
		switch v := d[k].(type) {
		case []any:
			out := make([]int, 0, len(v))
			for _, e := range v {
				if f, ok := asFloat(e); ok && f == math.Trunc(f) {
					out = append(out, int(f))
				}
			}
			if len(out) > 0 {
				return out
			}
		case string:
			var out []int
			for _, part := range strings.Split(v, ",") {
				if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
					out = append(out, n)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

// asFloat coerces a JSON scalar to a float64. Strings are parsed; anything
// non-finite is rejected.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// asPrice coerces a JSON scalar to a finite positive price, or nil.
// The feed uses 0 for cabins with no availability, so zero is absent.
func asPrice(v any) *float64 {
	f, ok := asFloat(v)
	if !ok || f <= 0 {
		return nil
	}
	return &f
}
