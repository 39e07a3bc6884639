package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint returns a stable SHA-256 checksum over an attribute map.
// Maps are normalized first so decoding differences (map[any]any vs
// map[string]any) never change the hash; encoding/json emits object keys in
// sorted order, which makes the encoding canonical.
func Fingerprint(attrs map[string]any) string {
	raw, err := json.Marshal(Normalize(attrs))
	if err != nil {
		// Normalized values only contain JSON-encodable kinds.
		raw = []byte(fmt.Sprintf("%v", attrs))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Normalize rewrites an attribute map into plain JSON-shaped values.
func Normalize(attrs map[string]any) map[string]any {
	out, _ := normalizeValue(attrs).(map[string]any)
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}
