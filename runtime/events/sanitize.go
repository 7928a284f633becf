package events

import "strings"

// Redacted replaces values under sensitive keys.
const Redacted = "[REDACTED]"

// sensitiveMarkers flag a key as carrying credential material when its
// lowercase form contains any of them.
var sensitiveMarkers = []string{"password", "token", "secret", "key", "credential", "auth"}

// Sanitize deep-copies payload with every value under a sensitive key
// replaced by the redaction marker. Nested maps and slices are walked; the
// input is never mutated.
func Sanitize(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if sensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func sensitiveKey(k string) bool {
	lower := strings.ToLower(k)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
