package log

import (
	"encoding/json"
	"reflect"
	"strings"
)

// TruncationMarker terminates any string leaf shortened by the size cap.
const TruncationMarker = "...[truncated]"

// bearerPrefix is preserved verbatim when redacting authorization values.
const bearerPrefix = "Bearer "

// secretKeys are payload keys whose values are always redacted.
// Matching is case-insensitive.
var secretKeys = map[string]struct{}{
	"apikey":        {},
	"api_key":       {},
	"authorization": {},
	"password":      {},
	"token":         {},
	"secret":        {},
}

// Sanitize returns a copy of payload safe for serialization: secret keys
// redacted, cycles broken, and string leaves truncated when the
// serialized record would exceed maxBytes. The input is not modified.
func Sanitize(payload map[string]any, maxBytes int) map[string]any {
	if payload == nil {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRecordBytes
	}

	visited := make(map[uintptr]struct{})
	out, _ := sanitizeValue(payload, visited).(map[string]any)

	data, err := json.Marshal(out)
	if err == nil && len(data) <= maxBytes {
		return out
	}

	leafMax := maxBytes / 4
	if leafMax < 32 {
		leafMax = 32
	}
	truncateLeaves(out, leafMax)
	return out
}

// RedactString masks a secret value: strings of 8+ characters keep a
// short prefix and suffix, shorter ones collapse to "***". A leading
// "Bearer " prefix is preserved.
func RedactString(s string) string {
	if strings.HasPrefix(s, bearerPrefix) {
		return bearerPrefix + RedactString(s[len(bearerPrefix):])
	}
	if len(s) >= 8 {
		return s[:3] + "***" + s[len(s)-3:]
	}
	return "***"
}

// isSecretKey reports whether key names a secret, case-insensitively.
func isSecretKey(key string) bool {
	_, ok := secretKeys[strings.ToLower(key)]
	return ok
}

// sanitizeValue copies v with secrets redacted and cycles replaced by
// the "[cycle]" marker.
func sanitizeValue(v any, visited map[uintptr]struct{}) any {
	switch val := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if _, seen := visited[ptr]; seen {
			return "[cycle]"
		}
		visited[ptr] = struct{}{}
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if isSecretKey(k) {
				if s, ok := inner.(string); ok {
					out[k] = RedactString(s)
				} else {
					out[k] = "***"
				}
				continue
			}
			out[k] = sanitizeValue(inner, visited)
		}
		delete(visited, ptr)
		return out
	case []any:
		if len(val) == 0 {
			return val
		}
		ptr := reflect.ValueOf(val).Pointer()
		if _, seen := visited[ptr]; seen {
			return "[cycle]"
		}
		visited[ptr] = struct{}{}
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner, visited)
		}
		delete(visited, ptr)
		return out
	case error:
		return val.Error()
	default:
		return v
	}
}

// truncateLeaves shortens string leaves longer than leafMax in place.
func truncateLeaves(v any, leafMax int) {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if s, ok := inner.(string); ok {
				if len(s) > leafMax {
					val[k] = s[:leafMax] + TruncationMarker
				}
				continue
			}
			truncateLeaves(inner, leafMax)
		}
	case []any:
		for i, inner := range val {
			if s, ok := inner.(string); ok {
				if len(s) > leafMax {
					val[i] = s[:leafMax] + TruncationMarker
				}
				continue
			}
			truncateLeaves(inner, leafMax)
		}
	}
}
