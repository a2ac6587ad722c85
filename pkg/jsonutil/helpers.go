// Package jsonutil provides JSON helpers for loom.
//
// Span metadata arrives as free-form JSON blobs; these helpers keep the
// handling uniform across the cache, exports, and analytics.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CompactJSON minifies a JSON string by removing whitespace.
// Returns the input unchanged if it is not valid JSON.
func CompactJSON(s string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}

// SafeUnmarshal attempts to unmarshal a JSON object string into a map.
// Returns an empty map on error instead of failing: metadata blobs are
// advisory and a malformed one must never stop a run.
func SafeUnmarshal(s string) map[string]any {
	result := make(map[string]any)
	if s == "" {
		return result
	}
	json.Unmarshal([]byte(s), &result)
	return result
}

// MustMarshal marshals a value to JSON, panicking on error.
// Use only for values known to be marshalable (maps, slices, plain structs).
func MustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("jsonutil.MustMarshal: %v", err))
	}
	return string(b)
}

// TruncateString truncates a string to maxLen characters, adding "..."
// if truncation occurred. Used when surfacing payload fragments in
// reports and query output.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
