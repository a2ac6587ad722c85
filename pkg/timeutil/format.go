// Package timeutil provides time conversion helpers for loom.
//
// Backend span exports carry millisecond-epoch timestamps (the cloud export
// wire format); the local query API reports RFC3339 strings, sometimes with
// a "+00:00" offset suffix instead of "Z". CLI date arguments are bare ISO
// dates. This package owns all three conversions so the rest of the codebase
// deals only in time.Time (always UTC).
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// FromMillis converts a millisecond epoch timestamp to UTC time.Time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ToMillis converts a time.Time to a millisecond epoch timestamp.
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// ParseDate parses a bare ISO date (YYYY-MM-DD) as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return t.UTC(), nil
}

// ParseBackendTime parses an RFC3339 timestamp as emitted by the local query
// API, tolerating the "+00:00" offset spelling.
func ParseBackendTime(s string) (time.Time, error) {
	normalized := strings.Replace(s, "+00:00", "Z", 1)
	t, err := time.Parse(time.RFC3339Nano, normalized)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid backend timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// FormatDuration renders a duration for reports.
// Examples: "450ms", "1.2s", "2m 15.3s"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	seconds := float64(ms) / 1000.0
	if seconds < 60 {
		return fmt.Sprintf("%.1fs", seconds)
	}
	minutes := int(seconds / 60)
	remaining := seconds - float64(minutes*60)
	return fmt.Sprintf("%dm %.1fs", minutes, remaining)
}
