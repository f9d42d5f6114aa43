package timeparser

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// ResponseLayout is the wire format for timestamps returned by the API
const ResponseLayout = "2006-01-02T15:04:05-07:00"

// Layouts accepted from devices and clients, most specific first.
// Layouts without a zone are interpreted as UTC.
var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp parses a device or client supplied timestamp and converts it
// to loc. A nil loc leaves the parsed zone untouched.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			if loc != nil {
				t = t.In(loc)
			}
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", value, lastErr)
}

// IsWithinTolerance checks if a measurement timestamp is within tolerance of received time
func IsWithinTolerance(measuredAt, receivedTime time.Time, toleranceMinutes int) bool {
	diff := measuredAt.Sub(receivedTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(toleranceMinutes)*time.Minute
}

// Format renders t in loc using ResponseLayout.
func Format(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(ResponseLayout)
}

// HourStart returns the start of the wall-clock hour containing t in loc.
func HourStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = t.Location()
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
}
