package trajectory

import (
	"strconv"
	"strings"
	"time"
)

// NormalizeEpoch converts a heterogeneous timestamp value, as found in an
// agent-emitted trajectory's raw JSON (never in OTLP's own well-typed
// nanosecond integers), into milliseconds since epoch. Returns
// false if v cannot be interpreted as a timestamp.
func NormalizeEpoch(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return epochIntToMillis(t), true
	case int:
		return epochIntToMillis(int64(t)), true
	case float64:
		return epochIntToMillis(int64(t)), true
	case string:
		return epochStringToMillis(t)
	default:
		return 0, false
	}
}

func epochIntToMillis(v int64) int64 {
	switch {
	case v > 1_000_000_000_000:
		return v / 1_000_000
	case v > 1_000_000_000:
		return v * 1000
	default:
		return v
	}
}

// epochStringToMillis parses an ISO-8601 timestamp. "Z" is normalized to
// "+00:00"; a string with no offset is assumed UTC.
func epochStringToMillis(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epochIntToMillis(n), true
	}

	candidate := strings.Replace(s, "Z", "+00:00", 1)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, candidate); err == nil {
			return t.UnixMilli(), true
		}
	}
	// No offset present: assume UTC.
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, candidate, time.UTC); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}
