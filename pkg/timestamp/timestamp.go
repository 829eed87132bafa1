// Package timestamp parses the timestamp formats found in upstream stream
// records into time.Time values.
//
// Supported inputs:
//   - v1.1 status dates in Ruby format ("Mon Jan 02 15:04:05 -0700 2006")
//   - RFC 3339 strings, with or without fractional seconds (v2 payloads)
//   - Unix epochs as numbers or numeric strings; values above 1e12 are
//     milliseconds (the "timestamp_ms" field), smaller values are seconds
//
// Every result is in UTC. A zero time.Time means "not set".
package timestamp

import (
	"strconv"
	"strings"
	"time"
)

// RubyDate is the layout used by v1.1 "created_at" fields.
const RubyDate = time.RubyDate

// Parse converts a decoded JSON value into a UTC time.
// It reports false for nil, zero and unrecognised values.
func Parse(input any) (time.Time, bool) {
	switch v := input.(type) {
	case nil:
		return time.Time{}, false
	case int64:
		return fromEpoch(v)
	case int:
		return fromEpoch(int64(v))
	case float64:
		return fromEpoch(int64(v))
	case string:
		return ParseString(v)
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false
		}
		return v.UTC(), true
	default:
		return time.Time{}, false
	}
}

// ParseString parses one of the supported string layouts.
func ParseString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(RubyDate, s); err == nil {
		return t.UTC(), true
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpoch(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(int64(f))
	}

	return time.Time{}, false
}

// FromUnixMs converts Unix milliseconds to time.Time.
// Returns zero time if ms is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Format renders t as RFC 3339 with millisecond precision, the layout
// written to the broker. Zero times render as "".
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func fromEpoch(v int64) (time.Time, bool) {
	if v <= 0 {
		return time.Time{}, false
	}
	// Above 1e12 (year 2001 in seconds) the value is milliseconds
	if v > 1e12 {
		return FromUnixMs(v), true
	}
	return time.Unix(v, 0).UTC(), true
}
