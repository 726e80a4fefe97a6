package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Millisecond factors for the UWS duration unit suffixes.
// Months and years use the fixed civil approximations (30 and 365 days).
const (
	msPerSecond = int64(1000)
	msPerMinute = 60 * msPerSecond
	msPerHour   = 60 * msPerMinute
	msPerDay    = 24 * msPerHour
	msPerWeek   = 7 * msPerDay
	msPerMonth  = 30 * msPerDay
	msPerYear   = 365 * msPerDay
)

var durationUnits = map[string]int64{
	"ms": 1,
	"s":  msPerSecond,
	"m":  msPerMinute,
	"h":  msPerHour,
	"D":  msPerDay,
	"W":  msPerWeek,
	"M":  msPerMonth,
	"Y":  msPerYear,
}

// ParseDurationMs parses a duration string with one of the unit suffixes
// ms, s, m, h, D, W, M, Y into milliseconds. A bare number is taken as
// milliseconds. Unit suffixes are case-sensitive (m = minutes, M = months).
func ParseDurationMs(value string) (int64, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Split the numeric prefix from the unit suffix
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid duration %q: no numeric value", value)
	}

	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid duration %q: negative", value)
	}

	unit := strings.TrimSpace(s[i:])
	if unit == "" {
		return n, nil
	}

	factor, ok := durationUnits[unit]
	if !ok {
		return 0, fmt.Errorf("invalid duration %q: unknown unit %q", value, unit)
	}
	return n * factor, nil
}

// FormatDurationMs renders milliseconds using the largest unit that divides
// the value exactly, the inverse of ParseDurationMs.
func FormatDurationMs(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	type unit struct {
		suffix string
		factor int64
	}
	units := []unit{
		{"Y", msPerYear},
		{"M", msPerMonth},
		{"W", msPerWeek},
		{"D", msPerDay},
		{"h", msPerHour},
		{"m", msPerMinute},
		{"s", msPerSecond},
	}
	for _, u := range units {
		if ms >= u.factor && ms%u.factor == 0 {
			return strconv.FormatInt(ms/u.factor, 10) + u.suffix
		}
	}
	return strconv.FormatInt(ms, 10) + "ms"
}

// ParseDuration parses a UWS duration string into a time.Duration.
func ParseDuration(value string) (time.Duration, error) {
	ms, err := ParseDurationMs(value)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

var byteSizeUnits = map[string]int64{
	"B":  1,
	"kB": 1000,
	"MB": 1000 * 1000,
	"GB": 1000 * 1000 * 1000,
}

// ParseByteSize parses a size string with a B, kB, MB or GB suffix
// (decimal factors). A bare number is taken as bytes.
func ParseByteSize(value string) (int64, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid size %q: no numeric value", value)
	}

	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}

	unit := strings.TrimSpace(s[i:])
	if unit == "" {
		return n, nil
	}

	factor, ok := byteSizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", value, unit)
	}
	return n * factor, nil
}
