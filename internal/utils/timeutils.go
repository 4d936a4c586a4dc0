package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// SplitWindows halves the span [min, max] into a baseline window followed by
// a current window. The midpoint belongs to the current window; the current
// end is extended by one second so the half-open window filter keeps orders
// placed exactly at max.
func SplitWindows(min, max time.Time) (baselineStart, baselineEnd, currentStart, currentEnd time.Time) {
	if max.Before(min) {
		min, max = max, min
	}
	mid := min.Add(max.Sub(min) / 2)
	return min, mid, mid, max.Add(time.Second)
}
