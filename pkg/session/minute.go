package session

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// plantTimeLayouts are tried in order. Zone-less values are read as UTC so
// the offset between two of them does not depend on the host zone.
var plantTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006-01-02",
}

// ParsePlantTime parses the timestamp shapes produced by the playback source
// and the upstream workers.
func ParsePlantTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range plantTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised plant time %q", s)
}

// MinutesSince returns max(0, floor((ts - base) / 1m)).
func MinutesSince(ts, base string) (int, error) {
	t, err := ParsePlantTime(ts)
	if err != nil {
		return 0, err
	}
	b, err := ParsePlantTime(base)
	if err != nil {
		return 0, err
	}
	diff := math.Floor(t.Sub(b).Minutes())
	return max(0, int(diff)), nil
}

// resolveMinute picks the minute to request. An effective timestamp with a
// known base wins; otherwise the explicit minute, then the current cursor.
func resolveMinute(minute *int, current int, effective, base string) int {
	fallback := current
	if minute != nil {
		fallback = max(0, *minute)
	}
	if effective == "" || base == "" {
		return fallback
	}
	m, err := MinutesSince(effective, base)
	if err != nil {
		log.Warningf("timestamp diff failed, using minute %d: %v", fallback, err)
		return fallback
	}
	return m
}
