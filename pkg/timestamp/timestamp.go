// Package timestamp provides the timestamp conventions of the protocol.
//
// Two representations are used:
//   - int64 milliseconds since the Unix epoch, for stream versions
//   - ISO-8601 strings in UTC with an explicit "+00:00" offset, for record
//     values. Fractional seconds are written as microseconds and only when
//     non-zero, e.g. "2024-03-01T12:00:00+00:00" and
//     "2024-03-01T12:00:00.250000+00:00".
package timestamp

import (
	"fmt"
	"time"
)

const (
	utcOffset  = "+00:00"
	isoSeconds = "2006-01-02T15:04:05"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds. The zero time maps to 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to a UTC time.Time.
// Returns zero time if ms is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// FormatISO renders t in UTC.
func FormatISO(t time.Time) string {
	t = t.UTC()
	s := t.Format(isoSeconds)
	if micros := t.Nanosecond() / 1000; micros != 0 {
		s += fmt.Sprintf(".%06d", micros)
	}
	return s + utcOffset
}

// FormatDate renders a calendar date as midnight UTC.
func FormatDate(year int, month time.Month, day int) string {
	return FormatISO(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// FormatSinceEpoch renders the instant d after the Unix epoch.
func FormatSinceEpoch(d time.Duration) string {
	return FormatISO(time.Unix(0, 0).UTC().Add(d))
}

// FormatClock renders a wall-clock time of day as HH:MM:SS with microseconds
// when non-zero.
func FormatClock(hour, minute, second, micros int) string {
	s := fmt.Sprintf("%02d:%02d:%02d", hour, minute, second)
	if micros != 0 {
		s += fmt.Sprintf(".%06d", micros)
	}
	return s
}
