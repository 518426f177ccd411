// Package timefmt formats instants and elapsed durations for display.
// Formatting never mutates the underlying instant: the zulu/local
// preference changes the rendered string only.
package timefmt

import (
	"fmt"
	"time"
)

// Elapsed formats a duration as HH:MM:SS for the duty timer display.
// Negative durations (clock skew between devices) render as 00:00:00.
func Elapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// ElapsedSince formats the duration between start and now.
func ElapsedSince(start, now time.Time) string {
	return Elapsed(now.Sub(start))
}

// Instant renders a stored instant under the display preference.
// useZulu выбирает UTC ("1405Z"), иначе локальное время устройства.
func Instant(t time.Time, useZulu bool) string {
	if useZulu {
		return t.UTC().Format("1504") + "Z"
	}
	return t.Local().Format("15:04")
}

// OptionalInstant renders a possibly-missing instant, using placeholder
// for nil (the four leg timestamps are optional until set).
func OptionalInstant(t *time.Time, useZulu bool, placeholder string) string {
	if t == nil {
		return placeholder
	}
	return Instant(*t, useZulu)
}
