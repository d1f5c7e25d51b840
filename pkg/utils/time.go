package utils

import "time"

// Now returns the current time in UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// UnixMilliToTime converts a gateway millisecond timestamp. Non-positive
// values are treated as missing and give the zero time.
func UnixMilliToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// StartOfDayUTC is midnight UTC of the day t falls on, in UTC.
func StartOfDayUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatISO8601 renders t in UTC with second precision.
func FormatISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
