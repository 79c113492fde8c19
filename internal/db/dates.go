package db

import "time"

// dateOnly reduces t to its calendar date as seen in t's own location.
// DATE parameters are encoded from the time's year/month/day components, so
// the wall date must be preserved rather than shifted through UTC the way
// Truncate would for zoned times.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
