// Package schedule supplies the policy clock: timezone-aware "now" plus the
// business-hours, weekday, and blackout-date predicates that gate every
// outbound contact.
package schedule

import "time"

// Clock produces the current instant. The process uses a single Clock so
// tests can drive time deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock returns wall time in the given location.
type SystemClock struct {
	Loc *time.Location
}

// Now returns the current wall time in the clock's location.
func (c *SystemClock) Now() time.Time {
	return time.Now().In(c.Loc)
}

// FixedClock always reports the same instant. Test use only.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant.
func (c *FixedClock) Now() time.Time { return c.T }
