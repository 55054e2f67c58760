package domain

import "time"

// Clock provides the current time. Lifecycle services take a Clock so tests
// can pin and advance time instead of sleeping.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time {
	return time.Now()
}

// NowUTCMillis returns the current wall clock as UTC milliseconds since epoch.
// All persisted timestamps (issuedAt, expiresAt, usedAt) use this unit.
func NowUTCMillis(c Clock) int64 {
	return c.Now().UTC().UnixMilli()
}

// FromMillis converts epoch milliseconds to time.Time in UTC.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Remaining returns how long until deadlineMs, never negative.
func Remaining(c Clock, deadlineMs int64) time.Duration {
	d := FromMillis(deadlineMs).Sub(c.Now())
	if d < 0 {
		return 0
	}
	return d
}

var _ Clock = RealClock{}
