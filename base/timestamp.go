// Package base holds small value types shared across the fishnet
// reactor that do not belong to any single networking component.
package base

import (
	"fmt"
	"time"
)

// Timestamp is a microsecond-resolution point in time, expressed as
// microseconds since the Unix epoch. It is an immutable value type;
// comparisons are total and numeric.
type Timestamp int64

// Invalid is the zero Timestamp, used as a sentinel for "not set".
const Invalid Timestamp = 0

const microSecondsPerSecond = int64(time.Second / time.Microsecond)

// Now returns the current wall-clock time truncated to microseconds.
func Now() Timestamp {
	return FromTime(time.Now())
}

// FromTime converts a standard library time.Time to a Timestamp.
func FromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixNano() / int64(time.Microsecond))
}

// Time converts the Timestamp back to a standard library time.Time.
func (ts Timestamp) Time() time.Time {
	sec := int64(ts) / microSecondsPerSecond
	usec := int64(ts) % microSecondsPerSecond
	return time.Unix(sec, usec*int64(time.Microsecond))
}

// Valid reports whether the Timestamp has been set.
func (ts Timestamp) Valid() bool {
	return ts > 0
}

// MicroSecondsSinceEpoch returns the raw microsecond count.
func (ts Timestamp) MicroSecondsSinceEpoch() int64 {
	return int64(ts)
}

// Add returns ts advanced by d.
func (ts Timestamp) Add(d time.Duration) Timestamp {
	delta := int64(d / time.Microsecond)
	return Timestamp(int64(ts) + delta)
}

// Sub returns the duration between ts and other (ts - other).
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	return time.Duration(int64(ts)-int64(other)) * time.Microsecond
}

// Before reports whether ts occurs before other.
func (ts Timestamp) Before(other Timestamp) bool {
	return ts < other
}

// After reports whether ts occurs after other.
func (ts Timestamp) After(other Timestamp) bool {
	return ts > other
}

// String formats the timestamp as "seconds.microseconds" for logging.
func (ts Timestamp) String() string {
	sec := int64(ts) / microSecondsPerSecond
	usec := int64(ts) % microSecondsPerSecond
	return fmt.Sprintf("%d.%06d", sec, usec)
}
