// Package clock provides the Lamport-style timestamp used to order every
// mutable record (contact records, note frontmatter, tombstones).
package clock

import (
	"sync/atomic"
	"time"
)

// Timestamp is a scalar causal time. A value produced by Next is always
// strictly greater than the value it was derived from.
type Timestamp int64

var wall atomic.Pointer[func() time.Time]

func now() int64 {
	if f := wall.Load(); f != nil {
		return (*f)().Unix()
	}
	return time.Now().Unix()
}

// SetWallClock replaces the wall clock source and returns a func restoring
// the previous one. Intended for tests.
func SetWallClock(f func() time.Time) (restore func()) {
	prev := wall.Swap(&f)
	return func() { wall.Store(prev) }
}

// Now returns a fresh timestamp with no causal predecessor.
func Now() Timestamp {
	return Timestamp(now())
}

// Next returns max(prev+1, now).
func Next(prev Timestamp) Timestamp {
	n := Timestamp(now())
	if prev+1 > n {
		return prev + 1
	}
	return n
}

// After reports whether t happened after other.
func (t Timestamp) After(other Timestamp) bool { return t > other }

// Time converts the timestamp to wall time. Only meaningful for display.
func (t Timestamp) Time() time.Time { return time.Unix(int64(t), 0).UTC() }
