package types

import "time"

// HLC is a hybrid logical clock timestamp. Wall time dominates; the logical
// counter disambiguates events sharing a wall-clock reading.
type HLC struct {
	WallTime uint64 // Unix nanoseconds
	Counter  uint32
}

// Compare orders two timestamps: -1 if t < other, 0 if equal, 1 if t > other.
func (t HLC) Compare(other HLC) int {
	switch {
	case t.WallTime < other.WallTime:
		return -1
	case t.WallTime > other.WallTime:
		return 1
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	default:
		return 0
	}
}

// Clock issues monotonic HLC timestamps for locally-produced deltas and
// advances past timestamps observed on received ones.
type Clock struct {
	last HLC
	now  func() time.Time
}

// NewClock creates a clock backed by the system wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns a timestamp strictly greater than every timestamp previously
// returned or observed.
func (c *Clock) Now() HLC {
	wall := uint64(c.now().UnixNano())
	next := HLC{WallTime: wall}
	if next.Compare(c.last) <= 0 {
		next = HLC{WallTime: c.last.WallTime, Counter: c.last.Counter + 1}
	}
	c.last = next
	return next
}

// Observe advances the clock past a timestamp seen on a received delta.
func (c *Clock) Observe(t HLC) {
	if t.Compare(c.last) > 0 {
		c.last = t
	}
}
