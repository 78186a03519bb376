// Package clock provides timestamp generation matching MeshCore's RTCClock.
package clock

import (
	"sync"
	"time"
)

// MinValidTimestamp is the earliest UNIX timestamp considered a plausible
// wall-clock reading (2025-01-01T00:00:00Z). A clock reading below this
// means no external time source has set the clock yet.
const MinValidTimestamp uint32 = 1735689600

// Clock provides timestamp generation matching MeshCore's RTCClock.
// GetCurrentTimeUnique returns strictly increasing uint32 UNIX epoch values,
// even when called multiple times within the same second.
type Clock struct {
	mu         sync.Mutex
	lastUnique uint32
	nowFn      func() uint32 // overridable for testing
}

// New creates a Clock that uses the system clock.
func New() *Clock {
	return &Clock{
		nowFn: func() uint32 {
			return uint32(time.Now().Unix())
		},
	}
}

// NewFixed creates a Clock pinned to a fixed starting value that does not
// advance on its own. Intended for tests and for nodes booting without a
// battery-backed RTC (the firmware boots at epoch 0 until synced).
func NewFixed(start uint32) *Clock {
	c := &Clock{}
	now := start
	c.nowFn = func() uint32 { return now }
	return c
}

// GetCurrentTime returns the current UNIX epoch time as uint32.
func (c *Clock) GetCurrentTime() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn()
}

// SetCurrentTime jams the clock to the given value. Subsequent reads advance
// from this base with real time.
func (c *Clock) SetCurrentTime(t uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := time.Now()
	c.nowFn = func() uint32 {
		return t + uint32(time.Since(base).Seconds())
	}
}

// SetNowFn overrides the underlying time source. Test seam.
func (c *Clock) SetNowFn(fn func() uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowFn = fn
}

// GetCurrentTimeUnique returns a strictly increasing timestamp.
// If the real clock hasn't advanced past the last returned value,
// the internal counter is bumped by 1. This matches MeshCore's
// RTCClock::getCurrentTimeUnique() behavior.
func (c *Clock) GetCurrentTimeUnique() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.nowFn()
	if t <= c.lastUnique {
		c.lastUnique++
		return c.lastUnique
	}
	c.lastUnique = t
	return t
}

// IsDesynced returns true while the clock reads earlier than
// MinValidTimestamp, i.e. no admin or repeater quorum has set it yet.
func (c *Clock) IsDesynced() bool {
	return c.GetCurrentTime() < MinValidTimestamp
}
