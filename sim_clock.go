package syncdaq

import (
	"sync"
	"time"
)

// Clock is the time source of the simulated instruments.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// RealClock is the wall clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// Sleep calls time.Sleep.
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

// ManualClock only moves when told to; Sleep advances it instead of waiting, so
// simulated sessions run deterministically and instantly in tests.
type ManualClock struct {
	sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current time.
func (mc *ManualClock) Now() time.Time {
	mc.Lock()
	defer mc.Unlock()
	return mc.now
}

// Sleep advances the clock by d.
func (mc *ManualClock) Sleep(d time.Duration) {
	mc.Advance(d)
}

// Advance moves the clock forward by d; negative d is ignored.
func (mc *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	mc.Lock()
	defer mc.Unlock()
	mc.now = mc.now.Add(d)
}
