package testutil

import (
	"time"

	"github.com/keboola/osiris/internal/clock"
)

// Epoch is the fixed start time of every deterministic clock.
var Epoch = time.Date(2025, 9, 14, 10, 30, 0, 0, time.UTC)

// NewDeterministicClock returns a fake clock at Epoch that moves forward
// by one millisecond on every read, so consecutive timestamps differ and
// durations are reproducible.
//
// Thread-safety: safe for concurrent use.
func NewDeterministicClock() *clock.FakeClock {
	c := clock.Fake(Epoch)
	c.AutoStep(time.Millisecond)
	return c
}

// FrozenClock returns a fake clock at t that only moves on Advance.
func FrozenClock(t time.Time) *clock.FakeClock {
	return clock.Fake(t)
}
