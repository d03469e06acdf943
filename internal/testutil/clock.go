package testutil

import (
	"sync"
	"time"
)

// Epoch is the wall-clock time at step zero of a DeterministicClock.
var Epoch = time.Date(2024, time.March, 3, 9, 0, 0, 0, time.UTC)

// DeterministicClock is a logical clock with a matching wall clock for tests.
//
// Next advances the sequence; Now reports Epoch plus one step per tick, so
// ledger timestamps and trace sequence numbers stay identical across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu   sync.Mutex
	seq  int64
	step time.Duration
}

// NewDeterministicClock creates a clock at sequence 0 that moves one second
// per tick.
//
// The first call to Next() returns 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{step: time.Second}
}

// Next increments and returns the next sequence number.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the current sequence number without incrementing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Now returns the wall-clock time of the current tick. It does not advance
// the clock.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Epoch.Add(time.Duration(c.seq) * c.step)
}

// Advance moves the clock forward by d, rounded down to whole ticks.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq += int64(d / c.step)
}

// Reset resets the clock to 0.
//
// Used for test reuse. After Reset(), the next call to Next() returns 1.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}
