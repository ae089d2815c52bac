package signal

import "sync/atomic"

// EpochCounter cycles 0..max and wraps back to 0.
type EpochCounter struct {
	max int32
	cur atomic.Int32
}

// NewEpochCounter creates a counter starting at 0.
func NewEpochCounter(max int) *EpochCounter {
	if max < 0 {
		max = 0
	}
	return &EpochCounter{max: int32(max)}
}

// Current returns the epoch the next tick runs.
func (c *EpochCounter) Current() int {
	return int(c.cur.Load())
}

// Advance moves to the next epoch and returns it.
func (c *EpochCounter) Advance() int {
	for {
		cur := c.cur.Load()
		next := cur + 1
		if next > c.max {
			next = 0
		}
		if c.cur.CompareAndSwap(cur, next) {
			return int(next)
		}
	}
}

// Next returns the epoch following e, wrapped.
func (c *EpochCounter) Next(e int) int {
	return (e + 1) % (int(c.max) + 1)
}
