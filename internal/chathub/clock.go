package chathub

import (
	"sync"
	"time"
)

// Clock hands out millisecond timestamps that never go backwards, even when
// the wall clock does.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock returns a clock over the wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns a non-decreasing timestamp in ms.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := c.now().UnixMilli(); t > c.last {
		c.last = t
	}
	return c.last
}

// Next returns a strictly increasing timestamp in ms.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UnixMilli()
	if t <= c.last {
		t = c.last + 1
	}
	c.last = t
	return t
}
