package db

import (
	"sync/atomic"
	"time"
)

// clock hands out strictly increasing wall-clock timestamps (unix nanos).
// Message creation and disconnect stamps share it, so "created after the
// last disconnect" never ties and append order equals timestamp order.
type clock struct {
	last atomic.Int64
}

func (c *clock) now() time.Time {
	for {
		prev := c.last.Load()
		n := time.Now().UnixNano()
		if n <= prev {
			n = prev + 1
		}
		if c.last.CompareAndSwap(prev, n) {
			return fromNanos(n)
		}
	}
}

// advance moves the clock forward to at least n.
func (c *clock) advance(n int64) {
	for {
		prev := c.last.Load()
		if n <= prev || c.last.CompareAndSwap(prev, n) {
			return
		}
	}
}
