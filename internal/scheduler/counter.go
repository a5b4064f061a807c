package scheduler

import (
	"math"
	"sync"

	"golang.org/x/sync/semaphore"
)

// unlimited is the semaphore weight backing a counter without a maximum.
const unlimited = math.MaxInt64

// Counter is the bounded admission counter shared by all nodes of a cluster.
// A maximum of 0 means unlimited. Admission is decided by the weighted
// semaphore alone: an increment past the maximum is refused instead of
// blocking. current only tallies occupied slots for reporting.
type Counter struct {
	mu      sync.Mutex
	current int
	maximum int
	slots   *semaphore.Weighted
}

// NewCounter creates a counter. maximum <= 0 means unlimited.
func NewCounter(maximum int) *Counter {
	c := &Counter{}
	c.setMaximum(maximum)
	return c
}

// Current returns the number of occupied slots.
func (c *Counter) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Maximum returns the configured maximum, 0 when unlimited.
func (c *Counter) Maximum() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maximum
}

// MaximumSet reports whether a maximum is configured.
func (c *Counter) MaximumSet() bool {
	return c.Maximum() > 0
}

// Available reports whether one more unit of work may be admitted.
func (c *Counter) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Every acquire goes through mu, so probing and handing the slot back
	// cannot race with an increment.
	if !c.slots.TryAcquire(1) {
		return false
	}
	c.slots.Release(1)
	return true
}

// Remaining returns the number of free slots, or -1 when unlimited.
func (c *Counter) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maximum <= 0 {
		return -1
	}
	return c.maximum - c.current
}

// Increment occupies a slot. It returns false without changing anything when
// the counter is exhausted.
func (c *Counter) Increment() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.slots.TryAcquire(1) {
		return false
	}
	c.current++
	return true
}

// Decrement releases a slot. Releasing an empty counter is a no-op.
func (c *Counter) Decrement() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == 0 {
		return
	}
	c.current--
	c.slots.Release(1)
}

// SetMaximum changes the limit. A limit below the current occupancy is
// rejected.
func (c *Counter) SetMaximum(maximum int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maximum > 0 && maximum < c.current {
		return invalidf("maximum %d is below current concurrency %d", maximum, c.current)
	}
	c.setMaximum(maximum)
	return nil
}

// setMaximum replaces the semaphore, carrying the occupied slots over.
func (c *Counter) setMaximum(maximum int) {
	weight := int64(unlimited)
	if maximum > 0 {
		weight = int64(maximum)
	} else {
		maximum = 0
	}
	c.maximum = maximum
	c.slots = semaphore.NewWeighted(weight)
	if c.current > 0 {
		c.slots.TryAcquire(int64(c.current))
	}
}

// Zero releases every slot.
func (c *Counter) Zero() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = 0
	c.setMaximum(c.maximum)
}
