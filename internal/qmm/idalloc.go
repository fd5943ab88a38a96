package qmm

import "sync/atomic"

// IDAllocator hands out object ids. Ids must be strictly increasing and
// never reused for the lifetime of the allocator.
type IDAllocator interface {
	Next() uint64
}

// Counter is an atomic IDAllocator. The zero value is ready to use and
// hands out 1 first.
type Counter struct {
	last atomic.Uint64
}

// NewCounter returns a Counter that continues after last. Use it to resume
// numbering above ids already present in an archive.
func NewCounter(last uint64) *Counter {
	c := &Counter{}
	c.last.Store(last)
	return c
}

// Next returns the next id. It panics if the id space is exhausted.
func (c *Counter) Next() uint64 {
	id := c.last.Add(1)
	if id == 0 {
		panic("qmm: object id space exhausted")
	}
	return id
}

// Last returns the most recently allocated id, or the starting point if
// nothing has been allocated yet.
func (c *Counter) Last() uint64 {
	return c.last.Load()
}
