package perfwatch

import (
	"strconv"
	"sync/atomic"
)

// IDAllocator hands out listener identifiers. One allocator is shared by
// every Registry of a Dispatcher so identifiers never collide across events.
type IDAllocator struct {
	counter atomic.Uint64
}

// NewIDAllocator creates an allocator starting at "0"
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{}
}

// Next returns the current counter value as a string and advances the counter
func (a *IDAllocator) Next() string {
	return strconv.FormatUint(a.counter.Add(1)-1, 10)
}

// Reset sets the counter back to zero
func (a *IDAllocator) Reset() {
	a.counter.Store(0)
}
