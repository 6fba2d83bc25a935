package common

import "github.com/pkg/errors"

// ErrChannelsExhausted is returned when every id in the range is in use
var ErrChannelsExhausted = errors.New("channel allocator exhausted")

// ChannelAllocator hands out object ids from a [min, max] range and
// reuses ids returned through Free in FIFO order
type ChannelAllocator struct {
	min, max  DoID
	next      DoID
	free      []DoID
	allocated DoIDSet
}

// NewChannelAllocator creates an allocator for the inclusive range [min, max]
func NewChannelAllocator(min, max DoID) *ChannelAllocator {
	if max < min {
		min, max = max, min
	}
	return &ChannelAllocator{
		min:       min,
		max:       max,
		next:      min,
		allocated: DoIDSet{},
	}
}

// Range returns the inclusive range of the allocator
func (a *ChannelAllocator) Range() (DoID, DoID) {
	return a.min, a.max
}

// InRange returns if id belongs to this allocator
func (a *ChannelAllocator) InRange(id DoID) bool {
	return id >= a.min && id <= a.max
}

// Allocate returns an unused id
func (a *ChannelAllocator) Allocate() (DoID, error) {
	if len(a.free) > 0 {
		id := a.free[0]
		a.free = a.free[1:]
		a.allocated.Add(id)
		return id, nil
	}
	if a.next > a.max || a.next < a.min { // next < min after wrapping past 0xFFFFFFFF
		return 0, ErrChannelsExhausted
	}
	id := a.next
	a.next++
	a.allocated.Add(id)
	return id, nil
}

// Free returns id to the pool. Ids outside the range or not allocated are ignored.
func (a *ChannelAllocator) Free(id DoID) bool {
	if !a.InRange(id) || !a.allocated.Contains(id) {
		return false
	}
	a.allocated.Del(id)
	a.free = append(a.free, id)
	return true
}

// NumAllocated returns how many ids are currently handed out
func (a *ChannelAllocator) NumAllocated() int {
	return len(a.allocated)
}
