// Package bump implements a monotone bump-pointer allocator over a fixed
// address region. It never frees individual allocations; it is used during
// bootstrap and as the backing store for other allocators' own metadata.
package bump

import (
	"nucleus/kernel"
)

var (
	errOutOfRegion = &kernel.Error{Module: "bump", Message: "region exhausted"}
)

// Allocator hands out monotonically increasing addresses from [next, end).
// Allocate never returns memory that has already been handed out; Free is a
// no-op since individual blocks cannot be reclaimed.
type Allocator struct {
	next uintptr
	end  uintptr
}

// Init configures the allocator to serve addresses from the half-open region
// [start, end).
func (a *Allocator) Init(start, end uintptr) {
	a.next = start
	a.end = end
}

// Allocate reserves size bytes aligned to align (which must be a power of
// two) and returns their start address. It returns errOutOfRegion if the
// region has been exhausted.
func (a *Allocator) Allocate(size, align uintptr) (uintptr, *kernel.Error) {
	start := alignUp(a.next, align)
	newNext := start + size
	if newNext > a.end || newNext < start {
		return 0, errOutOfRegion
	}

	a.next = newNext
	return start, nil
}

// Free is a no-op; the bump allocator never reclaims individual blocks.
func (a *Allocator) Free(_ uintptr) {}

// IncreaseSize extends the managed region by delta bytes. It is the only
// legal mutation of the region besides allocation.
func (a *Allocator) IncreaseSize(delta uintptr) {
	a.end += delta
}

// Remaining returns the number of bytes still available for allocation,
// ignoring any alignment padding a future call might require.
func (a *Allocator) Remaining() uintptr {
	if a.next >= a.end {
		return 0
	}
	return a.end - a.next
}

// Next returns the current bump pointer.
func (a *Allocator) Next() uintptr {
	return a.next
}

func alignUp(addr, align uintptr) uintptr {
	if align <= 1 {
		return addr
	}
	return (addr + align - 1) &^ (align - 1)
}
