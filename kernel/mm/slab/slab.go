// Package slab implements a fixed-size object cache layered on top of the
// buddy frame allocator. Each size class 2^3..2^12 bytes holds an ordered
// (by start address) set of free-list allocators; a class grows by pulling
// frames from the buddy allocator and doubling its growth request each time
// it runs out.
package slab

import (
	"nucleus/kernel"
	"nucleus/kernel/mm"
	"nucleus/kernel/mm/freelist"
)

const (
	minClassShift = 3  // smallest class is 2^3 = 8 bytes
	maxClassShift = 12 // largest class is 2^12 = 4096 bytes (one frame)
	numClasses    = maxClassShift - minClassShift + 1

	// maxAllocatorsPerClass bounds the ordered set of free-list allocators a
	// class can grow to. Growth doubles the frame request every time, so
	// this many steps comfortably covers the physical memory any of the
	// targeted machines carry.
	maxAllocatorsPerClass = 24
)

var (
	errNoClass       = &kernel.Error{Module: "slab", Message: "requested size exceeds the largest slab class"}
	errOutOfMemory   = &kernel.Error{Module: "slab", Message: "buddy allocator could not satisfy slab growth"}
	errUnknownPtr    = &kernel.Error{Module: "slab", Message: "address does not belong to any slab allocator"}
	errTooManyGrowth = &kernel.Error{Module: "slab", Message: "slab class exceeded its maximum number of backing allocators"}

	// FrameAllocFn is called whenever a class needs to grow; it requests
	// `frames` contiguous 4 KiB frames from the buddy allocator and returns
	// the physical address of the first one.
	FrameAllocFn func(frames uintptr) (uintptr, *kernel.Error)
)

// entry pairs a free-list allocator with the address range it covers so the
// owning class can binary-search for the allocator that owns a given
// pointer.
type entry struct {
	start, end uintptr
	alloc      freelist.Allocator
}

// class manages every free-list allocator backing one size class.
type class struct {
	blockSize  uintptr
	nextGrowth uintptr
	allocators [maxAllocatorsPerClass]entry
	allocCount int
}

// Allocator is a slab allocator covering size classes 2^3..2^12.
type Allocator struct {
	classes [numClasses]class
}

// Init prepares every size class with its starting growth quantum of one
// frame.
func (a *Allocator) Init() {
	for k := range a.classes {
		a.classes[k].blockSize = uintptr(1) << uint(k+minClassShift)
		a.classes[k].nextGrowth = 1
	}
}

// classFor returns the index of the size class that should serve a request
// for n bytes, i.e. 2^ceil(log2(n)).
func classFor(n uintptr) (int, *kernel.Error) {
	shift := minClassShift
	size := uintptr(1) << uint(shift)
	for size < n {
		shift++
		size <<= 1
	}

	if shift > maxClassShift {
		return -1, errNoClass
	}
	return shift - minClassShift, nil
}

// Allocate returns the address of a free object able to hold n bytes, from
// the size class 2^ceil(log2(n)).
func (a *Allocator) Allocate(n uintptr) (uintptr, *kernel.Error) {
	classIdx, err := classFor(n)
	if err != nil {
		return 0, err
	}

	c := &a.classes[classIdx]
	for i := 0; i < c.allocCount; i++ {
		if !c.allocators[i].alloc.FullyOccupied() {
			return c.allocators[i].alloc.Allocate()
		}
	}

	return c.grow()
}

// grow requests nextGrowth frames' worth of blocks from the buddy
// allocator, plus however many additional frames freelist.Allocator needs
// for its own node arena, builds a new free-list allocator over the
// combined region, inserts it into the ordered set, and doubles
// nextGrowth for the following call.
func (c *class) grow() (uintptr, *kernel.Error) {
	if c.allocCount >= maxAllocatorsPerClass {
		return 0, errTooManyGrowth
	}

	blockCount := c.nextGrowth * mm.PageSize / c.blockSize
	auxBytes := freelist.AuxDataStructuresSizeFor(blockCount, c.blockSize)
	auxFrames := (auxBytes + mm.PageSize - 1) / mm.PageSize
	totalFrames := c.nextGrowth + auxFrames

	regionSize := totalFrames * mm.PageSize
	regionStart, err := FrameAllocFn(totalFrames)
	if err != nil {
		return 0, errOutOfMemory
	}

	idx := c.insertionPoint(regionStart)
	for i := c.allocCount; i > idx; i-- {
		c.allocators[i] = c.allocators[i-1]
	}

	c.allocators[idx].start = regionStart
	c.allocators[idx].end = regionStart + regionSize
	c.allocators[idx].alloc.Init(regionStart, regionStart+regionSize, c.blockSize)
	c.allocCount++
	c.nextGrowth *= 2

	return c.allocators[idx].alloc.Allocate()
}

// insertionPoint returns the index at which an allocator starting at
// regionStart should be inserted to keep the set sorted by start address.
func (c *class) insertionPoint(regionStart uintptr) int {
	lo, hi := 0, c.allocCount
	for lo < hi {
		mid := (lo + hi) / 2
		if c.allocators[mid].start < regionStart {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Free returns the object at addr to its owning free-list allocator, found
// via binary search over the ordered set of allocators across every class.
func (a *Allocator) Free(addr uintptr) *kernel.Error {
	for k := range a.classes {
		c := &a.classes[k]
		lo, hi := 0, c.allocCount
		for lo < hi {
			mid := (lo + hi) / 2
			if c.allocators[mid].end <= addr {
				lo = mid + 1
			} else {
				hi = mid
			}
		}

		if lo < c.allocCount && addr >= c.allocators[lo].start && addr < c.allocators[lo].end {
			return c.allocators[lo].alloc.Free(addr)
		}
	}

	return errUnknownPtr
}
