package vmm

import (
	"nucleus/kernel"
	"nucleus/kernel/mm"
)

var (
	// earlyReserveWatermark is the lowest virtual address handed out so far
	// by EarlyReserveRegion; it starts at scratchAddr (the top of the
	// kernel's reserved virtual address range) and counts down, so every
	// reservation carves off the top of whatever remains.
	earlyReserveWatermark = scratchAddr

	errEarlyReserveExhausted = &kernel.Error{Module: "vmm", Message: "insufficient early virtual address space for reservation"}
)

// EarlyReserveRegion hands out a page-aligned, contiguous slice of the
// kernel's virtual address space without installing any mapping for it —
// callers map the pages themselves once they have a frame to back them.
// size is rounded up to a page boundary. Intended only for the bootstrap
// window before the buddy/slab allocators are self-hosting: the callers
// that need fresh virtual address space (MapRegion, the buddy allocator's
// bookkeeping setup) route through this instead of picking addresses ad
// hoc, so there is a single place that can run out.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = alignUp(size, mm.PageSize)

	if size > earlyReserveWatermark {
		return 0, errEarlyReserveExhausted
	}

	earlyReserveWatermark -= size
	return earlyReserveWatermark, nil
}

// alignUp rounds v up to the next multiple of n, where n is a power of two.
func alignUp(v, n uintptr) uintptr {
	return (v + n - 1) &^ (n - 1)
}
