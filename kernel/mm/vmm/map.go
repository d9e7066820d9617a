package vmm

import (
	"nucleus/kernel"
	"nucleus/kernel/cpu"
	"nucleus/kernel/mm"
	"unsafe"
)

// ReservedZeroedFrame is a single physical frame, allocated once during
// Init and kept zeroed for the lifetime of the kernel. It exists so
// on-demand allocation can be expressed as an ordinary mapping instead
// of a special case: map every page in a fresh region to this one frame
// with FlagCopyOnWrite, and no physical memory is actually committed
// until something writes to a page, at which point the fault handler
// allocates a private, zeroed frame and retries the write. For example:
//
//  func reserveOnDemand(start mm.Page, n int) *kernel.Error {
//      for p := start; n > 0; n, p = n-1, p+1 {
//          if err := vmm.Map(p, vmm.ReservedZeroedFrame, vmm.FlagPresent|vmm.FlagCopyOnWrite); err != nil {
//              return err
//          }
//      }
//      return nil
//  }
var ReservedZeroedFrame mm.Frame

var (
	// protectReservedZeroedPage flips to true once ReservedZeroedFrame
	// is live, after which Map and MapTemporary refuse to map it RW —
	// every live mapping to it must be read-only-plus-CoW, or every
	// process sharing the frame would see each other's writes.
	protectReservedZeroedPage bool

	// clearTableAddrFn resolves the virtual address of a freshly
	// allocated page table frame before it gets zeroed. Tests override
	// it to point at a fake backing buffer; in the compiled kernel it
	// is the identity function, since physical and virtual addresses
	// for page table frames coincide once mapped.
	clearTableAddrFn = func(entryAddr uintptr) uintptr { return entryAddr }

	// flushTLBEntryFn invalidates one TLB entry after its mapping
	// changes. Tests override it since the real instruction traps
	// outside ring 0.
	flushTLBEntryFn = cpu.FlushTLBEntry

	reserveRegionFn = EarlyReserveRegion

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
)

// Map installs a page -> frame translation in the currently active page
// directory, allocating and zeroing any intermediate page tables needed
// to reach the final level. Mapping ReservedZeroedFrame with FlagRW set
// is rejected — see ReservedZeroedFrame's doc comment for why.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && flags&FlagRW != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	walkPageTable(page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level == tableLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			tableFrame, allocErr := mm.AllocFrame()
			if allocErr != nil {
				err = allocErr
				return false
			}

			*pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The table pointed to by pte only becomes addressable
			// through one more level of recursive indirection than pte
			// itself, which is exactly what shifting its own address
			// left by the next level's index width produces.
			childTableAddr := uintptr(unsafe.Pointer(pte)) << levelIndexBits[level+1]
			kernel.Memset(clearTableAddrFn(childTableAddr), 0, mm.PageSize)
		}

		return true
	})

	return err
}

// MapRegion carves size (rounded up to a page boundary) bytes of unused
// virtual address space out of EarlyReserveRegion and maps it, page by
// page, to the physical range starting at frame. It returns the page at
// the start of the new mapping.
func MapRegion(frame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	size = alignUp(size, mm.PageSize)

	regionStart, err := reserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pages := size >> mm.PageShift
	page := mm.PageFromAddress(regionStart)
	for ; pages > 0; pages, page, frame = pages-1, page+1, frame+1 {
		if err := mapPageFn(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return mm.PageFromAddress(regionStart), nil
}

// IdentityMapRegion maps size (rounded up to a page boundary) bytes
// starting at startFrame to the identical virtual address, i.e. page N
// maps to frame N. It returns the first page mapped.
func IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pages := mm.Page(alignUp(size, mm.PageSize) >> mm.PageShift)

	for page := startPage; page < startPage+pages; page++ {
		if err := mapPageFn(page, mm.Frame(page), flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// MapTemporary maps frame RW at the fixed scratchAddr page, overwriting
// whatever was mapped there before. It is how the kernel gets a window
// onto a physical frame it has no permanent virtual address for yet —
// an inactive page directory's own frame, for instance. The caller is
// responsible for unmapping it when done; nothing else may assume the
// scratch slot is free in the meantime.
func MapTemporary(frame mm.Frame) (mm.Page, *kernel.Error) {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame {
		return 0, errAttemptToRWMapReservedFrame
	}

	if err := Map(mm.PageFromAddress(scratchAddr), frame, FlagPresent|FlagRW); err != nil {
		return 0, err
	}

	return mm.PageFromAddress(scratchAddr), nil
}

// Unmap clears page's mapping, installed by a previous Map or
// MapTemporary call.
func Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error

	walkPageTable(page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level == tableLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Translate resolves a virtual address to the physical address it is
// currently mapped to, or ErrInvalidMapping if it has no mapping.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := lookupPTE(virtAddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the low-order bits of virtAddr that address a byte
// within its containing page, i.e. the part a page table entry doesn't
// capture.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (uintptr(1)<<levelAddrShift[tableLevels-1] - 1)
}
