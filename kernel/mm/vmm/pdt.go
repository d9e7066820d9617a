package vmm

import (
	"nucleus/kernel"
	"nucleus/kernel/cpu"
	"nucleus/kernel/hal/multiboot"
	"nucleus/kernel/mm"
	"unsafe"
)

var (
	// currentPDTAddrFn reads the physical address loaded in CR3. Tests
	// override it since the real instruction traps outside ring 0.
	currentPDTAddrFn = cpu.ActivePDT

	// switchActivePDTFn loads a new physical address into CR3. Tests
	// override it for the same reason as currentPDTAddrFn.
	switchActivePDTFn = cpu.SwitchPDT

	// mapPageFn, mapScratchFn and unmapPageFn indirect through the
	// package-level Map/MapTemporary/Unmap so tests can substitute
	// fakes; in the compiled kernel the compiler inlines them away.
	mapPageFn    = Map
	mapScratchFn = MapTemporary
	unmapPageFn  = Unmap

	// elfSectionVisitorFn indirects through multiboot.VisitElfSections
	// for the same reason.
	elfSectionVisitorFn = multiboot.VisitElfSections

	// kernelPDT is the granular page directory built by bootstrapKernelPDT,
	// replacing whatever identity-mapped table the bootloader handed the
	// kernel at entry.
	kernelPDT PageDirectoryTable
)

// PageDirectoryTable is a handle to one top-level (PML4) page table and
// the mappings reachable beneath it. The zero value is not usable;
// construct one via Init.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// Init prepares pdtFrame for use as a page directory: if it is not
// already the active table, Init borrows the scratch mapping to zero the
// frame and install the recursive self-mapping in its final entry (see
// recursiveTableAddr) before releasing the scratch mapping again. A
// frame that is already active is assumed to have been bootstrapped by
// firmware/a previous call and is left untouched.
func (pdt *PageDirectoryTable) Init(pdtFrame mm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == currentPDTAddrFn() {
		return nil
	}

	scratchPage, err := mapScratchFn(pdtFrame)
	if err != nil {
		return err
	}
	defer func() { _ = unmapPageFn(scratchPage) }()

	kernel.Memset(scratchPage.Address(), 0, mm.PageSize)

	selfEntry := lastEntryOf(scratchPage.Address())
	*selfEntry = 0
	selfEntry.SetFlags(FlagPresent | FlagRW)
	selfEntry.SetFrame(pdtFrame)

	return nil
}

// lastEntryOf returns a pointer to the final entry of the table whose
// first entry lives at tableAddr.
func lastEntryOf(tableAddr uintptr) *pageTableEntry {
	lastIndex := uintptr(1)<<levelIndexBits[0] - 1
	return (*pageTableEntry)(unsafe.Pointer(tableAddr + (lastIndex << mm.PointerShift)))
}

// withBorrowedAccess makes pdt reachable through the recursive mapping
// scheme even when it is not the currently active table, by temporarily
// pointing the active table's last entry at pdt's frame, running fn, and
// restoring the active table's own frame afterwards. Both Map and Unmap
// need this dance to operate on an inactive PDT (e.g. while building a
// fresh table for a process that hasn't been switched to yet); factoring
// it out keeps that bookkeeping in one place instead of duplicated
// per-method.
func (pdt PageDirectoryTable) withBorrowedAccess(fn func() *kernel.Error) *kernel.Error {
	activeFrame := mm.Frame(currentPDTAddrFn() >> mm.PageShift)
	if activeFrame == pdt.pdtFrame {
		return fn()
	}

	selfEntryAddr := activeFrame.Address() + ((uintptr(1)<<levelIndexBits[0] - 1) << mm.PointerShift)
	selfEntry := (*pageTableEntry)(unsafe.Pointer(selfEntryAddr))

	selfEntry.SetFrame(pdt.pdtFrame)
	flushTLBEntryFn(selfEntryAddr)

	err := fn()

	selfEntry.SetFrame(activeFrame)
	flushTLBEntryFn(selfEntryAddr)

	return err
}

// Map installs page -> frame in this table, borrowing recursive access
// first if the table is not currently active.
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return pdt.withBorrowedAccess(func() *kernel.Error {
		return mapPageFn(page, frame, flags)
	})
}

// Unmap removes page's mapping from this table, borrowing recursive
// access first if the table is not currently active.
func (pdt PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	return pdt.withBorrowedAccess(func() *kernel.Error {
		return unmapPageFn(page)
	})
}

// Activate loads this table into CR3, making it the one the MMU
// consults for every subsequent translation.
func (pdt PageDirectoryTable) Activate() {
	switchActivePDTFn(pdt.pdtFrame.Address())
}

// bootstrapKernelPDT replaces the bootloader's page tables with a
// granular one built from the kernel's own ELF section headers: each
// section gets mapped with exactly the permissions it needs (NX for
// non-executable sections, RW for writable ones) rather than inheriting
// whatever blanket identity mapping the loader set up. Any pages handed
// out via EarlyReserveRegion before this point are carried over so
// in-flight bootstrap allocations stay valid once the new table is
// activated.
func bootstrapKernelPDT(kernelPageOffset uintptr) *kernel.Error {
	frame, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	if err = kernelPDT.Init(frame); err != nil {
		return err
	}

	var visitErr *kernel.Error
	mapSection := func(_ string, secFlags multiboot.ElfSectionFlag, secAddr uintptr, secSize uint64) {
		if visitErr != nil || secAddr < kernelPageOffset {
			return
		}

		flags := FlagPresent
		if secFlags&multiboot.ElfSectionExecutable == 0 {
			flags |= FlagNoExecute
		}
		if secFlags&multiboot.ElfSectionWritable != 0 {
			flags |= FlagRW
		}

		firstPage := mm.PageFromAddress(secAddr)
		lastPage := mm.PageFromAddress(secAddr + uintptr(secSize-1))
		firstFrame := mm.Frame((secAddr - kernelPageOffset) >> mm.PageShift)

		for page, frame := firstPage, firstFrame; page <= lastPage; page, frame = page+1, frame+1 {
			if visitErr = kernelPDT.Map(page, frame, flags); visitErr != nil {
				return
			}
		}
	}

	// Wrapping the closure pointer through hideFromEscapeAnalysis keeps
	// the compiler from deciding mapSection needs a heap allocation this
	// early in boot, before any allocator is wired up.
	elfSectionVisitorFn(
		*(*multiboot.ElfSectionVisitor)(hideFromEscapeAnalysis(unsafe.Pointer(&mapSection))),
	)
	if visitErr != nil {
		return visitErr
	}

	for addr := earlyReserveWatermark; addr < scratchAddr; addr += mm.PageSize {
		physAddr, err := translateFn(addr)
		if err != nil {
			return err
		}
		if err = kernelPDT.Map(mm.PageFromAddress(addr), mm.Frame(physAddr>>mm.PageShift), FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	// The old identity mapping over the kernel's physical load address
	// stops being valid the instant this table goes live.
	kernelPDT.Activate()
	return nil
}

// hideFromEscapeAnalysis launders a pointer through an XOR-with-zero so
// the compiler's escape analysis loses track of its origin. Borrowed
// from the standard runtime's internal noescape helper; needed here for
// the same reason the runtime needs it: to take the address of a stack
// value without forcing a heap allocation before one is available.
//go:nosplit
func hideFromEscapeAnalysis(p unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) ^ 0)
}

// ErrInvalidMapping is returned when a virtual address has no resident
// mapping at the point where a page table walk expected one.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

// PageTableEntryFlag is a bitmask of flags attached to a page table
// entry; see the Flag* constants.
type PageTableEntryFlag uintptr

// pageTableEntry is one raw 8-byte slot in a page table: a physical
// frame address packed with flag bits, per the amd64 PTE format.
type pageTableEntry uintptr

// HasFlags reports whether every bit in flags is set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uintptr(pte)&uintptr(flags) == uintptr(flags)
}

// HasAnyFlag reports whether at least one bit in flags is set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return uintptr(pte)&uintptr(flags) != 0
}

// SetFlags ORs flags into the entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags clears flags from the entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

// Frame extracts the physical frame this entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & pteFrameMask) >> mm.PageShift)
}

// SetFrame rewrites the entry's frame field, leaving its flags alone.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ pteFrameMask) | frame.Address())
}

// lookupPTE walks to the final-level entry backing virtAddr, returning
// ErrInvalidMapping if any level along the way is not present.
func lookupPTE(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		found *pageTableEntry
		err   *kernel.Error
	)

	walkPageTable(virtAddr, func(_ uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		found = pte
		return true
	})

	return found, err
}

// entryPtrFn resolves the virtual address of a page table entry to an
// unsafe.Pointer. Tests substitute a fake backing array here so
// walkPageTable can be exercised without real page tables; the compiled
// kernel inlines this back down to a bare pointer conversion.
var entryPtrFn = func(entryAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(entryAddr)
}

// walkFunc is invoked once per paging level during walkPageTable with
// that level's entry. Returning false stops the walk early.
type walkFunc func(level uint8, pte *pageTableEntry) bool

// walkPageTable descends the four paging levels for virtAddr, calling fn
// at each one. It relies entirely on the recursive self-mapping
// installed by PageDirectoryTable.Init: starting from
// recursiveTableAddr and re-applying the same index-extraction at each
// step adds one more level of recursive indirection, which is exactly
// equivalent to walking PML4 -> PDPT -> PD -> PT by physical address,
// without ever needing to know a physical-to-virtual mapping for the
// intermediate tables themselves.
func walkPageTable(virtAddr uintptr, fn walkFunc) {
	tableAddr := recursiveTableAddr

	for level := uint8(0); level < tableLevels; level++ {
		index := (virtAddr >> levelAddrShift[level]) & (uintptr(1)<<levelIndexBits[level] - 1)
		entryAddr := tableAddr + (index << mm.PointerShift)

		if !fn(level, (*pageTableEntry)(entryPtrFn(entryAddr))) {
			return
		}

		tableAddr = entryAddr << levelIndexBits[level]
	}
}
