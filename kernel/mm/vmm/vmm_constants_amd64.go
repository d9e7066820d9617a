// amd64 four-level paging geometry and page-table-entry layout. Every
// constant below is dictated by the architecture manual, not by this
// kernel: entry width, the 512-entries-per-table split, and the bit
// positions of present/writable/accessed/dirty/huge/global/NX are fixed
// points no amount of "adaptation" gets to move.
package vmm

import "math"

const (
	// tableLevels is the depth of the amd64 paging hierarchy: PML4, PDPT,
	// PD and PT.
	tableLevels = 4

	// pteFrameMask isolates the physical frame address stored in bits
	// 12-51 of a page table entry, discarding the flag bits on either
	// side.
	pteFrameMask = uintptr(0x000ffffffffff000)

	// scratchAddr names a single reserved page of virtual address space
	// used whenever the kernel needs a short-lived window onto an
	// arbitrary physical frame (inspecting/zeroing an inactive page
	// table, for instance). Its table indices are 510/511/511/511, one
	// short of the recursive self-mapping slot below.
	scratchAddr = uintptr(0xffffff7ffffff000)
)

var (
	// recursiveTableAddr is the virtual address produced when every
	// index in a 4-level walk points at the last entry of the top-level
	// table. Because that entry is set up to point back at the
	// top-level table itself (see PageDirectoryTable.Init), walking to
	// this address lands the MMU back on the table's own backing page —
	// the classic recursive-mapping trick that lets the kernel edit its
	// own page tables as ordinary memory.
	recursiveTableAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// levelIndexBits gives the width, in bits, of the index consumed
	// from a virtual address at each paging level. amd64 splits all
	// four levels evenly: 9 bits each, 512 entries per table.
	levelIndexBits = [tableLevels]uint8{9, 9, 9, 9}

	// levelAddrShift gives the bit position at which each level's index
	// field begins within a virtual address.
	levelAddrShift = [tableLevels]uint8{39, 30, 21, 12}
)

const (
	// FlagPresent marks a resident (not swapped out) entry.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW allows writes through this mapping.
	FlagRW

	// FlagUserAccessible permits access from ring 3; absent, only
	// kernel code may touch the page.
	FlagUserAccessible

	// FlagWriteThroughCaching selects write-through over write-back
	// caching for the mapping.
	FlagWriteThroughCaching

	// FlagDoNotCache disables caching entirely for the mapping.
	FlagDoNotCache

	// FlagAccessed is set by the MMU the first time the page is read.
	FlagAccessed

	// FlagDirty is set by the MMU the first time the page is written.
	FlagDirty

	// FlagHugePage selects a 2MiB entry at this level instead of a
	// pointer to the next table down.
	FlagHugePage

	// FlagGlobal exempts the translation from TLB flushes on a CR3
	// reload.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only mapping for lazy-copy handling
	// by the page fault handler. Mutually exclusive with FlagRW: a
	// write to a CoW page traps, allocates a private frame, and
	// upgrades the mapping to RW against the copy.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute is the architecture's bit 63; it requires the NX
	// bit be enabled in EFER before use.
	FlagNoExecute = 1 << 63
)
