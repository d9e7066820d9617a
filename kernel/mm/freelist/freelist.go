// Package freelist implements a constant-block-size allocator backed by a
// bump region. Unlike a naive design that threads free-list nodes through
// the freed blocks themselves, bookkeeping for the free list lives in its
// own bump-backed arena, sized up front for the worst case: every block
// simultaneously free, plus one spare slot. This sidesteps the
// chicken-and-egg problem of needing a place to record "this block is
// free" before any allocator exists to hand that place out — the same
// problem mm/buddy solves for its own free lists by indexing nodes in a
// caller-provided arena instead of following pointers into the blocks
// under management.
package freelist

import (
	"nucleus/kernel"
	"nucleus/kernel/mm/bump"
	"reflect"
	"unsafe"
)

var errInvalidFree = &kernel.Error{Module: "freelist", Message: "address not owned by this allocator"}

// noNode marks the end of a node chain (the free-block list or the spare
// stack), distinguishing "no node" from the valid zero index.
const noNode int32 = -1

// node is one slot of the free-list bookkeeping arena. It names the block
// it stands in for rather than living inside that block, so a block's own
// memory is never touched while it sits on the free list.
type node struct {
	blockAddr uintptr
	next      int32
}

// Allocator hands out fixed-size blocks from a working region, reusing
// freed blocks in LIFO order before falling back to the underlying bump
// region.
type Allocator struct {
	blockSize  uintptr
	region     bump.Allocator
	regionBase uintptr
	regionEnd  uintptr

	// nodeArena backs every node ever used to track a freed block. It is
	// sized once, in Init, to the worst case and never grows.
	nodeArena []node

	freeHead  int32 // head of the free-block list, threaded through nodeArena
	freeCount int

	spareHead      int32 // head of the stack of nodeArena slots available for reuse
	nextUnusedNode int32 // bump cursor into nodeArena for slots neither free nor spare yet
}

// Init configures the allocator to serve fixed blockSize blocks out of
// [start, end). blockSize is raised to a pointer's width if smaller. The
// region is split between the working blocks and a trailing node arena
// sized by AuxDataStructuresSizeFor for however many blocks fit; callers
// that size their region with AuxDataStructuresSizeFor in mind get back
// exactly the block count they asked for.
func (a *Allocator) Init(start, end, blockSize uintptr) {
	if blockSize < unsafe.Sizeof(uintptr(0)) {
		blockSize = unsafe.Sizeof(uintptr(0))
	}
	a.blockSize = blockSize

	nodeSize := unsafe.Sizeof(node{})
	total := end - start

	var blockCount uintptr
	if total > nodeSize {
		blockCount = (total - nodeSize) / (blockSize + nodeSize)
	}

	a.regionBase = start
	a.regionEnd = start + blockCount*blockSize
	a.region.Init(a.regionBase, a.regionEnd)

	arenaLen := int(blockCount + 1)
	a.nodeArena = *(*[]node)(unsafe.Pointer(&reflect.SliceHeader{
		Data: a.regionEnd,
		Len:  arenaLen,
		Cap:  arenaLen,
	}))

	a.freeHead = noNode
	a.freeCount = 0
	a.spareHead = noNode
	a.nextUnusedNode = 0
}

// acquireNode returns an unused nodeArena slot, preferring one released by
// a prior Allocate call over growing into fresh arena space.
func (a *Allocator) acquireNode() int32 {
	if a.spareHead != noNode {
		idx := a.spareHead
		a.spareHead = a.nodeArena[idx].next
		return idx
	}

	idx := a.nextUnusedNode
	a.nextUnusedNode++
	return idx
}

// releaseNode returns idx to the spare stack for reuse by a later Free.
func (a *Allocator) releaseNode(idx int32) {
	a.nodeArena[idx].next = a.spareHead
	a.spareHead = idx
}

// Allocate returns the head of the free list if non-empty, otherwise
// delegates to the underlying bump allocator.
func (a *Allocator) Allocate() (uintptr, *kernel.Error) {
	if a.freeHead != noNode {
		idx := a.freeHead
		addr := a.nodeArena[idx].blockAddr
		a.freeHead = a.nodeArena[idx].next
		a.releaseNode(idx)
		a.freeCount--
		return addr, nil
	}

	// Blocks are packed from regionBase, so each one is blockSize-aligned
	// relative to it, which is what Free checks.
	return a.region.Allocate(a.blockSize, 1)
}

// Free pushes addr back onto the free list. addr must lie within the
// allocator's working region and be blockSize-aligned relative to its
// base; violating either invariant is a programming error in the caller.
func (a *Allocator) Free(addr uintptr) *kernel.Error {
	if addr < a.regionBase || addr >= a.regionEnd || (addr-a.regionBase)%a.blockSize != 0 {
		return errInvalidFree
	}

	idx := a.acquireNode()
	a.nodeArena[idx] = node{blockAddr: addr, next: a.freeHead}
	a.freeHead = idx
	a.freeCount++
	return nil
}

// FullyFree reports whether every block ever carved from the region has
// been returned to the free list.
func (a *Allocator) FullyFree() bool {
	allocated := (a.region.Next() - a.regionBase) / a.blockSize
	return uintptr(a.freeCount) == allocated
}

// FullyOccupied reports whether the free list is empty and the underlying
// bump region has no room left for another block.
func (a *Allocator) FullyOccupied() bool {
	return a.freeHead == noNode && a.region.Remaining() < a.blockSize
}

// Owns reports whether addr falls within this allocator's working region.
func (a *Allocator) Owns(addr uintptr) bool {
	return addr >= a.regionBase && addr < a.regionEnd
}

// AuxDataStructuresSizeFor returns the number of bytes a free-list
// allocator needs for its node arena to track up to blockCount
// simultaneously-free blocks, plus one spare slot — the same worst-case
// margin the Rust original reserves for its own free-block list. The
// blockSize argument is accepted for symmetry with Init's region-sizing
// contract but does not affect the arena's size: only the block count
// drives how many nodes the arena must hold.
func AuxDataStructuresSizeFor(blockCount, _ uintptr) uintptr {
	return (blockCount + 1) * unsafe.Sizeof(node{})
}
