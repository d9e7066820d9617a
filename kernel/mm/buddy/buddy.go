// Package buddy implements a variable power-of-two physical frame allocator
// over a contiguous range. Each order maintains a doubly-linked free list;
// list nodes live in a caller-provided arena and are referenced by arena
// index rather than by pointer, so an arbitrary node can be unlinked in O(1)
// without reference counting or cyclic ownership (see the frameToNode
// reverse index below).
package buddy

import (
	"nucleus/kernel"
	"nucleus/kernel/hal/multiboot"
	"nucleus/kernel/kfmt/early"
	"nucleus/kernel/mm"
	"nucleus/kernel/mm/vmm"
	"reflect"
	"unsafe"
)

// MaxOrder bounds the largest block this allocator can hand out:
// 2^MaxOrder * mm.PageSize bytes.
const MaxOrder = 18

const noNode int32 = -1

var (
	errOutOfMemory  = &kernel.Error{Module: "buddy", Message: "no free block of the requested order"}
	errInvalidFree  = &kernel.Error{Module: "buddy", Message: "address misaligned or outside the managed range"}
	errUnsupported  = &kernel.Error{Module: "buddy", Message: "requested order exceeds MaxOrder"}
	errBootstrapOOM = &kernel.Error{Module: "buddy", Message: "bootstrap allocator exhausted available memory"}

	// FrameAllocator is the primary physical frame allocator. Init wires
	// its AllocFrame method into mm.SetFrameAllocator so that vmm's
	// page-table bootstrapping can pull frames from it.
	FrameAllocator Allocator

	// The following indirections exist so tests can mock the vmm calls
	// made while bootstrapping the allocator's own bookkeeping.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map
)

// node is a doubly-linked free-list cell. prev/next are arena indices, not
// pointers: noNode marks a missing link.
type node struct {
	frame mm.Frame
	order uint8
	prev  int32
	next  int32
}

// Allocator is a buddy-organized physical frame allocator over
// [startFrame, startFrame+frameCount).
type Allocator struct {
	startFrame  mm.Frame
	frameCount  uintptr
	heads       [MaxOrder + 1]int32
	tails       [MaxOrder + 1]int32
	arena       []node
	arenaHdr    reflect.SliceHeader
	freeSlot    int32 // head of the singly-linked list of unused arena slots (threaded via .next)
	frameToNode []int32
	nodeHdr     reflect.SliceHeader
}

// init configures empty free lists over the given range. The caller must
// have already populated arena/frameToNode storage of the correct size.
func (a *Allocator) init(startFrame mm.Frame, frameCount uintptr) {
	a.startFrame = startFrame
	a.frameCount = frameCount

	for k := range a.heads {
		a.heads[k] = noNode
		a.tails[k] = noNode
	}

	for i := uintptr(0); i < frameCount; i++ {
		a.frameToNode[i] = noNode
	}

	a.freeSlot = noNode
	for i := int32(len(a.arena)) - 1; i >= 0; i-- {
		a.arena[i].next = a.freeSlot
		a.freeSlot = i
	}
}

func (a *Allocator) rank(f mm.Frame) uintptr {
	return uintptr(f - a.startFrame)
}

func (a *Allocator) allocNode() int32 {
	idx := a.freeSlot
	a.freeSlot = a.arena[idx].next
	return idx
}

func (a *Allocator) releaseNode(idx int32) {
	a.arena[idx].next = a.freeSlot
	a.freeSlot = idx
}

// linkTail appends a node carrying frame at the given order to the tail of
// that order's free list and records it in the reverse index.
func (a *Allocator) linkTail(order uint8, frame mm.Frame) {
	idx := a.allocNode()
	a.arena[idx] = node{frame: frame, order: order, prev: a.tails[order], next: noNode}

	if a.tails[order] == noNode {
		a.heads[order] = idx
	} else {
		a.arena[a.tails[order]].next = idx
	}
	a.tails[order] = idx
	a.frameToNode[a.rank(frame)] = idx
}

// unlink removes the node at arena index idx from its order's free list and
// clears the reverse index entry for the frame it carried.
func (a *Allocator) unlink(idx int32) {
	n := a.arena[idx]

	if n.prev != noNode {
		a.arena[n.prev].next = n.next
	} else {
		a.heads[n.order] = n.next
	}

	if n.next != noNode {
		a.arena[n.next].prev = n.prev
	} else {
		a.tails[n.order] = n.prev
	}

	a.frameToNode[a.rank(n.frame)] = noNode
	a.releaseNode(idx)
}

// popHead removes and returns the frame at the head of order's free list, or
// (InvalidFrame, false) if the list is empty.
func (a *Allocator) popHead(order uint8) (mm.Frame, bool) {
	idx := a.heads[order]
	if idx == noNode {
		return mm.InvalidFrame, false
	}

	frame := a.arena[idx].frame
	a.unlink(idx)
	return frame, true
}

// buddyOf returns the buddy frame of frame at the given order.
func buddyOf(frame mm.Frame, order uint8) mm.Frame {
	return mm.Frame(uintptr(frame) ^ (uintptr(1) << order))
}

// Allocate rounds size up to 2^k frames, finds the smallest non-empty order
// j >= k, and splits blocks down to order k, always descending into the
// lower-addressed half.
func (a *Allocator) Allocate(size uintptr) (mm.Frame, *kernel.Error) {
	order := orderFor(size)
	if order > MaxOrder {
		return mm.InvalidFrame, errUnsupported
	}

	j := order
	for j <= MaxOrder {
		if a.heads[j] != noNode {
			break
		}
		j++
	}
	if j > MaxOrder {
		return mm.InvalidFrame, errOutOfMemory
	}

	frame, _ := a.popHead(uint8(j))
	for j > order {
		j--
		right := buddyOf(frame, uint8(j))
		if right < frame {
			frame, right = right, frame
		}
		a.linkTail(uint8(j), right)
	}

	return frame, nil
}

// AllocFrame allocates a single 4 KiB frame. It is wired as the backing
// function for mm.SetFrameAllocator.
func (a *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return a.Allocate(mm.PageSize)
}

// Free returns the block starting at frame, of the given size, to the
// allocator, merging with its buddy as long as the buddy is also free.
func (a *Allocator) Free(frame mm.Frame, size uintptr) *kernel.Error {
	order := orderFor(size)
	if order > MaxOrder {
		return errUnsupported
	}
	if uintptr(frame) < uintptr(a.startFrame) || a.rank(frame) >= a.frameCount {
		return errInvalidFree
	}
	if uintptr(frame-a.startFrame)&((uintptr(1)<<order)-1) != 0 {
		return errInvalidFree
	}

	for order < MaxOrder {
		buddy := buddyOf(frame, uint8(order))
		if a.rank(buddy) >= a.frameCount {
			break
		}

		idx := a.frameToNode[a.rank(buddy)]
		if idx == noNode || a.arena[idx].order != uint8(order) {
			break
		}

		a.unlink(idx)
		if buddy < frame {
			frame = buddy
		}
		order++
	}

	a.linkTail(uint8(order), frame)
	return nil
}

// orderFor returns the smallest k such that 2^k frames hold size bytes.
func orderFor(size uintptr) uint8 {
	frames := (size + mm.PageSize - 1) >> mm.PageShift
	if frames == 0 {
		frames = 1
	}

	var order uint8
	blockFrames := uintptr(1)
	for blockFrames < frames {
		blockFrames <<= 1
		order++
	}
	return order
}

// setupBookkeeping reserves virtual regions via reserveRegionFn large enough
// to hold the arena and reverse-index arrays, maps them to zeroed frames
// handed out by bootstrapAllocFrame, then overlays them with reflect.SliceHeader the same way the frame bitmap
// overlays its backing bytes. This lets the buddy allocator construct its
// own bookkeeping before the Go runtime allocator (and thus make/append) is
// available.
func (a *Allocator) setupBookkeeping(frameCount uintptr) *kernel.Error {
	nodeBytes := frameCount * uintptr(unsafe.Sizeof(node{}))
	indexBytes := frameCount * uintptr(unsafe.Sizeof(int32(0)))

	nodeAddr, err := reserveRegionFn(nodeBytes)
	if err != nil {
		return err
	}
	if err := mapRegion(nodeAddr, nodeBytes); err != nil {
		return err
	}

	indexAddr, err := reserveRegionFn(indexBytes)
	if err != nil {
		return err
	}
	if err := mapRegion(indexAddr, indexBytes); err != nil {
		return err
	}

	a.arenaHdr = reflect.SliceHeader{Data: nodeAddr, Len: int(frameCount), Cap: int(frameCount)}
	a.arena = *(*[]node)(unsafe.Pointer(&a.arenaHdr))

	a.nodeHdr = reflect.SliceHeader{Data: indexAddr, Len: int(frameCount), Cap: int(frameCount)}
	a.frameToNode = *(*[]int32)(unsafe.Pointer(&a.nodeHdr))

	return nil
}

func mapRegion(startAddr, size uintptr) *kernel.Error {
	pageCount := (size + mm.PageSize - 1) >> mm.PageShift
	page := mm.PageFromAddress(startAddr)
	for i := uintptr(0); i < pageCount; i, page = i+1, page+1 {
		frame, err := bootstrapAllocFrame()
		if err != nil {
			return err
		}
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}
		kernel.Memset(page.Address(), 0, mm.PageSize)
	}
	return nil
}

// bootstrapFrame tracks the next unallocated frame while the buddy
// allocator's own metadata is still under construction, the same way the
// boot-time allocator hands out frames before the real frame allocator
// exists.
var bootstrapFrame mm.Frame = mm.InvalidFrame

func bootstrapAllocFrame() (mm.Frame, *kernel.Error) {
	if bootstrapFrame == mm.InvalidFrame {
		return mm.InvalidFrame, errBootstrapOOM
	}
	f := bootstrapFrame
	bootstrapFrame++
	return f, nil
}

// Init constructs the primary frame allocator over the available memory
// regions reported by the multiboot collaborator, reserving the frames
// occupied by the kernel image and by its own bookkeeping.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	var lowestAvail, highestAvail mm.Frame = mm.InvalidFrame, 0
	var frameCount uintptr

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		startFrame := mm.Frame(((uintptr(region.PhysAddress) + mm.PageSize - 1) &^ (mm.PageSize - 1)) >> mm.PageShift)
		endFrame := mm.Frame((uintptr(region.PhysAddress+region.Length) &^ (mm.PageSize - 1)) >> mm.PageShift)

		if lowestAvail == mm.InvalidFrame || startFrame < lowestAvail {
			lowestAvail = startFrame
		}
		if endFrame > highestAvail {
			highestAvail = endFrame
		}
		return true
	})

	if lowestAvail == mm.InvalidFrame {
		return errBootstrapOOM
	}

	frameCount = uintptr(highestAvail - lowestAvail)
	bootstrapFrame = mm.FrameFromAddress((kernelEnd + mm.PageSize - 1) &^ (mm.PageSize - 1))

	if err := FrameAllocator.setupBookkeeping(frameCount); err != nil {
		return err
	}
	FrameAllocator.init(lowestAvail, frameCount)

	// Seed the free lists by greedily carving the available range into the
	// largest naturally-aligned power-of-two blocks it admits, then
	// withdraw the frames used by the kernel image and by our own
	// bookkeeping by allocating and discarding them (they are never freed
	// again).
	seedFreeLists(&FrameAllocator, lowestAvail, highestAvail)

	reserveRange(&FrameAllocator, mm.FrameFromAddress(kernelStart), mm.FrameFromAddress((kernelEnd+mm.PageSize-1)&^(mm.PageSize-1)))
	reserveRange(&FrameAllocator, mm.FrameFromAddress((kernelEnd+mm.PageSize-1)&^(mm.PageSize-1)), bootstrapFrame)

	early.Printf("[buddy] managing frames [%d, %d)\n", uint64(lowestAvail), uint64(highestAvail))

	bootstrapFrame = mm.InvalidFrame
	mm.SetFrameAllocator(FrameAllocator.AllocFrame)
	return nil
}

// seedFreeLists populates the free lists for [start, end) by greedily
// carving off the largest naturally address-aligned power-of-two block at
// the front of the remaining range. Carving on absolute address alignment
// (rather than simply coalescing order-0 blocks pairwise) guarantees every
// seeded block satisfies the buddy invariant that a block's buddy is found
// by XOR-ing its own frame number.
func seedFreeLists(a *Allocator, start, end mm.Frame) {
	cur := start
	for cur < end {
		remaining := uintptr(end - cur)

		order := uint(MaxOrder)
		for order > 0 && (uintptr(1)<<order) > remaining {
			order--
		}
		for order > 0 && uintptr(cur)&((uintptr(1)<<order)-1) != 0 {
			order--
		}

		a.linkTail(uint8(order), cur)
		cur += mm.Frame(uintptr(1) << order)
	}
}

// reserveRange withdraws every frame in [start, end) from the free lists by
// splitting down to order 0 and discarding the single frame. It is used once
// during Init to carve out the kernel image and the allocator's own
// bookkeeping.
func reserveRange(a *Allocator, start, end mm.Frame) {
	for f := start; f < end; f++ {
		reserveFrame(a, f)
	}
}

// reserveFrame finds the free block (of whatever order) that currently
// contains f, splits it down to order 0 while always descending into the
// half that contains f, and discards the order-0 block left holding f. Free
// blocks are indexed only by their start frame, so the containing block is
// found by testing each naturally-aligned candidate start from MaxOrder down
// to 0.
func reserveFrame(a *Allocator, f mm.Frame) {
	for order := uint8(MaxOrder); ; order-- {
		blockStart := mm.Frame(uintptr(f) &^ ((uintptr(1) << order) - 1))
		if a.rank(blockStart) < a.frameCount {
			if idx := a.frameToNode[a.rank(blockStart)]; idx != noNode && a.arena[idx].order == order {
				a.unlink(idx)
				splitDownTo(a, blockStart, order, f)
				if idx := a.frameToNode[a.rank(f)]; idx != noNode {
					a.unlink(idx)
				}
				return
			}
		}
		if order == 0 {
			return
		}
	}
}

// splitDownTo splits the free block [blockStart, blockStart+2^order) down to
// order 0, re-inserting the half not containing target at each step and
// leaving target as a standalone order-0 entry.
func splitDownTo(a *Allocator, blockStart mm.Frame, order uint8, target mm.Frame) {
	for order > 0 {
		order--
		half := mm.Frame(uintptr(1) << order)
		if uintptr(target-blockStart) < uintptr(half) {
			a.linkTail(order, blockStart+half)
		} else {
			a.linkTail(order, blockStart)
			blockStart += half
		}
	}
	a.linkTail(order, blockStart)
}
