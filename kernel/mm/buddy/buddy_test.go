package buddy

import (
	"nucleus/kernel/mm"
	"testing"
)

func newTestAllocator(t *testing.T, startFrame mm.Frame, frameCount uintptr) *Allocator {
	t.Helper()
	a := &Allocator{
		arena:       make([]node, frameCount),
		frameToNode: make([]int32, frameCount),
	}
	a.init(startFrame, frameCount)
	return a
}

// scenario from the end-to-end buddy split/merge walkthrough: manage
// [0x100000, 0x200000), a 256-frame range starting at frame 0x100.
func TestBuddySplitMergeScenario(t *testing.T) {
	start := mm.FrameFromAddress(0x100000)
	end := mm.FrameFromAddress(0x200000)
	a := newTestAllocator(t, start, uintptr(end-start))
	seedFreeLists(a, start, end)

	f1, err := a.Allocate(mm.PageSize)
	if err != nil || f1.Address() != 0x100000 {
		t.Fatalf("expected first allocation at 0x100000; got 0x%x (err=%v)", f1.Address(), err)
	}

	f2, err := a.Allocate(mm.PageSize)
	if err != nil || f2.Address() != 0x101000 {
		t.Fatalf("expected second allocation at 0x101000; got 0x%x (err=%v)", f2.Address(), err)
	}

	if err := a.Free(f2, mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(f1, mm.PageSize); err != nil {
		t.Fatal(err)
	}

	f3, err := a.Allocate(2 * mm.PageSize)
	if err != nil || f3.Address() != 0x100000 {
		t.Fatalf("expected merged allocation at 0x100000; got 0x%x (err=%v)", f3.Address(), err)
	}
}

func TestBuddyNoOverlappingLiveBlocks(t *testing.T) {
	start := mm.FrameFromAddress(0x100000)
	end := mm.FrameFromAddress(0x110000)
	a := newTestAllocator(t, start, uintptr(end-start))
	seedFreeLists(a, start, end)

	live := make(map[mm.Frame]bool)
	for i := 0; i < 8; i++ {
		f, err := a.Allocate(mm.PageSize)
		if err != nil {
			t.Fatal(err)
		}
		if live[f] {
			t.Fatalf("frame 0x%x allocated twice while still live", f.Address())
		}
		live[f] = true
	}
}

func TestBuddyFreeRoundTrip(t *testing.T) {
	start := mm.FrameFromAddress(0x100000)
	end := mm.FrameFromAddress(0x108000)
	a := newTestAllocator(t, start, uintptr(end-start))
	seedFreeLists(a, start, end)

	initialHeads := a.heads

	var allocated []mm.Frame
	for i := 0; i < 8; i++ {
		f, err := a.Allocate(mm.PageSize)
		if err != nil {
			t.Fatal(err)
		}
		allocated = append(allocated, f)
	}

	for _, f := range allocated {
		if err := a.Free(f, mm.PageSize); err != nil {
			t.Fatal(err)
		}
	}

	if a.heads != initialHeads {
		t.Fatalf("expected free lists to return to their initial state after freeing everything")
	}
}

func TestBuddyOutOfMemory(t *testing.T) {
	start := mm.FrameFromAddress(0x100000)
	end := mm.FrameFromAddress(0x101000)
	a := newTestAllocator(t, start, uintptr(end-start))
	seedFreeLists(a, start, end)

	if _, err := a.Allocate(mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(mm.PageSize); err == nil {
		t.Fatal("expected an error once the managed range is exhausted")
	}
}

func TestBuddyFreeRejectsMisalignedAddress(t *testing.T) {
	start := mm.FrameFromAddress(0x100000)
	end := mm.FrameFromAddress(0x200000)
	a := newTestAllocator(t, start, uintptr(end-start))
	seedFreeLists(a, start, end)

	if err := a.Free(start+1, 2*mm.PageSize); err == nil {
		t.Fatal("expected an error when freeing a misaligned address for the given order")
	}
}
