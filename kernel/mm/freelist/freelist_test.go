package freelist

import (
	"testing"
	"unsafe"
)

// baseOf returns buf's backing address so tests exercise Init/Allocate/Free
// against real, accessible memory rather than arbitrary literal addresses —
// the node arena now lives at the tail of the region, and a bogus address
// would fault the moment a test wrote through it.
func baseOf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

func TestAllocateFreeAllocateReusesAddress(t *testing.T) {
	buf := make([]byte, 256)
	var a Allocator
	start := baseOf(buf)
	a.Init(start, start+uintptr(len(buf)), 0x10)

	first, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Free(first); err != nil {
		t.Fatal(err)
	}

	second, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	if second != first {
		t.Fatalf("expected LIFO reuse to return 0x%x; got 0x%x", first, second)
	}
}

func TestAllocateDoesNotReturnSameAddressTwice(t *testing.T) {
	buf := make([]byte, 256)
	var a Allocator
	start := baseOf(buf)
	a.Init(start, start+uintptr(len(buf)), 0x10)

	seen := make(map[uintptr]bool)
	for i := 0; i < 4; i++ {
		addr, err := a.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if seen[addr] {
			t.Fatalf("address 0x%x returned twice without an intervening Free", addr)
		}
		seen[addr] = true
	}
}

func TestFreeRejectsForeignAddress(t *testing.T) {
	buf := make([]byte, 256)
	var a Allocator
	start := baseOf(buf)
	a.Init(start, start+uintptr(len(buf)), 0x10)

	if err := a.Free(start + uintptr(len(buf)) + 0x1000); err == nil {
		t.Fatal("expected an error when freeing an address outside the working region")
	}
}

func TestFullyFreeAndFullyOccupied(t *testing.T) {
	// Sized so exactly two 0x10 blocks fit alongside their node arena.
	buf := make([]byte, 80)
	var a Allocator
	start := baseOf(buf)
	a.Init(start, start+uintptr(len(buf)), 0x10)

	if !a.FullyFree() {
		t.Fatal("expected a freshly initialized allocator to be fully free")
	}

	first, _ := a.Allocate()
	second, _ := a.Allocate()
	if !a.FullyOccupied() {
		t.Fatal("expected the allocator to be fully occupied once its region is exhausted")
	}

	if err := a.Free(first); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(second); err != nil {
		t.Fatal(err)
	}
	if !a.FullyFree() {
		t.Fatal("expected the allocator to be fully free again once every block is returned")
	}
}

func TestAllocateFreeCycleDoesNotExhaustNodeArena(t *testing.T) {
	// A region sized for only one live block, cycled many times: if node
	// slots were never reclaimed this would run past the arena's capacity
	// well before the loop ends.
	buf := make([]byte, 64)
	var a Allocator
	start := baseOf(buf)
	a.Init(start, start+uintptr(len(buf)), 0x10)

	for i := 0; i < 100; i++ {
		addr, err := a.Allocate()
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if err := a.Free(addr); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
}

func TestAuxDataStructuresSizeFor(t *testing.T) {
	var n node
	want := 5 * unsafe.Sizeof(n)
	if got := AuxDataStructuresSizeFor(4, 0x10); got != want {
		t.Fatalf("expected %d bytes for 4 blocks plus one spare node; got %d", want, got)
	}
}
