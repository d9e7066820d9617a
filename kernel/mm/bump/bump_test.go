package bump

import "testing"

func TestAllocate(t *testing.T) {
	var a Allocator
	a.Init(0x1000, 0x2000)

	addr, err := a.Allocate(0x10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x1000 {
		t.Fatalf("expected addr 0x1000; got 0x%x", addr)
	}

	addr2, err := a.Allocate(0x10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if addr2 != 0x1010 {
		t.Fatalf("expected addr 0x1010; got 0x%x", addr2)
	}

	if got := a.Remaining(); got != 0x1000-0x20 {
		t.Fatalf("expected remaining 0x%x; got 0x%x", 0x1000-0x20, got)
	}
}

func TestAllocateAlignmentPadding(t *testing.T) {
	var a Allocator
	a.Init(0x1001, 0x2000)

	addr, err := a.Allocate(0x10, 0x10)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x1010 {
		t.Fatalf("expected aligned addr 0x1010; got 0x%x", addr)
	}
}

func TestAllocateOutOfRegion(t *testing.T) {
	var a Allocator
	a.Init(0x1000, 0x1010)

	if _, err := a.Allocate(0x20, 1); err == nil {
		t.Fatal("expected an error when the region is exhausted")
	}
}

func TestFreeIsNoOp(t *testing.T) {
	var a Allocator
	a.Init(0x1000, 0x2000)

	addr, _ := a.Allocate(0x10, 1)
	a.Free(addr)

	if got := a.Next(); got != 0x1010 {
		t.Fatalf("expected Free to be a no-op; bump pointer moved to 0x%x", got)
	}
}

func TestIncreaseSize(t *testing.T) {
	var a Allocator
	a.Init(0x1000, 0x1010)

	if _, err := a.Allocate(0x20, 1); err == nil {
		t.Fatal("expected an error before IncreaseSize")
	}

	a.IncreaseSize(0x100)
	if _, err := a.Allocate(0x20, 1); err != nil {
		t.Fatalf("expected allocation to succeed after IncreaseSize: %v", err)
	}
}
