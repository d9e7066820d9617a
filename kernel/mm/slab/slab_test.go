package slab

import (
	"nucleus/kernel"
	"nucleus/kernel/mm"
	"reflect"
	"testing"
	"unsafe"
)

func fakeAddr(buf []byte) uintptr {
	return (*reflect.SliceHeader)(unsafe.Pointer(&buf)).Data
}

func withFakeFrames(t *testing.T, regionSize uintptr) func() {
	t.Helper()
	backing := make([]byte, regionSize)
	base := uintptr(0)
	if len(backing) > 0 {
		base = fakeAddr(backing)
	}
	next := base

	prev := FrameAllocFn
	FrameAllocFn = func(frames uintptr) (uintptr, *kernel.Error) {
		addr := next
		next += frames * mm.PageSize
		if next > base+regionSize {
			return 0, &kernel.Error{Module: "test", Message: "fake region exhausted"}
		}
		return addr, nil
	}

	return func() { FrameAllocFn = prev }
}

func TestClassRouting(t *testing.T) {
	restore := withFakeFrames(t, 16*mm.PageSize)
	defer restore()

	var a Allocator
	a.Init()

	p1, err := a.Allocate(33)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := a.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}

	if p2-p1 != 64 && p1-p2 != 64 {
		t.Fatalf("expected addresses in the 2^6 class to differ by exactly 64; got %d and %d", p1, p2)
	}

	classFor33, err := classFor(33)
	if err != nil {
		t.Fatal(err)
	}
	classFor64, err := classFor(64)
	if err != nil {
		t.Fatal(err)
	}
	if classFor33 != classFor64 {
		t.Fatal("expected size 33 and size 64 to route to the same 2^6 class")
	}
}

func TestAllocateFreeAllocateReturnsSameAddress(t *testing.T) {
	restore := withFakeFrames(t, 16*mm.PageSize)
	defer restore()

	var a Allocator
	a.Init()

	p, err := a.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Free(p); err != nil {
		t.Fatal(err)
	}

	p2, err := a.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}

	if p2 != p {
		t.Fatalf("expected alloc;free;alloc to reuse 0x%x; got 0x%x", p, p2)
	}
}

func TestAllocateRejectsOversizeRequest(t *testing.T) {
	restore := withFakeFrames(t, mm.PageSize)
	defer restore()

	var a Allocator
	a.Init()

	if _, err := a.Allocate(1 << 20); err == nil {
		t.Fatal("expected an error for a request beyond the largest class")
	}
}
