package vmm

import (
	"nucleus/kernel"
	"nucleus/kernel/mm"
	"runtime"
	"testing"
	"unsafe"
)

func TestClearTableAddrFn(t *testing.T) {
	if exp, got := uintptr(123), clearTableAddrFn(uintptr(123)); exp != got {
		t.Fatalf("expected clearTableAddrFn to return %v; got %v", exp, got)
	}
}

func TestMapTemporaryAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origEntryPtr func(uintptr) unsafe.Pointer, origClearAddr func(uintptr) uintptr, origFlush func(uintptr)) {
		entryPtrFn = origEntryPtr
		clearTableAddrFn = origClearAddr
		flushTLBEntryFn = origFlush
		mm.SetFrameAllocator(nil)
	}(entryPtrFn, clearTableAddrFn, flushTLBEntryFn)

	var physPages [tableLevels][mm.PageSize >> mm.PointerShift]pageTableEntry
	nextPhysPage := 0

	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		nextPhysPage++
		pageAddr := unsafe.Pointer(&physPages[nextPhysPage][0])
		return mm.Frame(uintptr(pageAddr) >> mm.PageShift), nil
	})

	callCount := 0
	entryPtrFn = func(entry uintptr) unsafe.Pointer {
		callCount++
		index := (entry & uintptr(mm.PageSize-1)) >> mm.PointerShift
		return unsafe.Pointer(&physPages[callCount-1][index])
	}

	clearTableAddrFn = func(_ uintptr) uintptr {
		return uintptr(unsafe.Pointer(&physPages[nextPhysPage][0]))
	}

	flushCallCount := 0
	flushTLBEntryFn = func(uintptr) { flushCallCount++ }

	// scratchAddr breaks down to p4=510, p3=511, p2=511, p1=511
	frame := mm.Frame(123)
	levelIndices := []uint{510, 511, 511, 511}

	page, err := MapTemporary(frame)
	if err != nil {
		t.Fatal(err)
	}

	if got := page.Address(); got != scratchAddr {
		t.Fatalf("expected scratch mapping virtual address to be %x; got %x", scratchAddr, got)
	}

	for level, physPage := range physPages {
		pte := physPage[levelIndices[level]]
		if !pte.HasFlags(FlagPresent | FlagRW) {
			t.Errorf("[pte at level %d] expected entry to have FlagPresent and FlagRW set", level)
		}

		switch {
		case level < tableLevels-1:
			if exp, got := mm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0]))>>mm.PageShift), pte.Frame(); got != exp {
				t.Errorf("[pte at level %d] expected entry frame to be %d; got %d", level, exp, got)
			}
		default:
			if got := pte.Frame(); got != frame {
				t.Errorf("[pte at level %d] expected entry frame to be %d; got %d", level, frame, got)
			}
		}
	}

	if exp := 1; flushCallCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d times; got %d", exp, flushCallCount)
	}
}

func TestMapRegion(t *testing.T) {
	defer func() {
		reserveRegionFn = EarlyReserveRegion
	}()

	t.Run("success", func(t *testing.T) {
		mapCallCount := 0
		origMap := mapPageFnForTest(func(_ mm.Page, _ mm.Frame, _ PageTableEntryFlag) *kernel.Error {
			mapCallCount++
			return nil
		})
		defer origMap()

		reserveCallCount := 0
		reserveRegionFn = func(_ uintptr) (uintptr, *kernel.Error) {
			reserveCallCount++
			return 0xf00, nil
		}

		if _, err := MapRegion(mm.Frame(0xdf0000), 4097, FlagPresent|FlagRW); err != nil {
			t.Fatal(err)
		}

		if exp := 2; mapCallCount != exp {
			t.Errorf("expected Map to be called %d time(s); got %d", exp, mapCallCount)
		}
		if exp := 1; reserveCallCount != exp {
			t.Errorf("expected EarlyReserveRegion to be called %d time(s); got %d", exp, reserveCallCount)
		}
	})

	t.Run("EarlyReserveRegion fails", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "out of address space"}

		reserveRegionFn = func(_ uintptr) (uintptr, *kernel.Error) { return 0, expErr }

		if _, err := MapRegion(mm.Frame(0xdf0000), 128000, FlagPresent|FlagRW); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}
	})

	t.Run("Map fails", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "map failed"}

		reserveCallCount := 0
		reserveRegionFn = func(_ uintptr) (uintptr, *kernel.Error) {
			reserveCallCount++
			return 0xf00, nil
		}

		origMap := mapPageFnForTest(func(_ mm.Page, _ mm.Frame, _ PageTableEntryFlag) *kernel.Error {
			return expErr
		})
		defer origMap()

		if _, err := MapRegion(mm.Frame(0xdf0000), 128000, FlagPresent|FlagRW); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}
		if exp := 1; reserveCallCount != exp {
			t.Errorf("expected EarlyReserveRegion to be called %d time(s); got %d", exp, reserveCallCount)
		}
	})
}

func TestIdentityMapRegion(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		mapCallCount := 0
		origMap := mapPageFnForTest(func(_ mm.Page, _ mm.Frame, _ PageTableEntryFlag) *kernel.Error {
			mapCallCount++
			return nil
		})
		defer origMap()

		if _, err := IdentityMapRegion(mm.Frame(0xdf0000), 4097, FlagPresent|FlagRW); err != nil {
			t.Fatal(err)
		}
		if exp := 2; mapCallCount != exp {
			t.Errorf("expected Map to be called %d time(s); got %d", exp, mapCallCount)
		}
	})

	t.Run("Map fails", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "map failed"}

		origMap := mapPageFnForTest(func(_ mm.Page, _ mm.Frame, _ PageTableEntryFlag) *kernel.Error {
			return expErr
		})
		defer origMap()

		if _, err := IdentityMapRegion(mm.Frame(0xdf0000), 128000, FlagPresent|FlagRW); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}
	})
}

func TestMapTemporaryErrorsAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origEntryPtr func(uintptr) unsafe.Pointer, origClearAddr func(uintptr) uintptr, origFlush func(uintptr)) {
		entryPtrFn = origEntryPtr
		clearTableAddrFn = origClearAddr
		flushTLBEntryFn = origFlush
	}(entryPtrFn, clearTableAddrFn, flushTLBEntryFn)

	var physPages [tableLevels][mm.PageSize >> mm.PointerShift]pageTableEntry

	// scratchAddr's page-level indices are 510, 511, 511, 511
	p4Index := 510
	frame := mm.Frame(123)

	t.Run("encounter huge page", func(t *testing.T) {
		physPages[0][p4Index].SetFlags(FlagPresent | FlagHugePage)

		entryPtrFn = func(entry uintptr) unsafe.Pointer {
			index := (entry & uintptr(mm.PageSize-1)) >> mm.PointerShift
			return unsafe.Pointer(&physPages[0][index])
		}

		if _, err := MapTemporary(frame); err != errNoHugePageSupport {
			t.Fatalf("expected to get errNoHugePageSupport; got %v", err)
		}
	})

	t.Run("frame allocator returns an error", func(t *testing.T) {
		defer func() { mm.SetFrameAllocator(nil) }()
		physPages[0][p4Index] = 0

		expErr := &kernel.Error{Module: "test", Message: "out of memory"}
		mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) { return 0, expErr })

		if _, err := MapTemporary(frame); err != expErr {
			t.Fatalf("got unexpected error %v", err)
		}
	})

	t.Run("RW map of the reserved zero frame is rejected", func(t *testing.T) {
		defer func() { protectReservedZeroedPage = false }()

		protectReservedZeroedPage = true
		if err := Map(mm.Page(0), ReservedZeroedFrame, FlagRW); err != errAttemptToRWMapReservedFrame {
			t.Fatalf("expected errAttemptToRWMapReservedFrame; got: %v", err)
		}
	})

	t.Run("scratch map of the reserved zero frame is rejected", func(t *testing.T) {
		defer func() { protectReservedZeroedPage = false }()

		protectReservedZeroedPage = true
		if _, err := MapTemporary(ReservedZeroedFrame); err != errAttemptToRWMapReservedFrame {
			t.Fatalf("expected errAttemptToRWMapReservedFrame; got: %v", err)
		}
	})
}

func TestUnmapAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origEntryPtr func(uintptr) unsafe.Pointer, origFlush func(uintptr)) {
		entryPtrFn = origEntryPtr
		flushTLBEntryFn = origFlush
	}(entryPtrFn, flushTLBEntryFn)

	var (
		physPages [tableLevels][mm.PageSize >> mm.PointerShift]pageTableEntry
		frame     = mm.Frame(123)
	)

	for level := 0; level < tableLevels; level++ {
		physPages[level][0].SetFlags(FlagPresent | FlagRW)
		if level < tableLevels-1 {
			physPages[level][0].SetFrame(mm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0])) >> mm.PageShift))
		} else {
			physPages[level][0].SetFrame(frame)
		}
	}

	callCount := 0
	entryPtrFn = func(_ uintptr) unsafe.Pointer {
		callCount++
		return unsafe.Pointer(&physPages[callCount-1][0])
	}

	flushCallCount := 0
	flushTLBEntryFn = func(uintptr) { flushCallCount++ }

	if err := Unmap(mm.PageFromAddress(0)); err != nil {
		t.Fatal(err)
	}

	for level, physPage := range physPages {
		pte := physPage[0]

		switch {
		case level < tableLevels-1:
			if !pte.HasFlags(FlagPresent) {
				t.Errorf("[pte at level %d] expected entry to retain FlagPresent", level)
			}
			if exp, got := mm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0]))>>mm.PageShift), pte.Frame(); got != exp {
				t.Errorf("[pte at level %d] expected entry frame to still be %d; got %d", level, exp, got)
			}
		default:
			if pte.HasFlags(FlagPresent) {
				t.Errorf("[pte at level %d] expected entry not to have FlagPresent set", level)
			}
			if got := pte.Frame(); got != frame {
				t.Errorf("[pte at level %d] expected entry frame to be %d; got %d", level, frame, got)
			}
		}
	}

	if exp := 1; flushCallCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d times; got %d", exp, flushCallCount)
	}
}

func TestUnmapErrorsAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origEntryPtr func(uintptr) unsafe.Pointer, origFlush func(uintptr)) {
		entryPtrFn = origEntryPtr
		flushTLBEntryFn = origFlush
	}(entryPtrFn, flushTLBEntryFn)

	var physPages [tableLevels][mm.PageSize >> mm.PointerShift]pageTableEntry

	t.Run("encounter huge page", func(t *testing.T) {
		physPages[0][0].SetFlags(FlagPresent | FlagHugePage)

		entryPtrFn = func(entry uintptr) unsafe.Pointer {
			index := (entry & uintptr(mm.PageSize-1)) >> mm.PointerShift
			return unsafe.Pointer(&physPages[0][index])
		}

		if err := Unmap(mm.PageFromAddress(0)); err != errNoHugePageSupport {
			t.Fatalf("expected to get errNoHugePageSupport; got %v", err)
		}
	})

	t.Run("virtual address not mapped", func(t *testing.T) {
		physPages[0][0].ClearFlags(FlagPresent)

		if err := Unmap(mm.PageFromAddress(0)); err != ErrInvalidMapping {
			t.Fatalf("expected to get ErrInvalidMapping; got %v", err)
		}
	})
}

func TestTranslateAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(orig func(uintptr) unsafe.Pointer) { entryPtrFn = orig }(entryPtrFn)

	virtAddr := uintptr(1234)
	expFrame := mm.Frame(42)
	expPhysAddr := expFrame.Address() + virtAddr
	specs := [][tableLevels]bool{
		{true, true, true, true},
		{false, true, true, true},
		{true, false, true, true},
		{true, true, false, true},
		{true, true, true, false},
	}

	for specIndex, spec := range specs {
		callCount := 0
		entryPtrFn = func(_ uintptr) unsafe.Pointer {
			var pte pageTableEntry
			pte.SetFrame(expFrame)
			if specs[specIndex][callCount] {
				pte.SetFlags(FlagPresent)
			}
			callCount++
			return unsafe.Pointer(&pte)
		}

		expError := false
		for _, hasMapping := range spec {
			if !hasMapping {
				expError = true
				break
			}
		}

		physAddr, err := Translate(virtAddr)
		switch {
		case expError && err != ErrInvalidMapping:
			t.Errorf("[spec %d] expected to get ErrInvalidMapping; got %v", specIndex, err)
		case !expError && err != nil:
			t.Errorf("[spec %d] unexpected error %v", specIndex, err)
		case !expError && physAddr != expPhysAddr:
			t.Errorf("[spec %d] expected phys addr to be 0x%x; got 0x%x", specIndex, expPhysAddr, physAddr)
		}
	}
}

// mapPageFnForTest replaces pdt.go's mapPageFn indirection for the
// duration of a test, returning a closure that restores it.
func mapPageFnForTest(fn func(mm.Page, mm.Frame, PageTableEntryFlag) *kernel.Error) func() {
	orig := mapPageFn
	mapPageFn = fn
	return func() { mapPageFn = orig }
}
