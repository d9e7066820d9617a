package vmm

import (
	"nucleus/kernel"
	"nucleus/kernel/irq"
	"nucleus/kernel/kfmt"
	"nucleus/kernel/mm"
)

// handleExceptionWithCodeFn is indirected so tests can register fake
// handlers instead of touching the real IDT.
var handleExceptionWithCodeFn = irq.HandleExceptionWithCode

func installFaultHandlers() {
	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
}

// guardPageFaultFn is consulted first by pageFaultHandler: it reports
// whether faultAddress falls in a process's registered guard page, in
// which case the executor (not this package) has already handled
// terminating the offending process. It defaults to a no-op so vmm has
// no hard dependency on the proc package; SetGuardPageFaultHandler wires
// the real implementation during kernel bootstrap.
var guardPageFaultFn = func(faultAddress uintptr) bool { return false }

// SetGuardPageFaultHandler registers fn as the guard-page fault hook.
func SetGuardPageFaultHandler(fn func(faultAddress uintptr) bool) {
	guardPageFaultFn = fn
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := uintptr(readCR2Fn())
	faultPage := mm.PageFromAddress(faultAddress)

	if guardPageFaultFn(faultAddress) {
		return
	}

	var pageEntry *pageTableEntry
	walkPageTable(faultPage.Address(), func(level uint8, pte *pageTableEntry) bool {
		present := pte.HasFlags(FlagPresent)
		if level == tableLevels-1 && present {
			pageEntry = pte
		}
		return present
	})

	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		if recovered := resolveCopyOnWrite(faultPage, pageEntry); recovered {
			return
		}
	}

	reportFatalPageFault(faultAddress, errorCode, frame, regs, errUnrecoverableFault)
}

// resolveCopyOnWrite services a write fault against a CoW mapping by
// allocating a private frame, duplicating the shared page's contents
// into it, and repointing the mapping at the copy with CoW cleared and
// RW set. Returns false (and leaves the fault unresolved) if a frame
// could not be obtained.
func resolveCopyOnWrite(faultPage mm.Page, pageEntry *pageTableEntry) bool {
	privateFrame, err := mm.AllocFrame()
	if err != nil {
		return false
	}

	scratch, err := mapScratchFn(privateFrame)
	if err != nil {
		return false
	}

	kernel.Memcopy(faultPage.Address(), scratch.Address(), mm.PageSize)
	_ = unmapPageFn(scratch)

	pageEntry.ClearFlags(FlagCopyOnWrite)
	pageEntry.SetFlags(FlagPresent | FlagRW)
	pageEntry.SetFrame(privateFrame)
	flushTLBEntryFn(faultPage.Address())

	return true
}

func reportFatalPageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch errorCode {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("page-fault in user-mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	// No user-mode tasks exist yet, so there is no less-drastic recovery
	// than halting: killing "the current process" would mean killing the
	// kernel itself.
	panic(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	panic(errUnrecoverableFault)
}
