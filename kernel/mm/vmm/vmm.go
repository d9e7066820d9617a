package vmm

import (
	"nucleus/kernel"
	"nucleus/kernel/cpu"
	"nucleus/kernel/mm"
)

var (
	// readCR2Fn and translateFn are indirected so fault.go's handlers
	// can be driven by tests without a real MMU.
	readCR2Fn   = cpu.ReadCR2
	translateFn = Translate

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// Init brings up virtual memory management: it replaces the
// bootloader's identity-mapped tables with a granular per-ELF-section
// page directory for the kernel image, installs the page-fault and
// general-protection-fault handlers, and sets aside the CoW zero frame
// used for on-demand allocation.
func Init(kernelPageOffset uintptr) *kernel.Error {
	if err := bootstrapKernelPDT(kernelPageOffset); err != nil {
		return err
	}

	installFaultHandlers()

	return reserveZeroedFrame()
}

// reserveZeroedFrame allocates and zeroes ReservedZeroedFrame, then
// locks out RW mappings to it.
func reserveZeroedFrame() *kernel.Error {
	frame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	page, err := mapScratchFn(frame)
	if err != nil {
		return err
	}
	kernel.Memset(page.Address(), 0, mm.PageSize)
	_ = unmapPageFn(page)

	ReservedZeroedFrame = frame
	protectReservedZeroedPage = true
	return nil
}
