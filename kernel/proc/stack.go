package proc

import (
	"nucleus/kernel"
	"nucleus/kernel/mm"
	"nucleus/kernel/mm/buddy"
	"nucleus/kernel/mm/vmm"
)

// stackRegion describes one process's per-process kernel stack: a guard
// page immediately below a single usable stack page, per the stack-safety
// requirement. guardPage is left unmapped so an overflowing write faults;
// top is the initial stack pointer (the highest address of the stack page).
//
// One page (4 KiB) of usable stack is below what a general-purpose kernel
// stack would normally budget; carried as-is rather than enlarged.
type stackRegion struct {
	guardPage uintptr
	stackPage uintptr
	top       uintptr
}

var allocStackFn = allocStack

// allocStack reserves two contiguous physical frames, maps both, then
// unmaps the lower one to turn it into a guard page.
func allocStack() (stackRegion, *kernel.Error) {
	frame, err := buddy.FrameAllocator.Allocate(2 * mm.PageSize)
	if err != nil {
		return stackRegion{}, err
	}

	page, err := vmm.MapRegion(frame, 2*mm.PageSize, vmm.FlagPresent|vmm.FlagRW)
	if err != nil {
		return stackRegion{}, err
	}

	guardPage := page.Address()
	stackPage := guardPage + mm.PageSize

	if err := vmm.Unmap(mm.PageFromAddress(guardPage)); err != nil {
		return stackRegion{}, err
	}

	return stackRegion{
		guardPage: guardPage,
		stackPage: stackPage,
		top:       stackPage + mm.PageSize,
	}, nil
}

// StackTop returns the initial stack pointer for d's kernel stack: the
// address a handler can use to deliberately probe the guard page beneath
// it (e.g. to exercise the stack-overflow scenario under test).
func (d *Descriptor) StackTop() uintptr {
	return d.stack.top
}

// guardFault is the panic value HandleGuardPageFault raises to unwind out
// of a process handler that has overrun its stack into its guard page.
type guardFault struct {
	procID uint64
}

// HandleGuardPageFault is called by vmm's page-fault handler whenever a
// fault address falls in a registered guard page. It returns false if
// faultAddr does not belong to any known guard page, so the caller can fall
// back to its normal (fatal) fault handling.
//
// When faultAddr does belong to a guard page, it panics with a guardFault
// value that unwinds back to the runHandler call that is, in this
// process-executes-as-a-direct-Go-call model, still on the stack beneath
// the faulting write — runHandler's recover marks the process Finished
// instead of letting the fault propagate further.
func HandleGuardPageFault(faultAddr uintptr) bool {
	if ActiveExecutor == nil {
		return false
	}

	page := faultAddr &^ (mm.PageSize - 1)
	id, ok := ActiveExecutor.guardPages[page]
	if !ok {
		return false
	}

	panic(guardFault{procID: id})
}
