package sync

import "nucleus/kernel/cpu"

var (
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// Critical brackets fn with cli/sti, per the shared-resource policy: kernel-
// global state (the frame allocator, the slab, the executor, the IDT) is
// only ever mutated with interrupts disabled. fn must not block.
func Critical(fn func()) {
	disableInterruptsFn()
	defer enableInterruptsFn()
	fn()
}
