// Package kmain wires together every subsystem's Init/bootstrap entry point
// into the single sequence the rt0 assembly stub hands control to.
package kmain

import (
	"nucleus/kernel"
	"nucleus/kernel/cpu"
	"nucleus/kernel/goruntime"
	"nucleus/kernel/hal"
	"nucleus/kernel/hal/multiboot"
	"nucleus/kernel/irq"
	"nucleus/kernel/kfmt"
	"nucleus/kernel/kfmt/early"
	"nucleus/kernel/mm"
	"nucleus/kernel/mm/buddy"
	"nucleus/kernel/mm/slab"
	"nucleus/kernel/mm/vmm"
	"nucleus/kernel/proc"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// kernelVMAOffset is the virtual address the bootloader maps the kernel
// image's physical load address to; vmm.Init uses it to recover the
// physical frame backing each of the kernel's own sections while building
// the initial page tables.
const kernelVMAOffset = 0xffffffff80000000

// heap backs every general-purpose allocation request once the buddy frame
// allocator is up; it is wired into slab.FrameAllocFn below.
var heap slab.Allocator

// Kmain is the only Go symbol visible (exported) to the rt0 initialization
// code. It is invoked after rt0 has set up the GDT and a minimal g0 struct
// that lets Go code run on the small stack the assembly stub allocated.
//
// rt0 passes the address of the multiboot info payload provided by the
// bootloader, along with the physical start/end addresses of the kernel
// image.
//
// Kmain is not expected to return. If it does, kfmt.Panic halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()
	early.Printf("starting nucleus\n")

	var err *kernel.Error
	if err = buddy.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	} else if err = vmm.Init(kernelVMAOffset); err != nil {
		kfmt.Panic(err)
	} else if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	// From here on, Go maps/slices/interfaces work (goruntime.Init has wired
	// the runtime's allocator hooks to the buddy/vmm layer below), so
	// kfmt.Printf/Panic can target the real console instead of buffering
	// into kfmt's ring buffer. Every line after this point is tagged so it
	// reads apart from the untagged early.Printf boot trace above.
	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: hal.ActiveTerminal, Prefix: []byte("[nucleus] ")})

	heap.Init()
	slab.FrameAllocFn = func(frames uintptr) (uintptr, *kernel.Error) {
		frame, err := buddy.FrameAllocator.Allocate(frames * mm.PageSize)
		if err != nil {
			return 0, err
		}
		return frame.Address(), nil
	}

	irq.Init()
	irq.RemapPIC()
	proc.Init()

	if err = spawnBootProcess(); err != nil {
		kfmt.Panic(err)
	}

	cpu.EnableInterrupts()

	early.Printf("nucleus ready\n")

	// Use kfmt.Panic instead of panic to prevent the compiler from treating
	// this call as dead code.
	kfmt.Panic(errKmainReturned)
}
