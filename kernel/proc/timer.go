package proc

import (
	"nucleus/kernel/irq"
	"nucleus/kernel/mm/vmm"
)

var (
	handleInterruptFn = irq.HandleInterrupt
	enableIRQLineFn   = irq.EnableIRQLine
)

// Init creates the well-known ActiveExecutor, installs the timer interrupt
// handler at irq.TimerVector, unmasks IRQ0, and wires this package's
// guard-page fault hook into vmm's page-fault handler.
func Init() {
	ActiveExecutor = NewExecutor()
	handleInterruptFn(irq.TimerVector, timerHandler)
	enableIRQLineFn(0)
	vmm.SetGuardPageFaultHandler(HandleGuardPageFault)
}

// timerHandler is the ISR for the remapped PIT/APIC timer (IRQ0, vector 32).
// It acknowledges the PIC and runs one scheduler tick.
func timerHandler(_ *irq.Frame, _ *irq.Regs) {
	irq.SendEOI(0)
	ActiveExecutor.Tick()
}
