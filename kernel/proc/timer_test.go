package proc

import (
	"nucleus/kernel/irq"
	"testing"
)

func TestInitWiresTimerHandlerAndUnmasksIRQ0(t *testing.T) {
	prevHandleInterrupt, prevEnableIRQLine := handleInterruptFn, enableIRQLineFn
	defer func() {
		handleInterruptFn, enableIRQLineFn = prevHandleInterrupt, prevEnableIRQLine
	}()

	var registeredVector uint8 = 255
	var registeredHandler irq.ExceptionHandler
	handleInterruptFn = func(vector uint8, handler irq.ExceptionHandler) {
		registeredVector = vector
		registeredHandler = handler
	}

	var unmaskedLine uint8 = 255
	enableIRQLineFn = func(line uint8) { unmaskedLine = line }

	Init()

	if registeredVector != irq.TimerVector {
		t.Fatalf("expected timer handler registered at vector %d; got %d", irq.TimerVector, registeredVector)
	}
	if registeredHandler == nil {
		t.Fatal("expected a non-nil timer handler to be registered")
	}
	if unmaskedLine != 0 {
		t.Fatalf("expected IRQ0 to be unmasked; got line %d", unmaskedLine)
	}
	if ActiveExecutor == nil {
		t.Fatal("expected Init to install ActiveExecutor")
	}
}
