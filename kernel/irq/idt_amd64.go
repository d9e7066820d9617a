package irq

import (
	"nucleus/kernel/cpu"
	"unsafe"
)

// Entry is a single x86_64 interrupt-gate descriptor. Its in-memory layout
// is bit-exact and must not be reordered: the CPU reads it directly off the
// table installed via Load.
type Entry struct {
	offsetLow  uint16
	selector   uint16
	options    uint16
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

const (
	optPresentBit  = 15
	optGateTypeBit = 8
	optFixedBits   = 0b111 << 9 // bits 9-11, always set

	// gateTypeInterrupt clears IF on entry; gateTypeTrap leaves it alone.
	gateTypeInterrupt = 0
	gateTypeTrap      = 1
)

// buildEntry computes the bit-exact Entry value for a handler at handlerAddr,
// reachable via code segment selector, present or not, using an interrupt or
// trap gate.
func buildEntry(handlerAddr uintptr, selector uint16, present bool, trap bool) Entry {
	var opts uint16 = optFixedBits
	if trap {
		opts |= 1 << optGateTypeBit
	}
	if present {
		opts |= 1 << optPresentBit
	}

	return Entry{
		offsetLow:  uint16(handlerAddr),
		selector:   selector,
		options:    opts,
		offsetMid:  uint16(handlerAddr >> 16),
		offsetHigh: uint32(handlerAddr >> 32),
	}
}

// Present reports whether the descriptor's present bit (15) is set.
func (e Entry) Present() bool {
	return e.options&(1<<optPresentBit) != 0
}

// Options returns the raw 16-bit options word, exposed so tests can check
// the fixed bits (9-11) and the gate-type bit (8) without depending on the
// unexported layout.
func (e Entry) Options() uint16 {
	return e.options
}

// HandlerAddr reassembles the 64-bit handler address split across
// offset_low/offset_mid/offset_high.
func (e Entry) HandlerAddr() uintptr {
	return uintptr(e.offsetLow) | uintptr(e.offsetMid)<<16 | uintptr(e.offsetHigh)<<32
}

const tableSize = 256

// tableStorage is the backing storage for the IDT. It is oversized by 16
// bytes so an aligned 256-entry, 16-byte-per-entry view can be carved out of
// it at a 16-byte boundary: Go does not let a package-level array of Entry
// request an alignment wider than its largest field (4 bytes, since its
// widest fields are uint32), so the padding is reclaimed at runtime instead.
var tableStorage [tableSize*16 + 16]byte

func tableBase() uintptr {
	addr := uintptr(unsafe.Pointer(&tableStorage[0]))
	return (addr + 15) &^ 15
}

func entryAt(vector uint8) *Entry {
	return (*Entry)(unsafe.Pointer(tableBase() + uintptr(vector)*16))
}

// EntryAt returns a copy of the descriptor currently installed for vector.
// Exposed for tests that assert on the constructed table rather than the
// live CPU state.
func EntryAt(vector uint8) Entry {
	return *entryAt(vector)
}

// setEntry installs the descriptor for handlerAddr at vector, using the
// current code segment selector.
func setEntry(vector uint8, handlerAddr uintptr, trap bool) {
	*entryAt(vector) = buildEntry(handlerAddr, csSelectorFn(), true, trap)
}

// pseudoDescriptor is the 10-byte little-endian structure lidt expects:
// a 2-byte limit followed by an 8-byte base address.
type pseudoDescriptor struct {
	limit uint16
	base  uint64
}

var csSelectorFn = csSelector

func csSelector() uint16 {
	return cpu.CS()
}

var (
	exceptionHandlers         [tableSize]ExceptionHandler
	exceptionHandlersWithCode [tableSize]ExceptionHandlerWithCode

	// hasCode marks which vectors the CPU pushes an error code for, so
	// dispatchInterrupt knows which handler slot and gate stub to use.
	hasCode [tableSize]bool
)

func init() {
	for _, v := range []uint8{8, 10, 11, 12, 13, 14, 17} {
		hasCode[v] = true
	}
}

// registerHandler installs the Go-side handler for vector and updates its
// IDT entry to point at the vector's dispatch trampoline, marking it
// present.
func registerHandler(vector uint8, handler ExceptionHandler, handlerWithCode ExceptionHandlerWithCode) {
	if hasCode[vector] {
		exceptionHandlersWithCode[vector] = handlerWithCode
	} else {
		exceptionHandlers[vector] = handler
	}
	setEntry(vector, gateTrampolineFn(vector), false)
}

// gateTrampoline returns the address of the per-vector entry stub: a tiny
// assembly routine that saves the volatile registers, builds a Regs value
// on the stack, and calls dispatchInterrupt before restoring state and
// executing iretq. It is provided by the assembly trampoline layer, not by
// this package.
func gateTrampoline(vector uint8) uintptr

var gateTrampolineFn = gateTrampoline

// dispatchInterrupt is called by the vector's entry stub with the CPU-pushed
// frame, the error code (0 if the vector does not push one) and a pointer to
// the saved general-purpose registers. It routes the interrupt to whichever
// handler was registered for vector, if any.
func dispatchInterrupt(vector uint8, errCode uint64, frame *Frame, regs *Regs) {
	if hasCode[vector] {
		if h := exceptionHandlersWithCode[vector]; h != nil {
			h(errCode, frame, regs)
			return
		}
	} else if h := exceptionHandlers[vector]; h != nil {
		h(frame, regs)
		return
	}
}

// Init builds the full 256-entry IDT (every slot initially non-present; only
// HandleException/HandleExceptionWithCode/HandleInterrupt mark a slot
// present) and loads it via lidt.
func Init() {
	Load()
}

// Load installs the pseudo-descriptor for the current table and executes
// lidt, making it the CPU's active IDT.
func Load() {
	desc := pseudoDescriptor{
		limit: tableSize*16 - 1,
		base:  uint64(tableBase()),
	}
	cpu.LoadIDT(uintptr(unsafe.Pointer(&desc)))
}
