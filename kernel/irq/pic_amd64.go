package irq

import "nucleus/kernel/cpu"

// 8259 PIC I/O ports and remapped vector offsets (spec external interfaces:
// master at 0x20/0x21, slave at 0xA0/0xA1, offsets 32/40).
const (
	masterCommandPort = 0x20
	masterDataPort    = 0x21
	slaveCommandPort  = 0xA0
	slaveDataPort     = 0xA1

	// MasterOffset is the CPU vector the master PIC's IRQ0 is remapped to.
	MasterOffset = 32
	// SlaveOffset is the CPU vector the slave PIC's IRQ8 is remapped to.
	SlaveOffset = 40

	eoiCommand = 0x20

	icw1Init       = 0x10
	icw1ExpectIcw4 = 0x01
	icw4_8086      = 0x01
)

// RemapPIC reprograms the master/slave 8259 pair so IRQ lines 0-15 land on
// CPU vectors MasterOffset..MasterOffset+7 and SlaveOffset..SlaveOffset+7
// instead of their power-on default of vectors 8-15 (which collide with CPU
// exceptions). The interrupt masks read from both PICs before the remap are
// restored afterwards; callers change individual lines via EnableIRQLine and
// DisableIRQLine.
func RemapPIC() {
	masterMask := cpu.Inb(masterDataPort)
	slaveMask := cpu.Inb(slaveDataPort)

	cpu.Outb(masterCommandPort, icw1Init|icw1ExpectIcw4)
	ioWait()
	cpu.Outb(slaveCommandPort, icw1Init|icw1ExpectIcw4)
	ioWait()

	cpu.Outb(masterDataPort, MasterOffset)
	ioWait()
	cpu.Outb(slaveDataPort, SlaveOffset)
	ioWait()

	// Tell the master PIC it has a slave on IRQ2; tell the slave its
	// cascade identity.
	cpu.Outb(masterDataPort, 1<<2)
	ioWait()
	cpu.Outb(slaveDataPort, 2)
	ioWait()

	cpu.Outb(masterDataPort, icw4_8086)
	ioWait()
	cpu.Outb(slaveDataPort, icw4_8086)
	ioWait()

	cpu.Outb(masterDataPort, masterMask)
	cpu.Outb(slaveDataPort, slaveMask)
}

// ioWait burns a handful of cycles writing to an unused port (0x80, the
// POST-code diagnostic port) so the PIC has time to process the previous
// command on real hardware.
func ioWait() {
	cpu.Outb(0x80, 0)
}

// EnableIRQLine unmaps IRQ line (0-15), allowing it to reach the CPU.
func EnableIRQLine(line uint8) {
	if line < 8 {
		mask := cpu.Inb(masterDataPort)
		cpu.Outb(masterDataPort, mask&^(1<<line))
		return
	}

	line -= 8
	mask := cpu.Inb(slaveDataPort)
	cpu.Outb(slaveDataPort, mask&^(1<<line))
}

// DisableIRQLine masks IRQ line (0-15), preventing it from reaching the CPU.
func DisableIRQLine(line uint8) {
	if line < 8 {
		mask := cpu.Inb(masterDataPort)
		cpu.Outb(masterDataPort, mask|(1<<line))
		return
	}

	line -= 8
	mask := cpu.Inb(slaveDataPort)
	cpu.Outb(slaveDataPort, mask|(1<<line))
}

// SendEOI signals end-of-interrupt for the given IRQ line. Lines 8-15 must
// also EOI the master, since they cascade through it.
func SendEOI(line uint8) {
	if line >= 8 {
		cpu.Outb(slaveCommandPort, eoiCommand)
	}
	cpu.Outb(masterCommandPort, eoiCommand)
}

// TimerVector is the CPU vector the PIT/APIC timer lands on once the PIC is
// remapped: IRQ0, the master PIC's first line.
const TimerVector = MasterOffset
