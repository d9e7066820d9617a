// Package kernel holds the few types every other kernel package depends on,
// kept free of subsystem-specific imports to avoid import cycles.
package kernel

// Error is every fallible kernel operation's return type in place of the
// standard error-wrapping idioms: it is always constructed once, as a
// package-level *Error variable, and returned by value comparison rather
// than via errors.New/fmt.Errorf, since neither the Go allocator nor the
// scheduler exist yet when the earliest bootstrap errors can occur.
type Error struct {
	// Module names the subsystem that produced the error (e.g. "buddy",
	// "vmm", "irq"), so a single kfmt.Panic call can report it without the
	// caller threading a prefix through every return path.
	Module string

	// Message is a short, static description; never built by
	// concatenation, since string formatting this early is itself
	// dependent on kfmt being already initialized.
	Message string
}

// Error implements the error interface so *Error values compose with
// anything that accepts a standard error, even though kernel code never
// unwinds via panic/recover for these.
func (e *Error) Error() string {
	return e.Message
}
