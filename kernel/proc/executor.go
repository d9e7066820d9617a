package proc

import "nucleus/kernel"

// State describes a process descriptor's position in its lifecycle.
type State uint8

const (
	// New processes have been created but never dispatched.
	New State = iota
	// Running processes have been dispatched at least once.
	Running
	// Finished processes have returned terminally or faulted and are
	// pending removal on the next scheduler tick.
	Finished
)

// Registers holds the subset of CPU state the executor must save/restore
// across a context switch.
type Registers struct {
	RIP    uintptr
	RSP    uintptr
	RFlags uint64
}

// Handler is the capability a process implements. OnMessage is called once
// per scheduler tick for which the process has a pending message; it
// returns false to terminate the process (transition to Finished).
type Handler interface {
	OnMessage(msg Message) bool
}

// Descriptor is a process's kernel-owned bookkeeping record.
type Descriptor struct {
	id      uint64
	handler Handler

	stack      stackRegion
	mailbox    []Message
	children   []uint64
	state      State
	registers  Registers
}

// ID returns the process's unique, monotonically assigned identifier.
func (d *Descriptor) ID() uint64 { return d.id }

// State returns the process's current lifecycle state.
func (d *Descriptor) State() State { return d.state }

// Registers returns the process's last saved register snapshot.
func (d *Descriptor) Registers() Registers { return d.registers }

// Children returns the ids of processes created as this one's descendants.
func (d *Descriptor) Children() []uint64 { return d.children }

// Executor owns every process descriptor, the ready queue, and the mailbox
// delivery that drives each round-robin tick.
type Executor struct {
	idCounter          uint64
	currentlyExecuting uint64
	ready              []uint64
	procs              map[uint64]*Descriptor

	// guardPages maps a guard page's frame-aligned virtual address to the
	// id of the process it protects.
	guardPages map[uintptr]uint64
}

// ActiveExecutor is the well-known, process-wide executor instance reached
// by interrupt handlers that are not handed an executor (the timer ISR and the
// page-fault handler's guard-page hook), per the shared-global-state design.
var ActiveExecutor *Executor

// noProcess is a currentlyExecuting sentinel distinguishing "no process has
// run yet" from a real id, since ids are assigned starting at 0 and would
// otherwise collide with the zero value.
const noProcess = ^uint64(0)

// NewExecutor returns an empty, ready-to-use Executor.
func NewExecutor() *Executor {
	return &Executor{
		currentlyExecuting: noProcess,
		procs:              make(map[uint64]*Descriptor),
		guardPages:         make(map[uintptr]uint64),
	}
}

// CreateProcess allocates a descriptor for handler, places it in the ready
// queue in the New state, and returns its freshly assigned id.
func (e *Executor) CreateProcess(handler Handler) (uint64, *kernel.Error) {
	stack, err := allocStackFn()
	if err != nil {
		return 0, err
	}

	id := e.idCounter
	e.idCounter++

	d := &Descriptor{
		id:      id,
		handler: handler,
		stack:   stack,
		state:   New,
	}
	e.procs[id] = d
	e.ready = append(e.ready, id)
	e.guardPages[stack.guardPage] = id

	return id, nil
}

// PostMessage appends msg to id's mailbox. It is a no-op if id is unknown.
func (e *Executor) PostMessage(id uint64, msg Message) {
	if d, ok := e.procs[id]; ok {
		d.mailbox = append(d.mailbox, msg)
	}
}

// UpdateCurrentRegisters writes regs into the currently-executing
// descriptor, but only while it is Running: a New descriptor's frame is
// undefined since it has not yet been entered.
func (e *Executor) UpdateCurrentRegisters(regs Registers) {
	if d, ok := e.procs[e.currentlyExecuting]; ok && d.state == Running {
		d.registers = regs
	}
}

// ScheduleNext advances the round-robin queue: it returns currentlyExecuting
// to the tail of ready (unless it has finished, in which case it and its
// children are removed instead), pops the new head, and returns its
// descriptor. It returns nil if no process remains runnable.
func (e *Executor) ScheduleNext() *Descriptor {
	if e.currentlyExecuting != noProcess {
		if prev, ok := e.procs[e.currentlyExecuting]; ok && prev.state == Finished {
			e.removeProcessWithChildrenLocked(e.currentlyExecuting)
		} else if ok {
			e.ready = append(e.ready, e.currentlyExecuting)
		}
	}

	for len(e.ready) > 0 {
		head := e.ready[0]
		e.ready = e.ready[1:]
		if d, ok := e.procs[head]; ok {
			e.currentlyExecuting = head
			return d
		}
		// head was already removed (e.g. finished and reaped while still
		// enqueued elsewhere); skip it and keep looking.
	}
	return nil
}

// RemoveProcessWithChildren post-order removes id and every transitive
// descendant from procs.
func (e *Executor) RemoveProcessWithChildren(id uint64) {
	e.removeProcessWithChildrenLocked(id)
}

func (e *Executor) removeProcessWithChildrenLocked(id uint64) {
	d, ok := e.procs[id]
	if !ok {
		return
	}
	for _, child := range d.children {
		e.removeProcessWithChildrenLocked(child)
	}
	delete(e.procs, id)
	for guard, owner := range e.guardPages {
		if owner == id {
			delete(e.guardPages, guard)
		}
	}
}

// Tick dispatches one message to the descriptor the scheduler selects next,
// per the timer interrupt sequence: schedule the next ready process, enter
// it (initializing its saved registers) if this is its first dispatch, then
// deliver its oldest pending message, if any.
func (e *Executor) Tick() {
	next := e.ScheduleNext()
	if next == nil {
		return
	}

	if next.state == New {
		next.registers = Registers{
			RIP: processTrampolineFn(),
			RSP: next.stack.top,
		}
		next.state = Running
	}

	if len(next.mailbox) == 0 {
		return
	}
	msg := next.mailbox[0]
	next.mailbox = next.mailbox[1:]

	if !e.runHandler(next, msg) {
		next.state = Finished
	}
}

// runHandler invokes d's handler for msg, recovering from a guardFault panic
// raised by HandleGuardPageFault so a stack-overflowing process terminates
// cleanly instead of taking down the scheduler.
func (e *Executor) runHandler(d *Descriptor, msg Message) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			if gf, ok := r.(guardFault); ok && gf.procID == d.id {
				cont = false
				return
			}
			panic(r)
		}
	}()
	return d.handler.OnMessage(msg)
}

// processTrampoline returns the address of the assembly entry stub that
// initializes a freshly-scheduled process's register state and invokes its
// handler for the first time. Provided by the interrupt calling-convention
// layer, like irq's gate trampolines.
func processTrampoline() uintptr

var processTrampolineFn = processTrampoline
