// Package sync provides synchronization primitive implementations for the
// uniprocessor kernel: a busy-wait Spinlock for code paths that cannot use
// Critical (interrupts already disabled, or the hold is expected to be
// momentary), and Critical (critical.go) for bracketing kernel-global-state
// mutations with cli/sti, per the shared-resource policy.
package sync

import "sync/atomic"

var (
	// yieldFn is called by archAcquireSpinlock between busy-wait attempts.
	// On the real uniprocessor target a lock is only ever contended between
	// the currently-scheduled process and an interrupt handler that
	// preempted it, so the holder cannot run again until the handler
	// returns; yieldFn exists for the benefit of the Go-runtime-backed test
	// harness, which runs Spinlock under real goroutines and substitutes
	// runtime.Gosched to avoid spinning the test to its timeout.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. On the uniprocessor target this only
// arbitrates between a process and an interrupt handler that preempted it;
// SMP (a non-goal) would require one per kernel-global structure instead of
// the cli/sti bracketing Critical provides.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock is an arch-specific implementation for acquiring the lock.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)
