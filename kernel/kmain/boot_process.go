package kmain

import (
	"nucleus/kernel"
	"nucleus/kernel/kfmt"
	"nucleus/kernel/proc"
)

// increaseCounterTag identifies the payload of a bootProcess message
// carrying an amount to add to its running counter.
const increaseCounterTag = "increase-counter"

// bootProcess is the kernel's first scheduled process. Its only purpose is
// to give the executor something runnable the moment the timer starts
// ticking, so CreateProcess/PostMessage and the message-dispatch path get
// exercised on every boot rather than only under test.
type bootProcess struct {
	counter int
}

// OnMessage adds an increase-counter message's amount to the running
// counter and reports the new total. Any other tag is ignored. The process
// never asks to be terminated, so it stays parked in the ready queue
// waiting for further messages once its mailbox empties.
func (p *bootProcess) OnMessage(msg proc.Message) bool {
	if payload, ok := msg.As(increaseCounterTag); ok {
		if amount, ok := payload.(int); ok {
			p.counter += amount
			kfmt.Printf("boot process: counter now %d\n", p.counter)
		}
	}
	return true
}

// spawnBootProcess registers bootProcess with the active executor and
// queues its first message so the process has something to do as soon as
// the scheduler selects it.
func spawnBootProcess() *kernel.Error {
	id, err := proc.ActiveExecutor.CreateProcess(&bootProcess{counter: 1000})
	if err != nil {
		return err
	}

	proc.ActiveExecutor.PostMessage(id, proc.Message{Tag: increaseCounterTag, Payload: 299})
	return nil
}
