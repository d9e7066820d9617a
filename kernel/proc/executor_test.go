package proc

import (
	"nucleus/kernel"
	"testing"
)

func withFakeStacks(t *testing.T) func() {
	t.Helper()
	prev := allocStackFn
	var next uintptr = 0x1000
	allocStackFn = func() (stackRegion, *kernel.Error) {
		guard := next
		stack := guard + 0x1000
		next += 0x2000
		return stackRegion{guardPage: guard, stackPage: stack, top: stack + 0x1000}, nil
	}
	return func() { allocStackFn = prev }
}

type recordingHandler struct {
	processed []string
	result    bool
}

func (h *recordingHandler) OnMessage(msg Message) bool {
	h.processed = append(h.processed, msg.Tag)
	return h.result
}

func TestRoundRobinOrderAndMailboxDelivery(t *testing.T) {
	restore := withFakeStacks(t)
	defer restore()

	e := NewExecutor()

	hA, hB, hC := &recordingHandler{result: true}, &recordingHandler{result: true}, &recordingHandler{result: true}
	a, _ := e.CreateProcess(hA)
	b, _ := e.CreateProcess(hB)
	c, _ := e.CreateProcess(hC)

	e.PostMessage(b, Message{Tag: "m1"})
	e.PostMessage(b, Message{Tag: "m2"})

	var order []uint64
	for i := 0; i < 3; i++ {
		prev := e.currentlyExecuting
		e.Tick()
		if e.currentlyExecuting != prev {
			order = append(order, e.currentlyExecuting)
		}
	}

	if len(order) != 3 || order[0] != a || order[1] != b || order[2] != c {
		t.Fatalf("expected execution order [A,B,C]=%v,%v,%v; got %v", a, b, c, order)
	}
	if len(hB.processed) != 1 || hB.processed[0] != "m1" {
		t.Fatalf("expected B to have processed m1 after three ticks; got %v", hB.processed)
	}

	for i := 0; i < 3; i++ {
		e.Tick()
	}
	if len(hB.processed) != 2 || hB.processed[1] != "m2" {
		t.Fatalf("expected B to have processed m2 after three more ticks; got %v", hB.processed)
	}
}

func TestEveryProcessExecutesAndMailboxesEmptyAfterNTicks(t *testing.T) {
	restore := withFakeStacks(t)
	defer restore()

	e := NewExecutor()

	const n = 5
	ids := make([]uint64, n)
	handlers := make([]*recordingHandler, n)
	for i := 0; i < n; i++ {
		handlers[i] = &recordingHandler{result: true}
		ids[i], _ = e.CreateProcess(handlers[i])
		e.PostMessage(ids[i], Message{Tag: "self"})
	}

	for i := 0; i < n; i++ {
		e.Tick()
	}

	for i, h := range handlers {
		if len(h.processed) != 1 {
			t.Fatalf("expected process %d to have processed exactly one message; got %d", i, len(h.processed))
		}
	}
}

func TestPostMessageToUnknownIDIsNoOp(t *testing.T) {
	restore := withFakeStacks(t)
	defer restore()

	e := NewExecutor()
	e.PostMessage(999, Message{Tag: "x"})
}

func TestTerminalHandlerMarksFinishedAndReschedulesRemaining(t *testing.T) {
	restore := withFakeStacks(t)
	defer restore()

	e := NewExecutor()
	terminal := &recordingHandler{result: false}
	survivor := &recordingHandler{result: true}

	a, _ := e.CreateProcess(terminal)
	b, _ := e.CreateProcess(survivor)

	e.PostMessage(a, Message{Tag: "die"})
	e.Tick() // dispatches A, which terminates after processing "die"

	if got := e.procs[a].State(); got != Finished {
		t.Fatalf("expected A to be Finished; got %v", got)
	}

	e.Tick() // ScheduleNext reaps A, dispatches B
	if _, ok := e.procs[a]; ok {
		t.Fatal("expected A to have been removed from procs by the following tick")
	}
	if e.currentlyExecuting != b {
		t.Fatalf("expected B to be scheduled after A is reaped; got %d", e.currentlyExecuting)
	}
}

func TestRemoveProcessWithChildrenRemovesAllDescendants(t *testing.T) {
	restore := withFakeStacks(t)
	defer restore()

	e := NewExecutor()
	parent, _ := e.CreateProcess(&recordingHandler{result: true})
	child, _ := e.CreateProcess(&recordingHandler{result: true})
	grandchild, _ := e.CreateProcess(&recordingHandler{result: true})

	e.procs[parent].children = []uint64{child}
	e.procs[child].children = []uint64{grandchild}

	e.RemoveProcessWithChildren(parent)

	for _, id := range []uint64{parent, child, grandchild} {
		if _, ok := e.procs[id]; ok {
			t.Fatalf("expected process %d to have been removed", id)
		}
	}
}
