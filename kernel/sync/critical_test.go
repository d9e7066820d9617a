package sync

import "testing"

func TestCriticalBracketsWithInterruptToggle(t *testing.T) {
	prevDisable, prevEnable := disableInterruptsFn, enableInterruptsFn
	defer func() { disableInterruptsFn, enableInterruptsFn = prevDisable, prevEnable }()

	var order []string
	disableInterruptsFn = func() { order = append(order, "cli") }
	enableInterruptsFn = func() { order = append(order, "sti") }

	ran := false
	Critical(func() {
		ran = true
		order = append(order, "fn")
	})

	if !ran {
		t.Fatal("expected the critical function to run")
	}

	want := []string{"cli", "fn", "sti"}
	if len(order) != len(want) {
		t.Fatalf("expected order %v; got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v; got %v", want, order)
		}
	}
}

func TestCriticalRunsStiEvenOnPanic(t *testing.T) {
	prevDisable, prevEnable := disableInterruptsFn, enableInterruptsFn
	defer func() { disableInterruptsFn, enableInterruptsFn = prevDisable, prevEnable }()

	stiCalled := false
	disableInterruptsFn = func() {}
	enableInterruptsFn = func() { stiCalled = true }

	defer func() {
		recover()
		if !stiCalled {
			t.Fatal("expected sti to run even after a panic inside the critical section")
		}
	}()

	Critical(func() { panic("boom") })
}
