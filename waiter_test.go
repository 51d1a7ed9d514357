package sshmux

import (
	"errors"
	"testing"
)

func TestWaiterSettleIsIdempotent(t *testing.T) {
	w := newWaiter[int]()
	w.settle(1, nil)
	w.settle(2, errors.New("ignored"))

	v, err := w.wait()
	if err != nil {
		t.Fatalf("wait: %v, want nil (first settle wins)", err)
	}
	if v != 1 {
		t.Fatalf("value = %d, want 1 (first settle wins)", v)
	}
}

func TestWaiterWaitBlocksUntilSettled(t *testing.T) {
	w := newWaiter[string]()
	done := make(chan struct{})
	go func() {
		v, err := w.wait()
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		if v != "ready" {
			t.Errorf("value = %q, want %q", v, "ready")
		}
		close(done)
	}()
	w.settle("ready", nil)
	<-done
}

func TestRequestWaiterQueueFIFO(t *testing.T) {
	var q requestWaiterQueue
	a := newWaiter[bool]()
	b := newWaiter[bool]()
	q.push(a)
	q.push(b)

	if !q.popAndSettle(true) {
		t.Fatalf("popAndSettle on non-empty queue returned false")
	}
	av, _ := a.wait()
	if !av {
		t.Fatalf("a settled to %v, want true (first push, first reply)", av)
	}

	if !q.popAndSettle(false) {
		t.Fatalf("popAndSettle on non-empty queue returned false")
	}
	bv, _ := b.wait()
	if bv {
		t.Fatalf("b settled to %v, want false (second push, second reply)", bv)
	}

	if q.popAndSettle(true) {
		t.Fatalf("popAndSettle on empty queue returned true, want false (unmatched reply)")
	}
}

func TestRequestWaiterQueueFailAll(t *testing.T) {
	var q requestWaiterQueue
	a := newWaiter[bool]()
	b := newWaiter[bool]()
	q.push(a)
	q.push(b)

	cause := errors.New("connection lost")
	q.failAll(cause)

	if _, err := a.wait(); err != cause {
		t.Fatalf("a.wait() error = %v, want %v", err, cause)
	}
	if _, err := b.wait(); err != cause {
		t.Fatalf("b.wait() error = %v, want %v", err, cause)
	}

	// failAll on an already-drained queue must be a no-op, not a panic.
	q.failAll(cause)
}
