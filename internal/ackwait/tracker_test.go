package ackwait

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestResolveSignalsWaiter(t *testing.T) {
	tr := NewTracker(time.Second, nil)
	defer tr.Stop()

	id := uuid.New()
	done := tr.Register(id)

	if !tr.Resolve(id) {
		t.Fatal("Resolve should report the slot was found")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel was not closed")
	}

	if tr.Resolve(id) {
		t.Fatal("Resolve should not find an already-resolved slot")
	}
}

func TestReapIncrementsCounter(t *testing.T) {
	reaped := make(chan uuid.UUID, 1)
	tr := NewTracker(30*time.Millisecond, func(id uuid.UUID) { reaped <- id })
	defer tr.Stop()

	id := uuid.New()
	done := tr.Register(id)

	select {
	case got := <-reaped:
		if got != id {
			t.Fatalf("reaped %v, want %v", got, id)
		}
	case <-time.After(time.Second):
		t.Fatal("slot was never reaped")
	}

	select {
	case <-done:
		t.Fatal("reaping must not signal the waiter's done channel")
	case <-time.After(50 * time.Millisecond):
	}
}
