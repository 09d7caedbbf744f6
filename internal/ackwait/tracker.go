// Package ackwait implements the per-message acknowledgment tracker of the
// nanomq protocol (§4.4), used by internal/client (the broker tracks its
// fan-out deliveries in internal/broker/queue.go instead): the side that
// sends a command that needs acknowledgment registers a slot keyed by messageId
// before writing the frame, then either blocks on it or lets a background
// reaper age it out. Matching this to a concrete Go primitive, a slot is a
// channel closed exactly once by whichever goroutine resolves it first.
package ackwait

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type slot struct {
	createdAt time.Time
	done      chan struct{}
}

// Tracker holds the outstanding ack slots for one side of one connection.
// Registering a slot before writing the frame that needs it, per §4.4,
// avoids the race of a reply arriving before the waiter is registered.
type Tracker struct {
	mu      sync.Mutex
	slots   map[uuid.UUID]*slot
	timeout time.Duration

	onReap func(messageID uuid.UUID)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTracker starts a Tracker whose background reaper scans at least once
// per timeout/2, per §4.4. onReap, if non-nil, is invoked for every slot
// aged out; callers typically increment a presumedDeadCommandCount counter
// there.
func NewTracker(timeout time.Duration, onReap func(messageID uuid.UUID)) *Tracker {
	t := &Tracker{
		slots:   make(map[uuid.UUID]*slot),
		timeout: timeout,
		onReap:  onReap,
		stopCh:  make(chan struct{}),
	}
	go t.reapLoop()
	return t
}

// Register allocates a slot for messageID and returns a channel that is
// closed when Resolve(messageID) is called. Callers should register before
// writing the frame that will be acknowledged.
func (t *Tracker) Register(messageID uuid.UUID) <-chan struct{} {
	s := &slot{
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	t.mu.Lock()
	t.slots[messageID] = s
	t.mu.Unlock()
	return s.done
}

// Resolve signals the slot for messageID, if one is outstanding. It
// reports whether a slot was found — callers use this to distinguish a
// real ack from one that arrived after its slot was reaped or for a
// message this tracker never registered.
func (t *Tracker) Resolve(messageID uuid.UUID) bool {
	t.mu.Lock()
	s, ok := t.slots[messageID]
	if ok {
		delete(t.slots, messageID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	close(s.done)
	return true
}

// Forget removes a slot without resolving it, e.g. when the caller's own
// local wait already timed out and it no longer cares about a late ack.
func (t *Tracker) Forget(messageID uuid.UUID) {
	t.mu.Lock()
	delete(t.slots, messageID)
	t.mu.Unlock()
}

// Outstanding returns the number of unresolved ack slots.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

func (t *Tracker) reapLoop() {
	interval := t.timeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.reapOnce()
		}
	}
}

func (t *Tracker) reapOnce() {
	now := time.Now()
	var reaped []uuid.UUID

	t.mu.Lock()
	for id, s := range t.slots {
		if now.Sub(s.createdAt) > t.timeout {
			reaped = append(reaped, id)
			delete(t.slots, id)
		}
	}
	t.mu.Unlock()

	for _, id := range reaped {
		if t.onReap != nil {
			t.onReap(id)
		}
	}
}

// Stop terminates the background reaper. Any slots still outstanding are
// abandoned, matching §5's "Outstanding acks are abandoned" cancellation
// behavior.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}
