package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/nanomq/internal/protocol"
)

type fakeSender struct {
	id uuid.UUID

	mu  sync.Mutex
	got []protocol.Command
}

func newFakeSender() *fakeSender {
	return &fakeSender{id: uuid.New()}
}

func (f *fakeSender) PeerID() uuid.UUID { return f.id }

func (f *fakeSender) Send(cmd *protocol.Command) error {
	f.mu.Lock()
	f.got = append(f.got, *cmd)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) received() []protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Command, len(f.got))
	copy(out, f.got)
	return out
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestQueueDeliversToSubscriberAndTracksInflight(t *testing.T) {
	q := newQueue("t1", 0, 0, nil, nil)
	defer q.close()

	sub := newFakeSender()
	q.subscribe(sub)

	msg := protocol.NewMessage(uuid.New(), "t1", "", "hello", 0)
	if err := q.enqueue(msg, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForCondition(t, func() bool { return len(sub.received()) == 1 })

	got := sub.received()
	if got[0].Message.Body != "hello" {
		t.Fatalf("body = %q, want hello", got[0].Message.Body)
	}

	if q.Depth() != 1 {
		t.Fatalf("depth = %d, want 1 before ack", q.Depth())
	}

	q.ack(sub.PeerID(), msg.MessageID)

	waitForCondition(t, func() bool { return q.Depth() == 0 })
}

func TestQueueDoesNotDoubleDeliverBeforeAck(t *testing.T) {
	q := newQueue("t2", 0, 0, nil, nil)
	defer q.close()

	sub := newFakeSender()
	q.subscribe(sub)

	m1 := protocol.NewMessage(uuid.New(), "t2", "", "m1", 0)
	m2 := protocol.NewMessage(uuid.New(), "t2", "", "m2", 0)
	if err := q.enqueue(m1, nil); err != nil {
		t.Fatalf("enqueue m1: %v", err)
	}
	if err := q.enqueue(m2, nil); err != nil {
		t.Fatalf("enqueue m2: %v", err)
	}

	waitForCondition(t, func() bool { return len(sub.received()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if len(sub.received()) != 1 {
		t.Fatalf("second item dispatched before first was acked: %v", sub.received())
	}

	q.ack(sub.PeerID(), m1.MessageID)
	waitForCondition(t, func() bool { return len(sub.received()) == 2 })
	if sub.received()[1].Message.Body != "m2" {
		t.Fatalf("second delivery = %q, want m2", sub.received()[1].Message.Body)
	}
}

func TestQueueQueryReplyRoutesToOriginator(t *testing.T) {
	q := newQueue("rpc", 0, 0, nil, nil)
	defer q.close()

	subscriber := newFakeSender()
	q.subscribe(subscriber)

	originator := newFakeSender()
	query := protocol.NewMessage(originator.PeerID(), "rpc", "", "ping", 0)
	query.IsQuery = true
	if err := q.enqueue(query, originator); err != nil {
		t.Fatalf("enqueue query: %v", err)
	}

	waitForCondition(t, func() bool { return len(subscriber.received()) == 1 })

	reply := protocol.NewMessage(subscriber.PeerID(), "rpc", "", "pong", 0)
	reply.IsReply = true
	reply.InReplyToMessageID = query.MessageID
	q.reply(reply)

	waitForCondition(t, func() bool { return len(originator.received()) == 1 })
	if originator.received()[0].Message.Body != "pong" {
		t.Fatalf("originator got %q, want pong", originator.received()[0].Message.Body)
	}
}

func TestQueueExpiredItemNotDeliveredToLateSubscriber(t *testing.T) {
	q := newQueue("expiring", 0, 0, nil, nil)
	defer q.close()

	msg := protocol.NewMessage(uuid.New(), "expiring", "", "stale", 1)
	if err := q.enqueue(msg, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	time.Sleep(1200 * time.Millisecond)

	sub := newFakeSender()
	q.subscribe(sub)
	time.Sleep(50 * time.Millisecond)

	if len(sub.received()) != 0 {
		t.Fatalf("late subscriber received expired item: %v", sub.received())
	}
}

func TestQueueExpirySweepDropsUnackedDelivery(t *testing.T) {
	q := newQueue("expiring-inflight", 0, 0, nil, nil)
	defer q.close()

	sub := newFakeSender()
	q.subscribe(sub)

	msg := protocol.NewMessage(uuid.New(), "expiring-inflight", "", "stale", 1)
	if err := q.enqueue(msg, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForCondition(t, func() bool { return len(sub.received()) == 1 })

	// Let the item expire without acking it; the periodic sweep should
	// release the pending delivery and garbage-collect the item.
	waitForCondition(t, func() bool { return q.Depth() == 0 })
}

func TestQueueFullRejectsEnqueue(t *testing.T) {
	q := newQueue("bounded", 1, 0, nil, nil)
	defer q.close()

	// A subscriber that never acks keeps the first item pending, so it is
	// not garbage-collected and genuinely occupies the one slot maxDepth
	// allows.
	sub := newFakeSender()
	q.subscribe(sub)

	if err := q.enqueue(protocol.NewMessage(uuid.New(), "bounded", "", "first", 0), nil); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	waitForCondition(t, func() bool { return len(sub.received()) == 1 })

	if err := q.enqueue(protocol.NewMessage(uuid.New(), "bounded", "", "second", 0), nil); err != ErrQueueFull {
		t.Fatalf("second enqueue error = %v, want ErrQueueFull", err)
	}
}

func TestQueueUnsubscribeReleasesInflight(t *testing.T) {
	q := newQueue("unsub", 0, 0, nil, nil)
	defer q.close()

	a := newFakeSender()
	b := newFakeSender()
	q.subscribe(a)
	q.subscribe(b)

	msg := protocol.NewMessage(uuid.New(), "unsub", "", "hi", 0)
	if err := q.enqueue(msg, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForCondition(t, func() bool { return len(a.received()) == 1 && len(b.received()) == 1 })

	q.unsubscribe(a.PeerID())
	if q.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", q.SubscriberCount())
	}

	// a never acked "hi"; if its inflight slot were still held, a fresh
	// subscription would not receive the next item.
	q.subscribe(a)
	if err := q.enqueue(protocol.NewMessage(uuid.New(), "unsub", "", "next", 0), nil); err != nil {
		t.Fatalf("enqueue next: %v", err)
	}
	waitForCondition(t, func() bool { return len(a.received()) == 2 })
	if a.received()[1].Message.Body != "next" {
		t.Fatalf("a's second delivery = %q, want next", a.received()[1].Message.Body)
	}
}
