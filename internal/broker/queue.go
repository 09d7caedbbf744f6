package broker

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/nanomq/internal/metrics"
	"github.com/oriys/nanomq/internal/protocol"
)

// sender is how a queue reaches a subscriber or a query originator without
// knowing anything about sockets — satisfied by *session.
type sender interface {
	PeerID() uuid.UUID
	Send(cmd *protocol.Command) error
}

// item is one message travelling through a queue's FIFO log. pending holds
// the subscriber snapshot taken at enqueue time (§4.5: "A newly-arrived
// subscriber does NOT receive items already in flight") minus whoever has
// since acked or been expired past.
type item struct {
	seq     int64
	msg     *protocol.Message
	pending map[uuid.UUID]bool
	sentAt  map[uuid.UUID]time.Time // when ProcessMessage was last sent to a pending peer
}

func (it *item) expired(now time.Time) bool {
	return it.msg.Expired(now)
}

func (it *item) done() bool {
	return len(it.pending) == 0
}

// pendingQuery correlates an in-flight query to its originator so the
// matching reply can be routed back regardless of the query's own fan-out
// state (§4.5.2).
type pendingQuery struct {
	messageID  uuid.UUID
	originator sender
	expiresAt  time.Time // zero means never
}

// queue is a single named FIFO with its own subscriber set, run entirely
// on one goroutine (its "inbox" loop). This gives the single-writer
// guarantee spec.md §9 recommends for the per-queue ordering invariant,
// without an explicit mutex around queue internals.
type queue struct {
	name      string
	createdAt time.Time
	maxDepth  int

	// ackTimeout bounds how long a ProcessMessage delivery may sit inflight
	// to a peer without a CommandAck before it is presumed dead and
	// redispatched (§4.4's ack-slot timeout, applied here per subscriber
	// rather than per connection since one item can be inflight to several
	// subscribers under the same messageId).
	ackTimeout time.Duration

	inbox chan func(*queueState)
	done  chan struct{}

	metrics *metrics.BrokerMetrics
	log     *slog.Logger
}

// queueState is the actor-owned mutable state; only the run loop ever
// touches it, so it needs no lock of its own.
type queueState struct {
	items    []*item
	nextSeq  int64
	subs     map[uuid.UUID]sender
	inflight map[uuid.UUID]int64 // peerID -> seq of the item currently inflight to them
	queries  map[uuid.UUID]*pendingQuery
}

func newQueue(name string, maxDepth int, ackTimeout time.Duration, m *metrics.BrokerMetrics, log *slog.Logger) *queue {
	q := &queue{
		name:       name,
		createdAt:  time.Now(),
		maxDepth:   maxDepth,
		ackTimeout: ackTimeout,
		inbox:      make(chan func(*queueState), 256),
		done:       make(chan struct{}),
		metrics:    m,
		log:        log,
	}
	go q.run()
	return q
}

func (q *queue) run() {
	st := &queueState{
		subs:     make(map[uuid.UUID]sender),
		inflight: make(map[uuid.UUID]int64),
		queries:  make(map[uuid.UUID]*pendingQuery),
	}

	sweep := time.NewTicker(200 * time.Millisecond)
	defer sweep.Stop()

	for {
		select {
		case <-q.done:
			return
		case fn := <-q.inbox:
			fn(st)
			q.reportMetrics(st)
		case <-sweep.C:
			q.expireSweep(st)
			q.reapStaleDeliveries(st)
			q.reportMetrics(st)
		}
	}
}

func (q *queue) reportMetrics(st *queueState) {
	if q.metrics == nil {
		return
	}
	q.metrics.SetQueueDepth(q.name, len(st.items))
	q.metrics.SetQueueSubscribers(q.name, len(st.subs))
	q.metrics.SetInflight(q.name, len(st.inflight))
}

// submit runs fn on the queue's owning goroutine and blocks until it has
// run, giving callers a simple synchronous-looking API over the actor.
func (q *queue) submit(fn func(*queueState)) {
	done := make(chan struct{})
	select {
	case q.inbox <- func(st *queueState) { fn(st); close(done) }:
		<-done
	case <-q.done:
	}
}

func (q *queue) close() {
	close(q.done)
}

// Depth reports the number of items not yet fully delivered/expired.
func (q *queue) Depth() int {
	var n int
	q.submit(func(st *queueState) { n = len(st.items) })
	return n
}

// SubscriberCount reports the current number of subscribers.
func (q *queue) SubscriberCount() int {
	var n int
	q.submit(func(st *queueState) { n = len(st.subs) })
	return n
}

// enqueue appends msg to the FIFO, snapshotting current subscribers, and
// attempts immediate delivery to any idle ones. Queries are additionally
// tracked for reply correlation, keyed to whichever sender is given as the
// originator (nil if the caller does not need reply routing, e.g. tests
// driving the queue directly).
func (q *queue) enqueue(msg *protocol.Message, originator sender) error {
	var fullErr error
	q.submit(func(st *queueState) {
		if q.maxDepth > 0 && len(st.items) >= q.maxDepth {
			fullErr = ErrQueueFull
			return
		}

		it := &item{
			seq:     st.nextSeq,
			msg:     msg,
			pending: make(map[uuid.UUID]bool, len(st.subs)),
			sentAt:  make(map[uuid.UUID]time.Time),
		}
		st.nextSeq++
		for peerID := range st.subs {
			it.pending[peerID] = true
		}
		st.items = append(st.items, it)

		if msg.IsQuery {
			st.queries[msg.MessageID] = &pendingQuery{
				messageID:  msg.MessageID,
				originator: originator,
				expiresAt:  expiryOf(msg),
			}
		}

		if q.metrics != nil {
			q.metrics.IncEnqueued(q.name)
		}

		q.dispatchAll(st)
		q.gc(st)
	})
	return fullErr
}

func expiryOf(msg *protocol.Message) time.Time {
	if msg.ExpireSeconds == 0 {
		return time.Time{}
	}
	return msg.EnqueuedAt.Add(time.Duration(msg.ExpireSeconds) * time.Second)
}

// reply routes a reply message to its query's originator (§4.5.3), dropping
// it silently if no matching in-flight query exists.
func (q *queue) reply(msg *protocol.Message) {
	q.submit(func(st *queueState) {
		pq, ok := st.queries[msg.InReplyToMessageID]
		if !ok || pq.originator == nil {
			if q.metrics != nil {
				q.metrics.IncReplyDropped()
			}
			return
		}
		delete(st.queries, msg.InReplyToMessageID)
		q.removeItemByID(st, msg.InReplyToMessageID)

		if err := pq.originator.Send(&protocol.Command{Type: protocol.ProcessMessage, Message: *msg}); err != nil && q.log != nil {
			q.log.Warn("reply delivery failed", "queue", q.name, "peer", pq.originator.PeerID(), "error", err)
		} else if q.metrics != nil {
			q.metrics.IncQueryReply()
		}
	})
}

func (q *queue) removeItemByID(st *queueState, messageID uuid.UUID) {
	for i, it := range st.items {
		if it.msg.MessageID == messageID {
			st.items = append(st.items[:i], st.items[i+1:]...)
			return
		}
	}
}

// subscribe idempotently adds peer to the subscriber set. It does not
// retroactively deliver items already in flight (§4.5).
func (q *queue) subscribe(s sender) {
	q.submit(func(st *queueState) {
		st.subs[s.PeerID()] = s
	})
}

// unsubscribe idempotently removes peer, releasing any inflight bookkeeping
// and advancing delivery to the next item for everyone else.
func (q *queue) unsubscribe(peerID uuid.UUID) {
	q.submit(func(st *queueState) {
		q.dropPeer(st, peerID)
	})
}

func (q *queue) dropPeer(st *queueState, peerID uuid.UUID) {
	delete(st.subs, peerID)
	delete(st.inflight, peerID)
	for _, it := range st.items {
		delete(it.pending, peerID)
	}
	q.gc(st)
}

// clear empties the FIFO while preserving subscribers (§4.5).
func (q *queue) clear() {
	q.submit(func(st *queueState) {
		st.items = nil
		st.inflight = make(map[uuid.UUID]int64)
	})
}

// ack resolves a peer's outstanding delivery for messageID, advancing their
// cursor to the next eligible item.
func (q *queue) ack(peerID, messageID uuid.UUID) {
	q.submit(func(st *queueState) {
		for _, it := range st.items {
			if it.msg.MessageID == messageID {
				delete(it.pending, peerID)
				delete(it.sentAt, peerID)
				break
			}
		}
		delete(st.inflight, peerID)
		q.gc(st)
		q.dispatchTo(st, peerID)
	})
}

// dispatchAll attempts delivery to every idle subscriber.
func (q *queue) dispatchAll(st *queueState) {
	for peerID := range st.subs {
		q.dispatchTo(st, peerID)
	}
}

// dispatchTo sends the earliest still-pending item to peerID if that peer
// currently has nothing inflight, enforcing at-most-one-inflight-per-
// (queue,subscriber) (§4.5).
func (q *queue) dispatchTo(st *queueState, peerID uuid.UUID) {
	if _, busy := st.inflight[peerID]; busy {
		return
	}
	s, ok := st.subs[peerID]
	if !ok {
		return
	}

	for _, it := range st.items {
		if !it.pending[peerID] {
			continue
		}
		if err := s.Send(&protocol.Command{Type: protocol.ProcessMessage, Message: *it.msg}); err != nil {
			if q.log != nil {
				q.log.Warn("delivery failed", "queue", q.name, "peer", peerID, "error", err)
			}
			return
		}
		st.inflight[peerID] = it.seq
		it.sentAt[peerID] = time.Now()
		if q.metrics != nil {
			q.metrics.IncDelivered(q.name)
		}
		return
	}
}

// expireSweep drops items/queries whose expiry has passed.
func (q *queue) expireSweep(st *queueState) {
	now := time.Now()

	var kept []*item
	for _, it := range st.items {
		if it.expired(now) && !it.done() {
			for peerID := range it.pending {
				delete(it.pending, peerID)
				if st.inflight[peerID] == it.seq {
					delete(st.inflight, peerID)
				}
			}
			if q.metrics != nil {
				q.metrics.IncExpired(q.name)
			}
		}
		if !it.done() || !it.expired(now) {
			kept = append(kept, it)
		}
	}
	st.items = kept

	for id, pq := range st.queries {
		if !pq.expiresAt.IsZero() && now.After(pq.expiresAt) {
			delete(st.queries, id)
		}
	}

	q.dispatchAll(st)
}

// reapStaleDeliveries presumes a delivery dead once it has sat inflight to a
// peer longer than ackTimeout without a CommandAck, releasing that peer's
// inflight slot and counting it; the item stays pending for that peer, so
// the next dispatch sends it again (§4.4, §9 presumedDeadCommandCount).
func (q *queue) reapStaleDeliveries(st *queueState) {
	if q.ackTimeout <= 0 {
		return
	}
	now := time.Now()

	for _, it := range st.items {
		for peerID, sentAt := range it.sentAt {
			if now.Sub(sentAt) <= q.ackTimeout {
				continue
			}
			delete(it.sentAt, peerID)
			if st.inflight[peerID] == it.seq {
				delete(st.inflight, peerID)
			}
			if q.metrics != nil {
				q.metrics.IncPresumedDead()
			}
		}
	}

	q.dispatchAll(st)
}

// gc drops every item with no pending peer left (fully acked or expired),
// wherever it sits in the log; it is cheap to call opportunistically since
// items are usually short-lived.
func (q *queue) gc(st *queueState) {
	kept := st.items[:0]
	for _, it := range st.items {
		if !it.done() {
			kept = append(kept, it)
		}
	}
	st.items = kept
}
