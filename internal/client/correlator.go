package client

import (
	"sync"

	"github.com/google/uuid"

	"github.com/oriys/nanomq/internal/protocol"
)

// querySlot is one outstanding Query call waiting for its reply (§4.6).
type querySlot struct {
	reply chan *protocol.Message
}

// correlator matches inbound ProcessMessage replies back to the Query call
// that is waiting for them, keyed by the original query's messageId, the
// way the broker's pendingQuery map matches replies to queries server-side.
type correlator struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*querySlot
}

func newCorrelator() *correlator {
	return &correlator{slots: make(map[uuid.UUID]*querySlot)}
}

// await registers interest in a reply to queryID and returns the channel
// the reply will be delivered on. Call before sending the query command
// to avoid missing a fast reply.
func (c *correlator) await(queryID uuid.UUID) <-chan *protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &querySlot{reply: make(chan *protocol.Message, 1)}
	c.slots[queryID] = s
	return s.reply
}

// resolve delivers msg to the waiter for msg.InReplyToMessageID, if any. It
// reports whether a waiter was found.
func (c *correlator) resolve(msg *protocol.Message) bool {
	c.mu.Lock()
	s, ok := c.slots[msg.InReplyToMessageID]
	if ok {
		delete(c.slots, msg.InReplyToMessageID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	s.reply <- msg
	return true
}

// cancel drops a waiter without a reply, e.g. on timeout.
func (c *correlator) cancel(queryID uuid.UUID) {
	c.mu.Lock()
	delete(c.slots, queryID)
	c.mu.Unlock()
}
