package client

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/nanomq/internal/protocol"
)

func TestCorrelatorResolvesAwaitingReply(t *testing.T) {
	c := newCorrelator()
	queryID := uuid.New()

	replyCh := c.await(queryID)

	reply := &protocol.Message{MessageID: uuid.New(), InReplyToMessageID: queryID, Body: "pong"}
	if !c.resolve(reply) {
		t.Fatal("resolve should find the waiter")
	}

	select {
	case got := <-replyCh:
		if got.Body != "pong" {
			t.Fatalf("body = %q, want pong", got.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("reply was not delivered")
	}
}

func TestCorrelatorResolveWithoutWaiterReportsFalse(t *testing.T) {
	c := newCorrelator()
	reply := &protocol.Message{InReplyToMessageID: uuid.New()}
	if c.resolve(reply) {
		t.Fatal("resolve should report false for an unknown correlation id")
	}
}

func TestCorrelatorCancelDropsWaiter(t *testing.T) {
	c := newCorrelator()
	queryID := uuid.New()
	c.await(queryID)
	c.cancel(queryID)

	reply := &protocol.Message{InReplyToMessageID: queryID}
	if c.resolve(reply) {
		t.Fatal("resolve should not find a cancelled waiter")
	}
}
