// Package client implements the peer side of the nanomq protocol: the
// connection supervisor (C8), the query correlator (C7), and the public
// Client surface (C9) that application code drives.
package client

import "github.com/oriys/nanomq/internal/protocol"

// Events holds optional callbacks invoked as the client observes protocol
// and connection activity (§4.8 event surface). Every field may be left
// nil; a nil handler is simply skipped.
type Events struct {
	// OnMessage fires for every ProcessMessage delivered on a subscribed
	// queue that is not a reply (replies always go to OnQueryReply) and not
	// a query taken by OnQuery.
	OnMessage func(queue string, msg *protocol.Message)

	// OnQuery fires instead of OnMessage when the delivered message is a
	// query. The handler may return a reply body and true to have the
	// client send it back automatically; returning false leaves the reply
	// to the caller's own later call to Client.Reply.
	OnQuery func(queue string, msg *protocol.Message) (reply string, ok bool)

	// OnQueryReply fires for every inbound reply, whether or not a Query
	// call on this client is still waiting for it. hasOpenQuery reports
	// whether the correlator found and resolved a waiter.
	OnQueryReply func(reply *protocol.Message, hasOpenQuery bool)

	// OnEnqueued fires after this client's own Publish, Reply, Query, or
	// QueryNoWait call is acknowledged by the broker.
	OnEnqueued func(msg *protocol.Message)

	// OnQueueSubscribed fires after this client's Subscribe call is
	// acknowledged.
	OnQueueSubscribed func(queue string)

	// OnQueueUnsubscribed fires after this client's Unsubscribe call is
	// acknowledged.
	OnQueueUnsubscribed func(queue string)

	// OnQueueCleared fires after this client's Clear call is acknowledged.
	OnQueueCleared func(queue string)

	// OnConnect fires once the Hello handshake completes.
	OnConnect func()

	// OnDisconnect fires when the connection drops, before a reconnect
	// attempt is scheduled.
	OnDisconnect func(err error)

	// OnReconnect fires after a dropped connection is re-established and
	// prior subscriptions have been replayed.
	OnReconnect func()

	// OnException fires for handler-class errors (§7): a caller-supplied
	// OnMessage or OnQuery callback panicking is recovered and reported
	// here, as is a command of a type the client does not expect.
	OnException func(err error)
}

func (e *Events) fireMessage(queue string, msg *protocol.Message) {
	if e != nil && e.OnMessage != nil {
		e.OnMessage(queue, msg)
	}
}

// fireQuery reports whether a handler ran and, if so, the reply it produced.
func (e *Events) fireQuery(queue string, msg *protocol.Message) (reply string, handled, ok bool) {
	if e == nil || e.OnQuery == nil {
		return "", false, false
	}
	reply, ok = e.OnQuery(queue, msg)
	return reply, true, ok
}

func (e *Events) fireQueryReply(reply *protocol.Message, hasOpenQuery bool) {
	if e != nil && e.OnQueryReply != nil {
		e.OnQueryReply(reply, hasOpenQuery)
	}
}

func (e *Events) fireEnqueued(msg *protocol.Message) {
	if e != nil && e.OnEnqueued != nil {
		e.OnEnqueued(msg)
	}
}

func (e *Events) fireQueueSubscribed(queue string) {
	if e != nil && e.OnQueueSubscribed != nil {
		e.OnQueueSubscribed(queue)
	}
}

func (e *Events) fireQueueUnsubscribed(queue string) {
	if e != nil && e.OnQueueUnsubscribed != nil {
		e.OnQueueUnsubscribed(queue)
	}
}

func (e *Events) fireQueueCleared(queue string) {
	if e != nil && e.OnQueueCleared != nil {
		e.OnQueueCleared(queue)
	}
}

func (e *Events) fireConnect() {
	if e != nil && e.OnConnect != nil {
		e.OnConnect()
	}
}

func (e *Events) fireDisconnect(err error) {
	if e != nil && e.OnDisconnect != nil {
		e.OnDisconnect(err)
	}
}

func (e *Events) fireReconnect() {
	if e != nil && e.OnReconnect != nil {
		e.OnReconnect()
	}
}

func (e *Events) fireException(err error) {
	if e != nil && e.OnException != nil {
		e.OnException(err)
	}
}
