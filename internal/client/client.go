package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/nanomq/internal/ackwait"
	"github.com/oriys/nanomq/internal/config"
	"github.com/oriys/nanomq/internal/protocol"
)

// ErrNotConnected is returned by operations attempted while the client has
// no live connection to the broker and reconnect has not yet succeeded.
var ErrNotConnected = errors.New("client: not connected")

// ErrQueryTimeout is returned by Query when no reply arrives within the
// configured or supplied timeout.
var ErrQueryTimeout = errors.New("client: query timed out waiting for reply")

// Client is one peer connection to a nanomq broker, with automatic
// reconnect (C8) and query/reply correlation (C7).
type Client struct {
	addr          string
	maxFrameBytes int
	cfg           config.ClientConfig
	ackTimeout    time.Duration
	events        *Events
	log           *slog.Logger

	peerID uuid.UUID

	ackTracker *ackwait.Tracker
	correlator *correlator

	mu        sync.Mutex
	conn      net.Conn
	decoder   *protocol.Decoder
	connected bool
	subs      map[string]bool

	writeMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Client bound to addr. ackTimeout bounds how long a
// command write waits for the broker's CommandAck (§4.4) — a distinct
// timeout from cfg.QueryTimeout, which bounds waiting for a query reply
// (§4.6). Connect must be called before any other method.
func New(addr string, cfg config.ClientConfig, ackTimeout time.Duration, maxFrameBytes int, events *Events, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if ackTimeout <= 0 {
		ackTimeout = cfg.QueryTimeout()
	}
	c := &Client{
		addr:          addr,
		maxFrameBytes: maxFrameBytes,
		cfg:           cfg,
		ackTimeout:    ackTimeout,
		events:        events,
		log:           log,
		peerID:        uuid.New(),
		correlator:    newCorrelator(),
		subs:          make(map[string]bool),
		stopCh:        make(chan struct{}),
	}
	c.ackTracker = ackwait.NewTracker(ackTimeout, func(uuid.UUID) {})
	return c
}

// Connect dials the broker, performs the Hello handshake, and starts the
// read loop and reconnect supervisor (C8).
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dialAndHandshake(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.superviseLoop()
	return nil
}

func (c *Client) dialAndHandshake(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.addr, err)
	}

	hello := protocol.NewControlCommand(protocol.Hello, c.peerID, c.peerID, "")
	if err := protocol.WriteCommand(conn, hello); err != nil {
		conn.Close()
		return fmt.Errorf("client: send hello: %w", err)
	}

	dec := protocol.NewDecoder(conn, c.maxFrameBytes)
	reply, err := dec.ReadCommand()
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: hello handshake: %w", err)
	}
	if reply.Type != protocol.Hello {
		conn.Close()
		return fmt.Errorf("client: expected Hello ack, got %s", reply.Type)
	}

	c.mu.Lock()
	c.conn = conn
	c.decoder = dec
	c.connected = true
	c.mu.Unlock()

	c.events.fireConnect()

	c.wg.Add(1)
	go c.readLoop(conn, dec)
	return nil
}

// readLoop owns one connection's lifetime: it decodes frames until the
// connection fails, then marks the client disconnected and returns,
// leaving reconnection to the supervisor.
func (c *Client) readLoop(conn net.Conn, dec *protocol.Decoder) {
	defer c.wg.Done()
	for {
		cmd, err := dec.ReadCommand()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(cmd)
	}
}

func (c *Client) dispatch(cmd *protocol.Command) {
	switch cmd.Type {
	case protocol.ProcessMessage:
		msg := cmd.Message

		// Replies are routed to whichever Query call (if any) is waiting
		// on this correlation id and never enter the ack-tracked delivery
		// path: the broker already dropped the originating query item the
		// moment it forwarded the reply (internal/broker/queue.go's reply).
		if msg.InReplyToMessageID != protocol.ZeroUUID {
			hasOpenQuery := c.correlator.resolve(&msg)
			c.events.fireQueryReply(&msg, hasOpenQuery)
			return
		}

		if msg.IsQuery {
			if reply, handled, ok := c.fireQuerySafely(msg.QueueName, &msg); handled {
				if ok {
					original := msg
					replyBody := reply
					// sendAndAwaitAck would block this read loop waiting on
					// its own CommandAck, which arrives on this same
					// connection — send it from another goroutine instead.
					go func() {
						if err := c.Reply(&original, replyBody); err != nil {
							c.log.Warn("failed to send auto-reply", "queue", original.QueueName, "error", err)
						}
					}()
				}
				c.sendAck(msg.QueueName, msg.MessageID)
				return
			}
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					c.events.fireException(fmt.Errorf("client: OnMessage handler panicked: %v", r))
				}
			}()
			c.events.fireMessage(msg.QueueName, &msg)
		}()
		c.sendAck(msg.QueueName, msg.MessageID)

	case protocol.CommandAck:
		c.ackTracker.Resolve(cmd.Message.MessageID)

	case protocol.Hello:
		// Unsolicited; ignore.

	default:
		c.events.fireException(fmt.Errorf("client: unexpected command type %s", cmd.Type))
	}
}

// fireQuerySafely invokes Events.OnQuery, recovering a panic the same way
// dispatch recovers OnMessage's. A recovered panic counts as "handled" with
// no reply, so the caller still acks the delivery instead of falling
// through to OnMessage.
func (c *Client) fireQuerySafely(queue string, msg *protocol.Message) (reply string, handled, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.events.fireException(fmt.Errorf("client: OnQuery handler panicked: %v", r))
			handled, ok = true, false
		}
	}()
	return c.events.fireQuery(queue, msg)
}

func (c *Client) sendAck(queueName string, messageID uuid.UUID) {
	ack := protocol.NewControlCommand(protocol.CommandAck, c.peerID, messageID, queueName)
	if err := c.writeCommand(ack); err != nil {
		c.log.Warn("failed to ack delivered message", "queue", queueName, "error", err)
	}
}

func (c *Client) handleDisconnect(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return // already superseded by a reconnect
	}
	c.connected = false
	c.mu.Unlock()
	conn.Close()
	c.events.fireDisconnect(err)
}

func (c *Client) writeCommand(cmd *protocol.Command) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteCommand(conn, cmd)
}

// sendAndAwaitAck writes cmd and blocks until the broker's CommandAck for it
// arrives or ackTimeout elapses (§4.4 — distinct from the query-reply
// timeout in Query).
func (c *Client) sendAndAwaitAck(cmd *protocol.Command) error {
	done := c.ackTracker.Register(cmd.Message.MessageID)
	if err := c.writeCommand(cmd); err != nil {
		c.ackTracker.Forget(cmd.Message.MessageID)
		return err
	}
	select {
	case <-done:
		return nil
	case <-time.After(c.ackTimeout):
		c.ackTracker.Forget(cmd.Message.MessageID)
		return fmt.Errorf("client: ack timed out for %s", cmd.Type)
	}
}

// Publish enqueues a message onto queue and waits for the broker's ack.
func (c *Client) Publish(queue, label, body string, expireSeconds uint32) error {
	msg := protocol.NewMessage(c.peerID, queue, label, body, expireSeconds)
	if err := c.sendAndAwaitAck(&protocol.Command{Type: protocol.Enqueue, Message: *msg}); err != nil {
		return err
	}
	c.events.fireEnqueued(msg)
	return nil
}

// Reply sends body as a reply to an earlier query message.
func (c *Client) Reply(original *protocol.Message, body string) error {
	msg := protocol.NewMessage(c.peerID, original.QueueName, "", body, 0)
	msg.IsReply = true
	msg.InReplyToMessageID = original.MessageID
	if err := c.sendAndAwaitAck(&protocol.Command{Type: protocol.Enqueue, Message: *msg}); err != nil {
		return err
	}
	c.events.fireEnqueued(msg)
	return nil
}

// Query enqueues a query message and blocks for a reply or until timeout
// elapses (0 selects the client's configured default). The reply also
// reaches Events.OnQueryReply, same as QueryNoWait's.
func (c *Client) Query(ctx context.Context, queue, label, body string, timeout time.Duration) (*protocol.Message, error) {
	if timeout <= 0 {
		timeout = c.cfg.QueryTimeout()
	}
	msg := protocol.NewMessage(c.peerID, queue, label, body, 0)
	msg.IsQuery = true

	replyCh := c.correlator.await(msg.MessageID)
	if err := c.sendAndAwaitAck(&protocol.Command{Type: protocol.Enqueue, Message: *msg}); err != nil {
		c.correlator.cancel(msg.MessageID)
		return nil, err
	}
	c.events.fireEnqueued(msg)

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		c.correlator.cancel(msg.MessageID)
		return nil, ErrQueryTimeout
	case <-ctx.Done():
		c.correlator.cancel(msg.MessageID)
		return nil, ctx.Err()
	}
}

// QueryNoWait is Query's fire-and-forget form (§4.6): it registers the
// correlation slot and sends the query but returns as soon as the broker
// acks receipt, without waiting for a reply. Any reply that eventually
// arrives surfaces only through Events.OnQueryReply.
func (c *Client) QueryNoWait(queue, label, body string) error {
	msg := protocol.NewMessage(c.peerID, queue, label, body, 0)
	msg.IsQuery = true

	c.correlator.await(msg.MessageID)
	if err := c.sendAndAwaitAck(&protocol.Command{Type: protocol.Enqueue, Message: *msg}); err != nil {
		c.correlator.cancel(msg.MessageID)
		return err
	}
	c.events.fireEnqueued(msg)
	return nil
}

// Subscribe registers interest in queue and waits for the broker's ack.
func (c *Client) Subscribe(queue string) error {
	cmd := protocol.NewControlCommand(protocol.Subscribe, c.peerID, uuid.New(), queue)
	if err := c.sendAndAwaitAck(cmd); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[queue] = true
	c.mu.Unlock()
	c.events.fireQueueSubscribed(queue)
	return nil
}

// Unsubscribe removes interest in queue.
func (c *Client) Unsubscribe(queue string) error {
	cmd := protocol.NewControlCommand(protocol.Unsubscribe, c.peerID, uuid.New(), queue)
	if err := c.sendAndAwaitAck(cmd); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subs, queue)
	c.mu.Unlock()
	c.events.fireQueueUnsubscribed(queue)
	return nil
}

// Clear empties queue on the broker while leaving subscribers intact.
func (c *Client) Clear(queue string) error {
	cmd := protocol.NewControlCommand(protocol.Clear, c.peerID, uuid.New(), queue)
	if err := c.sendAndAwaitAck(cmd); err != nil {
		return err
	}
	c.events.fireQueueCleared(queue)
	return nil
}

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect closes the connection and stops the reconnect supervisor.
func (c *Client) Disconnect() error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	conn := c.conn
	c.connected = false
	c.mu.Unlock()

	c.ackTracker.Stop()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}
