// Package broker implements the server half of nanomq: the queue store and
// dispatcher (C5, C6), the per-connection peer session (C3), and the TCP
// accept loop that wires them together.
package broker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/nanomq/internal/config"
	"github.com/oriys/nanomq/internal/metrics"
	"github.com/oriys/nanomq/internal/protocol"
)

// Server accepts peer connections and owns the queue store exclusively
// (§3 Ownership). Queues are created lazily on first use (§4.5).
type Server struct {
	cfg        config.ServerConfig
	ackTimeout time.Duration
	metrics    *metrics.BrokerMetrics
	log        *slog.Logger

	mu       sync.RWMutex
	queues   map[string]*queue
	sessions map[uuid.UUID]*session

	listener net.Listener
	wg       sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer constructs a Server; call Serve to accept connections on a
// net.Listener, or ListenAndServe to bind cfg.Addr itself. ackTimeout bounds
// how long a delivery may sit inflight to a subscriber before it is
// presumed dead (0 disables the check).
func NewServer(cfg config.ServerConfig, ackTimeout time.Duration, m *metrics.BrokerMetrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Server{
		cfg:        cfg,
		ackTimeout: ackTimeout,
		metrics:    m,
		log:        log,
		queues:     make(map[string]*queue),
		sessions:   make(map[uuid.UUID]*session),
		closed:     make(chan struct{}),
	}
}

// ListenAndServe binds cfg.Addr and serves until the listener is closed.
func (srv *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", srv.cfg.Addr)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", srv.cfg.Addr, err)
	}
	return srv.Serve(ln)
}

// Serve accepts connections on ln until it is closed or Close is called.
func (srv *Server) Serve(ln net.Listener) error {
	srv.listener = ln
	srv.log.Info("broker listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-srv.closed:
				return nil
			default:
			}
			return fmt.Errorf("broker: accept: %w", err)
		}
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight sessions
// to end.
func (srv *Server) Close() error {
	srv.closeOnce.Do(func() { close(srv.closed) })
	var err error
	if srv.listener != nil {
		err = srv.listener.Close()
	}
	srv.wg.Wait()

	srv.mu.Lock()
	for _, q := range srv.queues {
		q.close()
	}
	srv.mu.Unlock()

	return err
}

// queueFor returns the named queue, creating it on first use (§4.5).
func (srv *Server) queueFor(name string) *queue {
	srv.mu.RLock()
	q, ok := srv.queues[name]
	srv.mu.RUnlock()
	if ok {
		return q
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if q, ok := srv.queues[name]; ok {
		return q
	}
	q = newQueue(name, srv.cfg.MaxQueueDepth, srv.ackTimeout, srv.metrics, srv.log)
	srv.queues[name] = q
	return q
}

// QueueNames returns the names of every queue ever created, for the
// admin/introspection surface.
func (srv *Server) QueueNames() []string {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	names := make([]string, 0, len(srv.queues))
	for n := range srv.queues {
		names = append(names, n)
	}
	return names
}

// QueueStats reports a snapshot of one queue's depth and subscriber count.
func (srv *Server) QueueStats(name string) (depth, subscribers int, ok bool) {
	srv.mu.RLock()
	q, found := srv.queues[name]
	srv.mu.RUnlock()
	if !found {
		return 0, 0, false
	}
	return q.Depth(), q.SubscriberCount(), true
}

func (srv *Server) handleConn(conn net.Conn) {
	sess := newSession(conn, srv.cfg.MaxFrameBytes, srv.log)
	defer srv.endSession(sess)

	for {
		cmd, err := sess.decoder.ReadCommand()
		if err != nil {
			srv.logDisconnect(sess, err)
			return
		}

		if err := srv.dispatchCommand(sess, cmd); err != nil {
			srv.log.Warn("protocol error, closing session", "peer", sess.PeerID(), "error", err)
			srv.metrics.IncProtocolError(protocolErrorKind(err))
			return
		}
	}
}

func (srv *Server) logDisconnect(sess *session, err error) {
	if errors.Is(err, io.EOF) {
		srv.log.Info("peer disconnected", "peer", sess.PeerID())
		return
	}
	if isProtocolDecodeError(err) {
		srv.log.Warn("protocol error, closing session", "peer", sess.PeerID(), "error", err)
		srv.metrics.IncProtocolError(protocolErrorKind(err))
		return
	}
	srv.log.Warn("session read error", "peer", sess.PeerID(), "error", err)
}

func isProtocolDecodeError(err error) bool {
	return errors.Is(err, protocol.ErrCRCMismatch) ||
		errors.Is(err, protocol.ErrUnknownCommandType) ||
		errors.Is(err, protocol.ErrFrameTooLarge)
}

func protocolErrorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrCRCMismatch):
		return "crc_mismatch"
	case errors.Is(err, protocol.ErrUnknownCommandType):
		return "unknown_type"
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, protocol.ErrEmptyQueueName):
		return "empty_queue_name"
	default:
		return "other"
	}
}

// dispatchCommand processes one decoded command against the session's
// state machine (§4.3).
func (srv *Server) dispatchCommand(sess *session, cmd *protocol.Command) error {
	if !sess.ready() {
		if cmd.Type != protocol.Hello {
			return fmt.Errorf("%w: %w: expected Hello, got %s", ErrProtocol, ErrNotReady, cmd.Type)
		}
		sess.markReady(cmd.Message.PeerID)
		srv.registerSession(sess)
		// Echo Hello back as the handshake ack (§4.3), not a CommandAck.
		return sess.Send(&protocol.Command{Type: protocol.Hello, Message: cmd.Message})
	}

	switch cmd.Type {
	case protocol.Hello:
		return fmt.Errorf("%w: duplicate Hello on ready session", ErrProtocol)

	case protocol.Enqueue:
		if cmd.Message.QueueName == "" {
			return fmt.Errorf("%w: %v", ErrProtocol, protocol.ErrEmptyQueueName)
		}
		q := srv.queueFor(cmd.Message.QueueName)
		msg := cmd.Message
		msg.PeerID = sess.PeerID()
		var err error
		if msg.IsReply {
			q.reply(&msg)
		} else {
			err = q.enqueue(&msg, sess)
		}
		if err != nil && !errors.Is(err, ErrQueueFull) {
			return err
		}
		return srv.ack(sess, cmd, err)

	case protocol.Subscribe:
		if cmd.Message.QueueName == "" {
			return fmt.Errorf("%w: %v", ErrProtocol, protocol.ErrEmptyQueueName)
		}
		q := srv.queueFor(cmd.Message.QueueName)
		q.subscribe(sess)
		sess.trackSubscribed(cmd.Message.QueueName)
		return srv.ack(sess, cmd, nil)

	case protocol.Unsubscribe:
		if cmd.Message.QueueName == "" {
			return fmt.Errorf("%w: %v", ErrProtocol, protocol.ErrEmptyQueueName)
		}
		q := srv.queueFor(cmd.Message.QueueName)
		q.unsubscribe(sess.PeerID())
		sess.trackUnsubscribed(cmd.Message.QueueName)
		return srv.ack(sess, cmd, nil)

	case protocol.Clear:
		if cmd.Message.QueueName == "" {
			return fmt.Errorf("%w: %v", ErrProtocol, protocol.ErrEmptyQueueName)
		}
		q := srv.queueFor(cmd.Message.QueueName)
		q.clear()
		return srv.ack(sess, cmd, nil)

	case protocol.CommandAck:
		if cmd.Message.QueueName != "" {
			q := srv.queueFor(cmd.Message.QueueName)
			q.ack(sess.PeerID(), cmd.Message.MessageID)
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrProtocol, cmd.Type)
	}
}

// ack sends a CommandAck for cmd back to the sender. The error argument is
// ignored: an Enqueue rejected with ErrQueueFull is acked exactly like an
// accepted one, so the message is not stored and the publisher is not told
// of the rejection.
func (srv *Server) ack(sess *session, cmd *protocol.Command, _ error) error {
	return sess.Send(protocol.NewControlCommand(protocol.CommandAck, sess.PeerID(), cmd.Message.MessageID, cmd.Message.QueueName))
}

func (srv *Server) registerSession(sess *session) {
	srv.mu.Lock()
	srv.sessions[sess.PeerID()] = sess
	n := len(srv.sessions)
	srv.mu.Unlock()
	srv.metrics.SetSessionsActive(n)
	srv.log.Info("peer connected", "peer", sess.PeerID())
}

// endSession runs the session-end cleanup from §4.3: remove the peer from
// every queue's subscriber set and mark the session closed. Query waits
// are held by clients, not by this server, and nothing is sent to them when
// a peer that might have replied leaves: such a wait ends only at its own
// timeout or context cancellation.
func (srv *Server) endSession(sess *session) {
	sess.markClosed()

	srv.mu.Lock()
	delete(srv.sessions, sess.PeerID())
	n := len(srv.sessions)
	srv.mu.Unlock()
	srv.metrics.SetSessionsActive(n)

	for _, name := range sess.subscribedQueues() {
		if q := srv.queueFor(name); q != nil {
			q.unsubscribe(sess.PeerID())
		}
	}
}
