package broker

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/oriys/nanomq/internal/logging"
	"github.com/oriys/nanomq/internal/protocol"
)

type sessionState int

const (
	stateAwaitingHello sessionState = iota
	stateReady
	stateClosed
)

// session is the server-side realization of the peer session (C3): one TCP
// connection, one state machine, one decoder, and a write mutex so multiple
// queue goroutines can call Send concurrently without interleaving frames.
type session struct {
	conn    net.Conn
	decoder *protocol.Decoder
	log     *slog.Logger

	mu       sync.Mutex
	state    sessionState
	peerID   uuid.UUID
	subbedTo map[string]bool
}

func newSession(conn net.Conn, maxFrameBytes int, log *slog.Logger) *session {
	return &session{
		conn:     conn,
		decoder:  protocol.NewDecoder(conn, maxFrameBytes),
		log:      log,
		state:    stateAwaitingHello,
		subbedTo: make(map[string]bool),
	}
}

// PeerID implements sender.
func (s *session) PeerID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

func (s *session) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateReady
}

func (s *session) markReady(peerID uuid.UUID) {
	s.mu.Lock()
	s.state = stateReady
	s.peerID = peerID
	if s.log != nil {
		s.log = logging.WithPeer(s.log, peerID)
	}
	log := s.log
	s.mu.Unlock()
	if log != nil {
		log.Debug("session ready")
	}
}

func (s *session) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}

func (s *session) markClosed() {
	s.mu.Lock()
	s.state = stateClosed
	log := s.log
	s.mu.Unlock()
	s.conn.Close()
	if log != nil {
		log.Debug("session closed")
	}
}

func (s *session) trackSubscribed(name string) {
	s.mu.Lock()
	s.subbedTo[name] = true
	s.mu.Unlock()
}

func (s *session) trackUnsubscribed(name string) {
	s.mu.Lock()
	delete(s.subbedTo, name)
	s.mu.Unlock()
}

func (s *session) subscribedQueues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.subbedTo))
	for n := range s.subbedTo {
		names = append(names, n)
	}
	return names
}

// Send writes a frame to the peer. It is safe for concurrent use by
// multiple queue goroutines: writes are serialized, and per §5's
// "asynchronous and fire-and-forget" characterization, the caller does not
// wait for the peer to process the frame, only for the write itself.
func (s *session) Send(cmd *protocol.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return fmt.Errorf("%w: peer %s", ErrSessionClosed, s.peerID)
	}
	return protocol.WriteCommand(s.conn, cmd)
}
