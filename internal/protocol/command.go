// Package protocol implements nanomq's wire protocol: the command envelope
// (§3, §4.2 of the design) and the length-delimited, CRC-checked frame
// codec (§4.1, §6) that carries it over a byte stream.
package protocol

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// CommandType identifies the kind of command carried by an envelope.
// The set is append-only: a receiver that does not recognize a type MUST
// reject it as a protocol error (§4.2).
type CommandType uint8

const (
	Hello CommandType = iota + 1
	Enqueue
	Subscribe
	Unsubscribe
	Clear
	ProcessMessage
	CommandAck
)

// ErrUnknownCommandType is returned when decoding a frame whose type byte
// does not match any known CommandType.
var ErrUnknownCommandType = errors.New("protocol: unknown command type")

func (t CommandType) String() string {
	switch t {
	case Hello:
		return "Hello"
	case Enqueue:
		return "Enqueue"
	case Subscribe:
		return "Subscribe"
	case Unsubscribe:
		return "Unsubscribe"
	case Clear:
		return "Clear"
	case ProcessMessage:
		return "ProcessMessage"
	case CommandAck:
		return "CommandAck"
	default:
		return "Unknown"
	}
}

func (t CommandType) valid() bool {
	return t >= Hello && t <= CommandAck
}

// Message is the wire message record (§3 "M").
type Message struct {
	MessageID          uuid.UUID
	PeerID             uuid.UUID // origin peer
	QueueName          string
	Label              string
	Body               string
	ExpireSeconds      uint32 // 0 = never expire
	EnqueuedAt         time.Time
	IsQuery            bool
	IsReply            bool
	InReplyToMessageID uuid.UUID // zero UUID when absent
}

// Expired reports whether m has outlived its ExpireSeconds as of now.
func (m *Message) Expired(now time.Time) bool {
	if m.ExpireSeconds == 0 {
		return false
	}
	return now.After(m.EnqueuedAt.Add(time.Duration(m.ExpireSeconds) * time.Second))
}

// NewMessage builds a Message with a freshly minted ID and EnqueuedAt set
// to now, the shape every outbound Enqueue/ProcessMessage construction
// needs.
func NewMessage(peerID uuid.UUID, queueName, label, body string, expireSeconds uint32) *Message {
	return &Message{
		MessageID:     uuid.New(),
		PeerID:        peerID,
		QueueName:     queueName,
		Label:         label,
		Body:          body,
		ExpireSeconds: expireSeconds,
		EnqueuedAt:    time.Now(),
	}
}

// Command is the tagged envelope exchanged between peer and broker (§3 "CMD").
// Only Enqueue/ProcessMessage carry a meaningful Message body; control
// commands carry only identifying fields.
type Command struct {
	Type    CommandType
	Message Message
}

// NewControlCommand builds a command carrying only identifying fields, for
// Hello/Subscribe/Unsubscribe/Clear/CommandAck.
func NewControlCommand(typ CommandType, peerID, messageID uuid.UUID, queueName string) *Command {
	return &Command{
		Type: typ,
		Message: Message{
			MessageID: messageID,
			PeerID:    peerID,
			QueueName: queueName,
		},
	}
}
