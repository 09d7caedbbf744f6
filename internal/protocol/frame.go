package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
)

// DefaultPort is the broker's conventional TCP port (§6 DEFAULT_PORT).
const DefaultPort = 45784

// DefaultMaxFrameBytes bounds a single frame's payload length unless a
// caller configures otherwise (§4.1 MAX_FRAME_BYTES).
const DefaultMaxFrameBytes = 16 << 20

// ZeroUUID is the sentinel value of InReplyToMessageID when a message is
// not a reply (§6).
var ZeroUUID uuid.UUID

// ErrCRCMismatch is returned when a frame's payload does not match its
// declared CRC32; the session that produced it must be closed (§7).
var ErrCRCMismatch = errors.New("protocol: crc32 mismatch")

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// configured MAX_FRAME_BYTES (§4.1, §7).
var ErrFrameTooLarge = errors.New("protocol: frame exceeds max frame bytes")

// ErrEmptyQueueName is returned for commands that require a non-empty
// queue name (§4.5).
var ErrEmptyQueueName = errors.New("protocol: empty queue name")

// Decoder reads length-delimited, CRC-checked frames off a byte stream
// (§4.1). It wraps a bufio.Reader rather than manually splicing a byte
// buffer: io.ReadFull over a buffered reader gives the same "block until
// one full frame is available" semantics the spec describes for the
// rolling receive buffer, without hand-rolled slice bookkeeping.
type Decoder struct {
	r             *bufio.Reader
	maxFrameBytes int
}

// NewDecoder returns a Decoder bounded by maxFrameBytes (0 selects
// DefaultMaxFrameBytes).
func NewDecoder(r io.Reader, maxFrameBytes int) *Decoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Decoder{r: bufio.NewReader(r), maxFrameBytes: maxFrameBytes}
}

// ReadCommand blocks until one full frame has arrived, then validates its
// CRC and decodes the payload into a Command. A CRC mismatch or oversize
// frame is fatal for the underlying connection (§4.1, §7).
func (d *Decoder) ReadCommand() (*Command, error) {
	var header [8]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	wantCRC := binary.LittleEndian.Uint32(header[4:8])

	if int(length) > d.maxFrameBytes {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, err
	}

	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, ErrCRCMismatch
	}

	return decodeCommand(payload)
}

// WriteCommand serializes cmd and writes one complete frame to w.
func WriteCommand(w io.Writer, cmd *Command) error {
	payload, err := encodeCommand(cmd)
	if err != nil {
		return err
	}

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("protocol: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}
	return nil
}

// encodeCommand serializes the ordered fields from §6: type, then for the
// message, messageId/peerId/queueName/label/body/expireSeconds/enqueuedAt/
// isQuery/isReply/inReplyToMessageId.
func encodeCommand(cmd *Command) ([]byte, error) {
	buf := make([]byte, 0, 64+len(cmd.Message.QueueName)+len(cmd.Message.Label)+len(cmd.Message.Body))
	buf = append(buf, byte(cmd.Type))

	buf = append(buf, cmd.Message.MessageID[:]...)
	buf = append(buf, cmd.Message.PeerID[:]...)

	buf = appendString16(buf, cmd.Message.QueueName)
	buf = appendString32(buf, cmd.Message.Label)
	buf = appendString32(buf, cmd.Message.Body)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], cmd.Message.ExpireSeconds)
	buf = append(buf, u32[:]...)

	var i64 [8]byte
	binary.LittleEndian.PutUint64(i64[:], uint64(cmd.Message.EnqueuedAt.UnixMilli()))
	buf = append(buf, i64[:]...)

	buf = append(buf, boolByte(cmd.Message.IsQuery), boolByte(cmd.Message.IsReply))
	buf = append(buf, cmd.Message.InReplyToMessageID[:]...)

	return buf, nil
}

func decodeCommand(payload []byte) (*Command, error) {
	r := &byteReader{b: payload}

	typByte, err := r.readByte()
	if err != nil {
		return nil, fmt.Errorf("protocol: decode type: %w", err)
	}
	typ := CommandType(typByte)
	if !typ.valid() {
		return nil, ErrUnknownCommandType
	}

	var msg Message
	if msg.MessageID, err = r.readUUID(); err != nil {
		return nil, err
	}
	if msg.PeerID, err = r.readUUID(); err != nil {
		return nil, err
	}
	if msg.QueueName, err = r.readString16(); err != nil {
		return nil, err
	}
	if msg.Label, err = r.readString32(); err != nil {
		return nil, err
	}
	if msg.Body, err = r.readString32(); err != nil {
		return nil, err
	}
	expire, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	msg.ExpireSeconds = expire

	ms, err := r.readInt64()
	if err != nil {
		return nil, err
	}
	msg.EnqueuedAt = timeFromUnixMilli(ms)

	isQuery, err := r.readByte()
	if err != nil {
		return nil, err
	}
	isReply, err := r.readByte()
	if err != nil {
		return nil, err
	}
	msg.IsQuery = isQuery != 0
	msg.IsReply = isReply != 0

	if msg.InReplyToMessageID, err = r.readUUID(); err != nil {
		return nil, err
	}

	return &Command{Type: typ, Message: msg}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func appendString16(buf []byte, s string) []byte {
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(len(s)))
	buf = append(buf, u16[:]...)
	return append(buf, s...)
}

func appendString32(buf []byte, s string) []byte {
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(s)))
	buf = append(buf, u32[:]...)
	return append(buf, s...)
}
