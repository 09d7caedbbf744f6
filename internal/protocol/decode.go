package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// byteReader is a tiny cursor over an already-CRC-validated payload slice;
// every read method returns an error instead of panicking on truncation so
// a malformed (but CRC-matching — e.g. from a future protocol version)
// frame still fails cleanly rather than crashing the session goroutine.
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) need(n int) error {
	if r.pos+n > len(r.b) {
		return fmt.Errorf("protocol: truncated frame, need %d bytes at offset %d", n, r.pos)
	}
	return nil
}

func (r *byteReader) readByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) readUUID() (uuid.UUID, error) {
	var u uuid.UUID
	if err := r.need(16); err != nil {
		return u, err
	}
	copy(u[:], r.b[r.pos:r.pos+16])
	r.pos += 16
	return u, nil
}

func (r *byteReader) readUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *byteReader) readInt64() (int64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := int64(binary.LittleEndian.Uint64(r.b[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

func (r *byteReader) readString16() (string, error) {
	if err := r.need(2); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(r.b[r.pos : r.pos+2])
	r.pos += 2
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *byteReader) readString32() (string, error) {
	if err := r.need(4); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(r.b[r.pos : r.pos+4])
	r.pos += 4
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func timeFromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
