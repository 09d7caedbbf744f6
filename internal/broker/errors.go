package broker

import "errors"

// Error kinds from spec §7. Protocol and Transport errors close the
// session; Timeout and Misuse errors are surfaced to the caller; Handler
// errors are caught at the call site and reported via the exception event.
var (
	// ErrProtocol wraps command-level violations found by the server's
	// dispatch: a missing or duplicate Hello, an empty queue name, an
	// unhandled command type. Frame-level violations (CRC mismatch, unknown
	// type byte, oversize frame) surface as internal/protocol's own errors.
	ErrProtocol = errors.New("broker: protocol error")

	// ErrNotReady is returned when a non-Hello command arrives before the
	// session has completed the handshake.
	ErrNotReady = errors.New("broker: session not ready")

	// ErrQueueFull is returned by Enqueue when the target queue is at its
	// configured capacity (§9 backpressure expansion).
	ErrQueueFull = errors.New("broker: queue full")

	// ErrSessionClosed is returned when an operation is attempted against
	// a session that has already ended.
	ErrSessionClosed = errors.New("broker: session closed")
)
