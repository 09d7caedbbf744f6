package logging

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// InitStructured reconfigures the operational logger based on format settings.
// format: "text" (default) or "json" (Loki/ELK compatible)
// level: "debug", "info", "warn", "error"
func InitStructured(format, level string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	opLogger.Store(logger)
}

// WithPeer scopes log to one peer connection, attaching its id once instead
// of repeating "peer", id at every call site along that connection's life.
func WithPeer(log *slog.Logger, peerID uuid.UUID) *slog.Logger {
	return log.With("peer", peerID)
}
