// Package chat provides the core chat domain logic shared by all transports:
// the connection registry, message routing, sessions and file transfers.
package chat

import (
	"context"
	"time"

	"github.com/omochice/socket-chat/pkg/protocol"
)

// Transport names the wire format a connection was detected as.
type Transport string

const (
	TransportRaw       Transport = "raw-framed"
	TransportWebSocket Transport = "websocket"
)

// Conn abstracts a bidirectional connection for both transports.
// This interface isolates transport framing from chat logic.
type Conn interface {
	// Read reads a single message frame.
	// Returns io.EOF (or another error) when the connection is unusable.
	Read(ctx context.Context) (protocol.Message, error)

	// Write sends a single message frame.
	Write(ctx context.Context, msg protocol.Message) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string

	// Transport reports the detected wire format.
	Transport() Transport
}

// ReadDeadline returns the context deadline, or the zero time when there is none.
func ReadDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Time{}
}

// WriteDeadline returns the earlier of the context deadline and now+timeout.
// A non-positive timeout means no per-write bound.
func WriteDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var dl time.Time
	if timeout > 0 {
		dl = time.Now().Add(timeout)
	}
	if ctxDl, ok := ctx.Deadline(); ok && (dl.IsZero() || ctxDl.Before(dl)) {
		dl = ctxDl
	}
	return dl
}
