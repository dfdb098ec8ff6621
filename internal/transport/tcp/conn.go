// Package tcp provides the raw-stream transport: length-prefixed JSON frames
// carried directly over a TCP connection.
package tcp

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/omochice/socket-chat/internal/chat"
	"github.com/omochice/socket-chat/pkg/protocol"
)

// Conn adapts net.Conn to chat.Conn interface.
type Conn struct {
	conn         net.Conn
	reader       io.Reader
	writeTimeout time.Duration
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn, writeTimeout time.Duration) *Conn {
	return NewConnWithReader(conn, conn, writeTimeout)
}

// NewConnWithReader wraps a net.Conn whose first bytes were already buffered
// by reader during protocol detection.
func NewConnWithReader(conn net.Conn, reader io.Reader, writeTimeout time.Duration) *Conn {
	return &Conn{conn: conn, reader: reader, writeTimeout: writeTimeout}
}

// Read implements chat.Conn.
func (c *Conn) Read(ctx context.Context) (protocol.Message, error) {
	if err := c.conn.SetReadDeadline(chat.ReadDeadline(ctx)); err != nil {
		return protocol.Message{}, err
	}
	return ReadMessage(c.reader)
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, msg protocol.Message) error {
	if err := c.conn.SetWriteDeadline(chat.WriteDeadline(ctx, c.writeTimeout)); err != nil {
		return err
	}
	return WriteMessage(c.conn, msg)
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Transport implements chat.Conn.
func (c *Conn) Transport() chat.Transport {
	return chat.TransportRaw
}
