// Package ws provides the WebSocket transport: a hand-rolled RFC 6455
// handshake and the subset of framing needed for text JSON messages.
package ws

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/omochice/socket-chat/internal/chat"
	"github.com/omochice/socket-chat/pkg/protocol"
)

// closeTimeout bounds the courtesy close frame sent on Close.
const closeTimeout = time.Second

// Conn adapts an upgraded net.Conn to chat.Conn interface.
type Conn struct {
	conn         net.Conn
	reader       io.Reader
	writeTimeout time.Duration
}

// NewConn wraps a net.Conn after a successful Handshake. reader must be the
// buffered reader the handshake consumed the request from.
func NewConn(conn net.Conn, reader io.Reader, writeTimeout time.Duration) *Conn {
	if reader == nil {
		reader = conn
	}
	return &Conn{conn: conn, reader: reader, writeTimeout: writeTimeout}
}

// Read implements chat.Conn.
// Reads a text frame and decodes its JSON envelope.
func (c *Conn) Read(ctx context.Context) (protocol.Message, error) {
	if err := c.conn.SetReadDeadline(chat.ReadDeadline(ctx)); err != nil {
		return protocol.Message{}, err
	}
	text, err := ReadText(c.reader)
	if err != nil {
		return protocol.Message{}, err
	}
	var msg protocol.Message
	if err := msg.Decode([]byte(text)); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// Write implements chat.Conn.
// Writes the JSON envelope as one unmasked text frame.
func (c *Conn) Write(ctx context.Context, msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(chat.WriteDeadline(ctx, c.writeTimeout)); err != nil {
		return err
	}
	return WriteText(c.conn, data)
}

// Close implements chat.Conn.
// Sends a close frame before closing the socket.
func (c *Conn) Close() error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
	_ = WriteClose(c.conn)
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Transport implements chat.Conn.
func (c *Conn) Transport() chat.Transport {
	return chat.TransportWebSocket
}
