// Package tcp dials the chat server with length-prefixed framing.
package tcp

import (
	"bufio"
	"context"
	"log/slog"
	"net"

	"github.com/omochice/socket-chat/internal/client"
	"github.com/omochice/socket-chat/internal/transport/tcp"
	"github.com/omochice/socket-chat/pkg/protocol"
)

type conn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *conn) ReadMessage() (protocol.Message, error) {
	return tcp.ReadMessage(c.reader)
}

func (c *conn) WriteMessage(msg protocol.Message) error {
	return tcp.WriteMessage(c.Conn, msg)
}

// Dial connects to a server address such as "localhost:5555".
func Dial(ctx context.Context, address string) (client.FrameConn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return &conn{Conn: nc, reader: bufio.NewReader(nc)}, nil
}

// New creates a raw-framed client for address.
func New(address string, logger *slog.Logger) *client.Client {
	return client.New(address, Dial, logger)
}
