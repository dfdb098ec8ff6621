// Package ws dials the chat server over WebSocket.
package ws

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/socket-chat/internal/client"
	"github.com/omochice/socket-chat/pkg/protocol"
)

type conn struct {
	net.Conn
	rw io.ReadWriter
}

func (c *conn) ReadMessage() (protocol.Message, error) {
	data, err := wsutil.ReadServerText(c.rw)
	if err != nil {
		return protocol.Message{}, err
	}
	var msg protocol.Message
	if err := msg.Decode(data); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

func (c *conn) WriteMessage(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return wsutil.WriteClientText(c.Conn, data)
}

func (c *conn) Close() error {
	_ = ws.WriteFrame(c.Conn, ws.MaskFrame(ws.NewFrame(ws.OpClose, true, nil)))
	return c.Conn.Close()
}

// handoffReader serves the bytes buffered during the handshake, then
// returns the buffer to the pool and reads the connection directly.
type handoffReader struct {
	br   *bufio.Reader
	conn net.Conn
}

func (h *handoffReader) Read(p []byte) (int, error) {
	if h.br == nil {
		return h.conn.Read(p)
	}
	// Never let br refill from the connection.
	if n := h.br.Buffered(); len(p) > n {
		p = p[:n]
	}
	n, err := h.br.Read(p)
	if h.br.Buffered() == 0 {
		ws.PutReader(h.br)
		h.br = nil
	}
	return n, err
}

// Dial connects to a URL such as "ws://localhost:5555/".
func Dial(ctx context.Context, url string) (client.FrameConn, error) {
	nc, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	c := &conn{Conn: nc, rw: nc}
	if br != nil {
		if br.Buffered() == 0 {
			ws.PutReader(br)
			return c, nil
		}
		// The server spoke first.
		c.rw = struct {
			io.Reader
			io.Writer
		}{&handoffReader{br: br, conn: nc}, nc}
	}
	return c, nil
}

// New creates a WebSocket client for url.
func New(url string, logger *slog.Logger) *client.Client {
	return client.New(url, Dial, logger)
}
