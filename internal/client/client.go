// Package client implements a chat client over either server transport.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/omochice/socket-chat/pkg/protocol"
)

// ChunkSize is the number of file bytes carried by one FILE_CHUNK.
const ChunkSize = 4096

// ErrNotConnected is returned when sending before Connect or after Disconnect.
var ErrNotConnected = errors.New("not connected to server")

// FrameConn is a client-side framed connection.
type FrameConn interface {
	ReadMessage() (protocol.Message, error)
	WriteMessage(msg protocol.Message) error
	Close() error
}

// DialFunc opens a FrameConn to address.
type DialFunc func(ctx context.Context, address string) (FrameConn, error)

// Client is a chat client. Both raw-framed and WebSocket dialers plug in.
type Client struct {
	address  string
	dial     DialFunc
	logger   *slog.Logger
	conn     FrameConn
	messages chan protocol.Message
	mu       sync.RWMutex
	writeMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Client that connects with dial.
func New(address string, dial DialFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		address:  address,
		dial:     dial,
		logger:   logger,
		messages: make(chan protocol.Message, 64),
		done:     make(chan struct{}),
	}
}

// Connect establishes a connection to the server and starts receiving.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx, c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveMessages(conn)

	return nil
}

// Disconnect closes the connection and waits for the receiver to stop.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Messages returns the channel of server messages. It is closed when the
// connection ends.
func (c *Client) Messages() <-chan protocol.Message {
	return c.messages
}

// Send writes msg to the server.
func (c *Client) Send(msg protocol.Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *Client) sendPayload(t protocol.MessageType, payload any) error {
	msg, err := protocol.New(t, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

func credentials(username, password string) protocol.Credentials {
	return protocol.Credentials{Username: username, Password: password}
}

// Login authenticates an existing user. An empty password sends the legacy
// bare-username form.
func (c *Client) Login(username, password string) error {
	if password == "" {
		return c.Send(protocol.Text(protocol.MessageTypeLogin, username))
	}
	return c.sendPayload(protocol.MessageTypeLogin, credentials(username, password))
}

// Register creates an account and logs in.
func (c *Client) Register(username, password string) error {
	return c.sendPayload(protocol.MessageTypeRegister, credentials(username, password))
}

// SendText sends a public message.
func (c *Client) SendText(content string) error {
	return c.Send(protocol.Text(protocol.MessageTypeText, content))
}

// SendPrivate sends a direct message.
func (c *Client) SendPrivate(receiver, content string) error {
	return c.sendPayload(protocol.MessageTypePrivate, protocol.Private{Receiver: receiver, Content: content})
}

// SendGroup sends a message to a group.
func (c *Client) SendGroup(groupID int64, content string) error {
	return c.sendPayload(protocol.MessageTypeGroup, protocol.Group{GroupID: protocol.GroupID(groupID), Content: content})
}

func (c *Client) CreateGroup(name string) error {
	return c.Send(protocol.Text(protocol.MessageTypeGroupCreate, name))
}

func (c *Client) JoinGroup(groupID int64) error {
	return c.sendPayload(protocol.MessageTypeGroupJoin, groupID)
}

func (c *Client) LeaveGroup(groupID int64) error {
	return c.sendPayload(protocol.MessageTypeGroupLeave, groupID)
}

func (c *Client) DeleteGroup(groupID int64) error {
	return c.sendPayload(protocol.MessageTypeGroupDelete, groupID)
}

func (c *Client) GroupMembers(groupID int64) error {
	return c.sendPayload(protocol.MessageTypeGroupMembers, groupID)
}

// RequestPrivateHistory asks for the conversation with peer.
func (c *Client) RequestPrivateHistory(peer string) error {
	return c.sendPayload(protocol.MessageTypeHistoryRequest, map[string]any{
		"history_type": protocol.HistoryPrivate,
		"target":       peer,
	})
}

// RequestGroupHistory asks for the messages of a group.
func (c *Client) RequestGroupHistory(groupID int64) error {
	return c.sendPayload(protocol.MessageTypeHistoryRequest, map[string]any{
		"history_type": protocol.HistoryGroup,
		"target":       groupID,
	})
}

// SendFile uploads size bytes from r as filename in ChunkSize chunks.
func (c *Client) SendFile(filename string, r io.Reader, size int64, receiver string) error {
	err := c.sendPayload(protocol.MessageTypeFileRequest, protocol.FileRequest{
		Filename: filename,
		Filesize: size,
		Receiver: receiver,
	})
	if err != nil {
		return err
	}

	buf := make([]byte, ChunkSize)
	for n := 0; ; n++ {
		read, err := io.ReadFull(r, buf)
		if read > 0 {
			chunk := protocol.FileChunk{ChunkNum: n, Data: base64.StdEncoding.EncodeToString(buf[:read])}
			if err := c.sendPayload(protocol.MessageTypeFileChunk, chunk); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
	}
	return c.Send(protocol.Message{Type: protocol.MessageTypeFileEnd})
}

// Exit asks the server to end the session.
func (c *Client) Exit() error {
	return c.Send(protocol.Message{Type: protocol.MessageTypeExit})
}

// receiveMessages continuously receives messages from the server
func (c *Client) receiveMessages(conn FrameConn) {
	defer c.wg.Done()
	defer close(c.messages)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				conn.Close()
			}
			c.mu.Unlock()

			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) {
					c.logger.Warn("Error reading from server", "error", err)
				}
			}
			return
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}
