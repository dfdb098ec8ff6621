package chat

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/omochice/socket-chat/pkg/protocol"
)

// Client represents an accepted connection with a transport-agnostic Conn.
// Writes to one client are serialized so frames never interleave.
type Client struct {
	ID   string
	Conn Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewClient wraps conn with a fresh identifier.
func NewClient(conn Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		Conn: conn,
	}
}

func (c *Client) write(ctx context.Context, msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.Write(ctx, msg)
}

// Close closes the underlying connection once. It does not wait for an
// in-flight write: closing the connection is what unblocks it.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// Hub manages all connected clients and handles broadcast.
// Raw-framed and WebSocket sessions share a single Hub instance.
//
// One mutex guards the registry, the username bindings and the file transfer
// table. Fan-out snapshots recipients under the lock and writes after
// releasing it.
type Hub struct {
	mu        sync.Mutex
	clients   map[*Client]string
	byName    map[string]*Client
	transfers map[*Client]*Transfer

	rooms  MemberLister
	logger *slog.Logger
}

// NewHub creates a new Hub. rooms resolves group membership for
// BroadcastToRoom.
func NewHub(rooms MemberLister, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:   make(map[*Client]string),
		byName:    make(map[string]*Client),
		transfers: make(map[*Client]*Transfer),
		rooms:     rooms,
		logger:    logger,
	}
}

// Register adds an unauthenticated client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = ""
}

// Remove drops c from the registry. It returns the username c was still bound
// to and the upload it abandoned, if any.
func (h *Hub) Remove(c *Client) (string, *Transfer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := h.clients[c]
	if name != "" && h.byName[name] == c {
		delete(h.byName, name)
	}
	delete(h.clients, c)
	t := h.transfers[c]
	delete(h.transfers, c)
	return name, t
}

// Bind associates username with c. A previous binding of c is replaced. If
// another client held username, its binding is revoked and that client is
// returned so the caller can disconnect it.
func (h *Hub) Bind(c *Client, username string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old := h.clients[c]; old != "" && h.byName[old] == c {
		delete(h.byName, old)
	}

	displaced := h.byName[username]
	if displaced == c {
		displaced = nil
	}
	if displaced != nil {
		h.clients[displaced] = ""
	}

	h.byName[username] = c
	h.clients[c] = username
	return displaced
}

// Unbind clears the identity of c and returns the username it held.
func (h *Hub) Unbind(c *Client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unbindLocked(c)
}

func (h *Hub) unbindLocked(c *Client) string {
	name, ok := h.clients[c]
	if !ok || name == "" {
		return ""
	}
	h.clients[c] = ""
	if h.byName[name] == c {
		delete(h.byName, name)
	}
	return name
}

// Username returns the identity bound to c, or "".
func (h *Hub) Username(c *Client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[c]
}

// Lookup returns the client bound to username, or nil.
func (h *Hub) Lookup(username string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byName[username]
}

// Usernames returns the bound usernames in sorted order.
func (h *Hub) Usernames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.byName))
	for name := range h.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Send writes msg to c. A client whose write fails loses its binding and is
// closed.
func (h *Hub) Send(ctx context.Context, c *Client, msg protocol.Message) error {
	err := c.write(ctx, msg)
	if err != nil {
		h.revoke(c, err)
	}
	return err
}

func (h *Hub) revoke(c *Client, err error) {
	h.mu.Lock()
	name := h.unbindLocked(c)
	h.mu.Unlock()

	h.logger.Warn("Failed to send message to client",
		"client", c.ID,
		"username", name,
		"remote", c.Conn.RemoteAddr(),
		"error", err,
	)
	go c.Close()
}

// Broadcast sends msg to every authenticated client except exclude and
// returns the number of successful deliveries.
func (h *Hub) Broadcast(ctx context.Context, msg protocol.Message, exclude *Client) int {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.byName))
	for _, c := range h.byName {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	return h.deliver(ctx, targets, msg)
}

// SendToUsers sends msg to each online user in usernames except exclude.
// Offline members are skipped.
func (h *Hub) SendToUsers(ctx context.Context, usernames []string, msg protocol.Message, exclude *Client) int {
	h.mu.Lock()
	targets := make([]*Client, 0, len(usernames))
	for _, name := range usernames {
		if c, ok := h.byName[name]; ok && c != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	return h.deliver(ctx, targets, msg)
}

// BroadcastToRoom sends msg to the online members of groupID except exclude.
func (h *Hub) BroadcastToRoom(ctx context.Context, groupID int64, msg protocol.Message, exclude *Client) (int, error) {
	members, err := h.rooms.GroupMembers(ctx, groupID)
	if err != nil {
		return 0, err
	}
	return h.SendToUsers(ctx, members, msg, exclude), nil
}

func (h *Hub) deliver(ctx context.Context, targets []*Client, msg protocol.Message) int {
	delivered := 0
	for _, c := range targets {
		if err := h.Send(ctx, c, msg); err == nil {
			delivered++
		}
	}
	return delivered
}

// CloseAll closes every registered connection. Sessions observe the closed
// connection and tear themselves down.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			_ = c.Close()
		}(c)
	}
	wg.Wait()
}
