package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/omochice/socket-chat/pkg/protocol"
)

// State is the lifecycle stage of a connection.
type State int

const (
	StateDetecting State = iota
	StateHandshaking
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDetecting:
		return "DETECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session drives one framed connection from authentication to teardown.
type Session struct {
	router      *Router
	client      *Client
	logger      *slog.Logger
	authTimeout time.Duration

	state    State
	username string
}

// NewSession creates a session for conn. authTimeout bounds the wait for the
// first frame; zero means no bound.
func NewSession(router *Router, conn Conn, authTimeout time.Duration) *Session {
	client := NewClient(conn)
	return &Session{
		router:      router,
		client:      client,
		logger:      router.logger.With("client", client.ID, "remote", conn.RemoteAddr()),
		authTimeout: authTimeout,
		state:       StateAuthenticating,
	}
}

// Client returns the registry entry of the session.
func (s *Session) Client() *Client {
	return s.client
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return s.state
}

// Run serves the connection until it closes, exits or fails. The connection
// is always closed and unregistered on return.
func (s *Session) Run(ctx context.Context) {
	hub := s.router.hub
	hub.Register(s.client)
	defer s.teardown(ctx)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Session panicked", "panic", r)
		}
	}()

	s.logger.Info("New connection", "transport", s.client.Conn.Transport())

	if !s.authenticate(ctx) {
		return
	}

	for {
		msg, err := s.client.Conn.Read(ctx)
		if err != nil {
			s.logReadError(err)
			return
		}
		if s.router.Dispatch(ctx, s, msg) {
			s.logger.Info("Client requested exit", "username", s.username)
			return
		}
	}
}

func (s *Session) authenticate(ctx context.Context) bool {
	readCtx := ctx
	if s.authTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, s.authTimeout)
		defer cancel()
	}

	msg, err := s.client.Conn.Read(readCtx)
	if err != nil {
		s.logReadError(err)
		return false
	}

	p, err := protocol.Parse(msg)
	if err != nil {
		s.router.replyError(ctx, s, ReplyError(fmt.Sprintf("Malformed %s payload", msg.Type)))
		return false
	}

	switch p := p.(type) {
	case protocol.Login:
		err = s.router.Login(ctx, s, p.Credentials, false)
	case protocol.Register:
		err = s.router.Login(ctx, s, p.Credentials, true)
	case protocol.Exit:
		return false
	default:
		err = errNotAuthenticated
	}
	if err != nil {
		s.logger.Info("Authentication failed", "type", msg.Type, "error", err)
		s.router.replyError(ctx, s, err)
		return false
	}
	return true
}

func (s *Session) logReadError(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		s.logger.Debug("Connection closed", "state", s.state)
		return
	}
	s.logger.Info("Connection unusable", "state", s.state, "error", err)
}

func (s *Session) teardown(ctx context.Context) {
	hub := s.router.hub
	_, transfer := hub.Remove(s.client)
	if transfer != nil {
		s.logger.Info("File transfer abandoned", "filename", transfer.Filename, "received", transfer.Size())
	}
	_ = s.client.Close()
	s.state = StateClosed

	// Announce the departure unless another connection has taken the name.
	if s.username != "" && hub.Lookup(s.username) == nil {
		s.logger.Info("User disconnected", "username", s.username)
		hub.Broadcast(ctx, protocol.Text(protocol.MessageTypeText, fmt.Sprintf("Server: %s has left the chat.", s.username)), nil)
		s.router.broadcastUsers(ctx)
	}
}
