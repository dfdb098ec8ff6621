// Package server accepts raw-framed and WebSocket chat clients on one port.
package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/omochice/socket-chat/internal/chat"
	"github.com/omochice/socket-chat/internal/transport/tcp"
	"github.com/omochice/socket-chat/internal/transport/ws"
)

// ErrServerStopped is returned by Start after Stop.
var ErrServerStopped = errors.New("server stopped")

// Options wires the server to its collaborators.
type Options struct {
	Logger           *slog.Logger
	Store            chat.Store
	Files            chat.FileStore
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	HistoryLimit     int
}

// Server represents a chat server that handles both transports on one port.
type Server struct {
	address string
	opts    Options
	logger  *slog.Logger
	hub     *chat.Hub
	router  *chat.Router

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	quit   chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// New creates a new Server instance.
func New(address string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	hub := chat.NewHub(opts.Store, opts.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		opts:    opts,
		logger:  opts.Logger,
		hub:     hub,
		router:  chat.NewRouter(hub, opts.Store, opts.Files, opts.Logger, opts.HistoryLimit),
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		quit:    make(chan struct{}),
	}
}

// Start listens and serves until Stop is called. It returns
// ErrServerStopped after a clean shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		listener.Close()
		return ErrServerStopped
	default:
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Server started", "addr", listener.Addr().String(), "transports", "raw-framed,websocket")
	close(s.ready)

	s.wg.Add(1)
	go s.acceptConnections(listener)

	<-s.quit
	return ErrServerStopped
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop closes the listener and every connection, then waits for all
// sessions to finish.
func (s *Server) Stop() {
	s.stop.Do(func() {
		s.mu.Lock()
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()

		s.cancel()
		s.hub.CloseAll()

		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	s.logger.Info("Server stopped")
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of registered connections.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// Hub returns the connection registry.
func (s *Server) Hub() *chat.Hub {
	return s.hub
}

// acceptConnections accepts connections and hands each to its own goroutine.
func (s *Server) acceptConnections(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("Failed to accept connection", "error", err)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to accept connection", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// handleConnection detects the transport and runs the chat session.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	logger := s.logger.With("remote", conn.RemoteAddr().String())

	c, err := s.detect(conn)
	if err != nil {
		logger.Debug("Connection rejected", "error", err)
		conn.Close()
		return
	}

	chat.NewSession(s.router, c, s.opts.HandshakeTimeout).Run(s.ctx)
}

// detect peeks the first bytes: an HTTP GET is upgraded to WebSocket,
// anything else is raw framing.
func (s *Server) detect(conn net.Conn) (chat.Conn, error) {
	if err := conn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout)); err != nil {
		return nil, err
	}
	reader := bufio.NewReader(conn)
	prefix, err := reader.Peek(3)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", chat.StateDetecting, err)
	}

	var c chat.Conn
	if bytes.Equal(prefix, []byte("GET")) {
		if err := ws.Handshake(reader, conn); err != nil {
			return nil, fmt.Errorf("%s: %w", chat.StateHandshaking, err)
		}
		c = ws.NewConn(conn, reader, s.opts.WriteTimeout)
	} else {
		c = tcp.NewConnWithReader(conn, reader, s.opts.WriteTimeout)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return c, nil
}
