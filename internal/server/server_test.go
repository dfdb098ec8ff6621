package server_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/socket-chat/internal/client"
	tcpclient "github.com/omochice/socket-chat/internal/client/tcp"
	wsclient "github.com/omochice/socket-chat/internal/client/ws"
	"github.com/omochice/socket-chat/internal/files"
	"github.com/omochice/socket-chat/internal/server"
	"github.com/omochice/socket-chat/internal/store"
	"github.com/omochice/socket-chat/pkg/protocol"
)

const testWait = 3 * time.Second

type testServer struct {
	*server.Server
	files *files.Store
	errCh chan error
}

func startServer(t *testing.T, configure ...func(*server.Options)) *testServer {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(dir, "chat.db"), store.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	fs, err := files.New(filepath.Join(dir, "received_files"), logger)
	require.NoError(t, err)

	opts := server.Options{
		Logger:           logger,
		Store:            st,
		Files:            fs,
		WriteTimeout:     time.Second,
		HandshakeTimeout: 2 * time.Second,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	srv := server.New("127.0.0.1:0", opts)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		st.Close()
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(testWait):
		t.Fatal("server did not start in time")
	}

	t.Cleanup(func() {
		srv.Stop()
		<-errCh
		st.Close()
	})
	return &testServer{Server: srv, files: fs, errCh: errCh}
}

// peer is a chat client plus everything it has received so far.
type peer struct {
	*client.Client
	t    *testing.T
	seen []protocol.Message
}

func connect(t *testing.T, c *client.Client) *peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(c.Disconnect)
	return &peer{Client: c, t: t}
}

func dialRaw(t *testing.T, srv *testServer) *peer {
	return connect(t, tcpclient.New(srv.Addr(), nil))
}

func dialWS(t *testing.T, srv *testServer) *peer {
	return connect(t, wsclient.New("ws://"+srv.Addr()+"/", nil))
}

func (p *peer) expect(typ protocol.MessageType, match func(protocol.Message) bool) protocol.Message {
	p.t.Helper()
	timeout := time.After(testWait)
	for {
		select {
		case msg, ok := <-p.Messages():
			require.True(p.t, ok, "connection closed while waiting for %s", typ)
			p.seen = append(p.seen, msg)
			if msg.Type == typ && (match == nil || match(msg)) {
				return msg
			}
		case <-timeout:
			p.t.Fatalf("timeout waiting for %s", typ)
			return protocol.Message{}
		}
	}
}

func (p *peer) expectText(typ protocol.MessageType, text string) {
	p.t.Helper()
	p.expect(typ, payloadIs(text))
}

func (p *peer) expectClosed() {
	p.t.Helper()
	timeout := time.After(testWait)
	for {
		select {
		case msg, ok := <-p.Messages():
			if !ok {
				return
			}
			p.seen = append(p.seen, msg)
		case <-timeout:
			p.t.Fatal("connection was not closed")
		}
	}
}

func (p *peer) login(name string) {
	p.t.Helper()
	require.NoError(p.t, p.Login(name, ""))
	p.expectText(protocol.MessageTypeLoginSuccess, "Welcome "+name+"!")
}

func (p *peer) sawType(typ protocol.MessageType) bool {
	for _, msg := range p.seen {
		if msg.Type == typ {
			return true
		}
	}
	return false
}

func payloadIs(text string) func(protocol.Message) bool {
	return func(msg protocol.Message) bool { return msg.PayloadString() == text }
}

func dialGorilla(t *testing.T, srv *testServer) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func gorillaSend(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func gorillaExpect(t *testing.T, conn *websocket.Conn, typ protocol.MessageType, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWait)))
	for {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, mt)
		var msg protocol.Message
		require.NoError(t, msg.Decode(data))
		if msg.Type == typ && (match == nil || match(msg)) {
			return msg
		}
	}
}

func TestServer_StartStop(t *testing.T) {
	srv := startServer(t)
	assert.NotEmpty(t, srv.Addr())
	assert.Equal(t, 0, srv.ClientCount())

	srv.Stop()
	select {
	case err := <-srv.errCh:
		assert.ErrorIs(t, err, server.ErrServerStopped)
		srv.errCh <- err
	case <-time.After(testWait):
		t.Fatal("Start did not return after Stop")
	}

	_, err := net.DialTimeout("tcp", srv.Addr(), 200*time.Millisecond)
	assert.Error(t, err, "listener still accepting after Stop")
}

func TestServer_StartFailsOnBusyAddress(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	srv := server.New(listener.Addr().String(), server.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	err = srv.Start()
	require.Error(t, err)
	assert.False(t, errors.Is(err, server.ErrServerStopped))
}

func TestServer_BothTransportsOnOnePort(t *testing.T) {
	srv := startServer(t)

	alice := dialRaw(t, srv)
	alice.login("alice")
	bob := dialWS(t, srv)
	bob.login("bob")

	require.Eventually(t, func() bool { return srv.ClientCount() == 2 }, testWait, 10*time.Millisecond)
	assert.Equal(t, []string{"alice", "bob"}, srv.Hub().Usernames())

	alice.expectText(protocol.MessageTypeText, "Server: bob has joined the chat.")

	require.NoError(t, alice.SendText("hello from raw"))
	bob.expectText(protocol.MessageTypeText, "alice: hello from raw")

	require.NoError(t, bob.SendText("hello from ws"))
	alice.expectText(protocol.MessageTypeText, "bob: hello from ws")

	require.NoError(t, bob.Exit())
	bob.expectClosed()
	alice.expectText(protocol.MessageTypeText, "Server: bob has left the chat.")
	alice.expect(protocol.MessageTypeUsersList, payloadIs(`["alice"]`))
}

func TestServer_GorillaInterop(t *testing.T) {
	srv := startServer(t)

	alice := dialRaw(t, srv)
	alice.login("alice")

	carol := dialGorilla(t, srv)
	reg, err := protocol.New(protocol.MessageTypeRegister, protocol.Credentials{Username: "carol", Password: "secret"})
	require.NoError(t, err)
	gorillaSend(t, carol, reg)
	gorillaExpect(t, carol, protocol.MessageTypeLoginSuccess, payloadIs("Welcome carol!"))

	require.NoError(t, alice.SendText("hi carol"))
	gorillaExpect(t, carol, protocol.MessageTypeText, payloadIs("alice: hi carol"))

	gorillaSend(t, carol, protocol.Text(protocol.MessageTypeText, "hi alice"))
	alice.expectText(protocol.MessageTypeText, "carol: hi alice")

	require.NoError(t, carol.WriteMessage(websocket.PingMessage, []byte("ping")))
	gorillaSend(t, carol, protocol.Text(protocol.MessageTypeText, "after ping"))
	alice.expectText(protocol.MessageTypeText, "carol: after ping")
}

func TestServer_GroupScenario(t *testing.T) {
	srv := startServer(t)

	alice := dialRaw(t, srv)
	alice.login("alice")
	bob := dialWS(t, srv)
	bob.login("bob")
	carol := dialRaw(t, srv)
	carol.login("carol")

	require.NoError(t, alice.CreateGroup("Team"))
	alice.expectText(protocol.MessageTypeSuccess, "Group 'Team' created")
	bob.expect(protocol.MessageTypeGroupsList, func(msg protocol.Message) bool {
		var groups []protocol.GroupInfo
		return msg.UnmarshalPayload(&groups) == nil &&
			len(groups) == 1 && groups[0] == protocol.GroupInfo{ID: 1, Name: "Team", Creator: "alice"}
	})

	require.NoError(t, bob.JoinGroup(1))
	bob.expectText(protocol.MessageTypeSuccess, "Joined group 1")

	require.NoError(t, alice.SendGroup(1, "hi team"))
	msg := bob.expect(protocol.MessageTypeGroup, nil)
	var delivery protocol.GroupDelivery
	require.NoError(t, msg.UnmarshalPayload(&delivery))
	assert.Equal(t, protocol.GroupDelivery{Sender: "alice", GroupID: 1, Content: "hi team"}, delivery)

	require.NoError(t, alice.GroupMembers(1))
	msg = alice.expect(protocol.MessageTypeGroupMembersResponse, nil)
	var members protocol.GroupMembersResponse
	require.NoError(t, msg.UnmarshalPayload(&members))
	assert.Equal(t, protocol.GroupID(1), members.GroupID)
	assert.Equal(t, []string{"alice", "bob"}, members.Members)
	assert.False(t, alice.sawType(protocol.MessageTypeGroup), "sender received its own group message")

	require.NoError(t, bob.RequestGroupHistory(1))
	msg = bob.expect(protocol.MessageTypeGroup, func(m protocol.Message) bool {
		var d protocol.GroupDelivery
		return m.UnmarshalPayload(&d) == nil && d.Timestamp != ""
	})
	require.NoError(t, msg.UnmarshalPayload(&delivery))
	assert.Equal(t, "alice", delivery.Sender)
	assert.Equal(t, "hi team", delivery.Content)

	require.NoError(t, carol.RequestGroupHistory(1))
	carol.expectText(protocol.MessageTypeError, "You are not a member of group 1")
	assert.False(t, carol.sawType(protocol.MessageTypeGroup), "non-member received a group message")
}

func TestServer_PrivateConfidentiality(t *testing.T) {
	srv := startServer(t)

	alice := dialRaw(t, srv)
	alice.login("alice")
	bob := dialWS(t, srv)
	bob.login("bob")
	carol := dialRaw(t, srv)
	carol.login("carol")

	require.NoError(t, alice.SendPrivate("bob", "secret"))
	msg := bob.expect(protocol.MessageTypePrivate, nil)
	var delivery protocol.PrivateDelivery
	require.NoError(t, msg.UnmarshalPayload(&delivery))
	assert.Equal(t, "alice", delivery.Sender)
	assert.Equal(t, "secret", delivery.Content)

	// Messages are delivered in order, so carol sees the public text only
	// after anything sent to her before it.
	require.NoError(t, alice.SendText("public"))
	carol.expectText(protocol.MessageTypeText, "alice: public")
	assert.False(t, carol.sawType(protocol.MessageTypePrivate), "private message leaked to a third party")

	require.NoError(t, alice.SendPrivate("nobody", "hello?"))
	alice.expectText(protocol.MessageTypeError, "User nobody is offline.")
}

func TestServer_FileTransfer(t *testing.T) {
	srv := startServer(t)

	alice := dialRaw(t, srv)
	alice.login("alice")
	bob := dialWS(t, srv)
	bob.login("bob")

	data := bytes.Repeat([]byte("file transfer payload\n"), 1000)
	require.NoError(t, alice.SendFile("../notes.txt", bytes.NewReader(data), int64(len(data)), ""))

	for _, p := range []*peer{alice, bob} {
		msg := p.expect(protocol.MessageTypeFile, nil)
		var notice protocol.FileNotice
		require.NoError(t, msg.UnmarshalPayload(&notice))
		assert.Equal(t, "alice", notice.Sender)
		assert.Equal(t, "notes.txt", notice.Filename)
		assert.Equal(t, int64(len(data)), notice.Filesize)
		assert.Equal(t, "alice sent a file: notes.txt", notice.Message)
		assert.Equal(t, fmt.Sprintf("%016x", xxhash.Sum64(data)), notice.Checksum)
	}

	stored, err := os.ReadFile(filepath.Join(srv.files.Dir(), "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	digest, err := srv.files.Digest("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, xxhash.Sum64(data), digest)
}

func TestServer_FirstFrameMustAuthenticate(t *testing.T) {
	srv := startServer(t)

	p := dialRaw(t, srv)
	require.NoError(t, p.SendText("hello"))
	p.expectText(protocol.MessageTypeError, "not authenticated")
	p.expectClosed()
}

func TestServer_RejectsBadHandshake(t *testing.T) {
	srv := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWait)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "connection should be closed without a response")
	assert.Equal(t, 0, srv.ClientCount())
}

func TestServer_RejectsMalformedRawHeader(t *testing.T) {
	srv := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not-a-len!"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWait)))
	_, err = io.ReadAll(conn)
	assert.NoError(t, err, "server should close the stream")
}

func TestServer_IdleConnectionTimesOut(t *testing.T) {
	srv := startServer(t, func(o *server.Options) { o.HandshakeTimeout = 200 * time.Millisecond })

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWait)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_StopClosesClients(t *testing.T) {
	srv := startServer(t)

	alice := dialRaw(t, srv)
	alice.login("alice")
	bob := dialWS(t, srv)
	bob.login("bob")

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	alice.expectClosed()
	bob.expectClosed()
	select {
	case <-done:
	case <-time.After(testWait):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, 0, srv.ClientCount())
}

func TestServer_HistoryPersistsAcrossLogins(t *testing.T) {
	srv := startServer(t)

	alice := dialRaw(t, srv)
	alice.login("alice")
	require.NoError(t, alice.SendText("first"))
	require.NoError(t, alice.SendPrivate("alice", "note to self"))
	alice.expect(protocol.MessageTypePrivate, nil)
	require.NoError(t, alice.Exit())
	alice.expectClosed()

	again := dialWS(t, srv)
	require.NoError(t, again.Login("alice", ""))
	again.expectText(protocol.MessageTypeLoginSuccess, "Welcome alice!")
	again.expect(protocol.MessageTypeText, func(msg protocol.Message) bool {
		return bytes.HasSuffix([]byte(msg.PayloadString()), []byte("] alice: first"))
	})
	msg := again.expect(protocol.MessageTypePrivate, nil)
	var delivery protocol.PrivateDelivery
	require.NoError(t, msg.UnmarshalPayload(&delivery))
	assert.Equal(t, "note to self", delivery.Content)
	assert.NotEmpty(t, delivery.Timestamp)
}
