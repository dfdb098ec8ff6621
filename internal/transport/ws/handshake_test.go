package ws_test

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/socket-chat/internal/transport/ws"
)

func TestAcceptKey(t *testing.T) {
	// Example from RFC 6455, section 1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", ws.AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestHandshake(t *testing.T) {
	request := "GET /chat HTTP/1.1\r\n" +
		"Host: server.example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n" +
		"trailing"

	r := bufio.NewReader(strings.NewReader(request))
	var out bytes.Buffer
	require.NoError(t, ws.Handshake(r, &out))

	want := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n"
	assert.Equal(t, want, out.String())

	rest, _ := r.ReadString(0)
	assert.Equal(t, "trailing", rest, "handshake must consume exactly the request head")
}

func TestHandshake_CaseInsensitiveKey(t *testing.T) {
	request := "GET / HTTP/1.1\r\nsec-websocket-key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	var out bytes.Buffer
	require.NoError(t, ws.Handshake(bufio.NewReader(strings.NewReader(request)), &out))
	assert.Contains(t, out.String(), "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
}

func TestHandshake_Failures(t *testing.T) {
	tests := []struct {
		name    string
		request string
	}{
		{"missing key", "GET / HTTP/1.1\r\nHost: x\r\n\r\n"},
		{"not GET", "POST / HTTP/1.1\r\nSec-WebSocket-Key: abc\r\n\r\n"},
		{"truncated head", "GET / HTTP/1.1\r\nSec-WebSocket-Key: abc\r\n"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := ws.Handshake(bufio.NewReader(strings.NewReader(tt.request)), &out)
			assert.ErrorIs(t, err, ws.ErrHandshake)
			assert.Zero(t, out.Len(), "no response on failure")
		})
	}
}

func TestReadRequest_SplitsOnFirstSeparator(t *testing.T) {
	request := "GET / HTTP/1.1\r\nX-Note: a: b\r\nNoSeparator\r\n\r\n"
	headers, err := ws.ReadRequest(bufio.NewReader(strings.NewReader(request)))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-Note": "a: b"}, headers)
}
