package ws

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// acceptGUID is appended to the client key before hashing (RFC 6455, 1.3).
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	maxHeaderLines = 100
	maxHeaderBytes = 8 << 10
)

// ErrHandshake is returned when the upgrade request cannot be accepted.
var ErrHandshake = errors.New("websocket handshake failed")

// AcceptKey computes Sec-WebSocket-Accept for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ReadRequest consumes an HTTP request head from r and returns its header
// lines split on the first ": ". The request line must start with GET.
func ReadRequest(r *bufio.Reader) (map[string]string, error) {
	requestLine, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(requestLine, "GET") {
		return nil, fmt.Errorf("%w: unexpected request line %q", ErrHandshake, requestLine)
	}

	headers := make(map[string]string)
	total := len(requestLine)
	for i := 0; ; i++ {
		if i >= maxHeaderLines {
			return nil, fmt.Errorf("%w: too many header lines", ErrHandshake)
		}
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		total += len(line)
		if total > maxHeaderBytes {
			return nil, fmt.Errorf("%w: request head too large", ErrHandshake)
		}
		if key, value, ok := strings.Cut(line, ": "); ok {
			headers[key] = value
		}
	}
}

// Handshake reads the upgrade request from r and writes the 101 response to w.
// It fails when the request carries no Sec-WebSocket-Key.
func Handshake(r *bufio.Reader, w io.Writer) error {
	headers, err := ReadRequest(r)
	if err != nil {
		return err
	}

	key := headerValue(headers, "Sec-WebSocket-Key")
	if key == "" {
		return fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrHandshake)
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n"
	if _, err := io.WriteString(w, response); err != nil {
		return fmt.Errorf("failed to write handshake response: %w", err)
	}
	return nil
}

// headerValue looks a header up, ignoring case as HTTP does.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			err = io.ErrUnexpectedEOF
		}
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if len(line) > maxHeaderBytes {
		return "", fmt.Errorf("%w: header line too long", ErrHandshake)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
