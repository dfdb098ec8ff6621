package tcp

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/omochice/socket-chat/pkg/protocol"
)

// HeaderLength is the size of the decimal, space-padded length header.
const HeaderLength = 10

// MaxBodySize bounds a single frame body.
const MaxBodySize = 64 << 20

// ErrMalformedHeader is returned when the header is not a decimal length.
var ErrMalformedHeader = errors.New("malformed frame header")

// EncodeFrame returns HEADER || BODY for body.
func EncodeFrame(body []byte) []byte {
	frame := make([]byte, 0, HeaderLength+len(body))
	frame = fmt.Appendf(frame, "%-*d", HeaderLength, len(body))
	return append(frame, body...)
}

// WriteMessage encodes msg as JSON and writes it as one frame.
func WriteMessage(w io.Writer, msg protocol.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	if _, err := w.Write(EncodeFrame(body)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadBody reads one frame and returns its body.
func ReadBody(r io.Reader) ([]byte, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short header", ErrMalformedHeader)
		}
		return nil, err
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(header[:])))
	if err != nil || n < 0 || n > MaxBodySize {
		return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, header[:])
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return body, nil
}

// ReadMessage reads one frame and decodes its JSON body. Any failure means
// the stream is unusable.
func ReadMessage(r io.Reader) (protocol.Message, error) {
	body, err := ReadBody(r)
	if err != nil {
		return protocol.Message{}, err
	}
	var msg protocol.Message
	if err := msg.Decode(body); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}
