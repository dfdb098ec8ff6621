package ws

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Opcodes used by this server.
const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xa
)

const (
	bitFin  = 0x80
	bitMask = 0x80

	len16 = 126
	len64 = 127
)

// MaxPayloadSize bounds a single frame payload.
const MaxPayloadSize = 64 << 20

var (
	// ErrClosed is returned when the peer sends a close frame.
	ErrClosed = errors.New("websocket closed by peer")
	// ErrInvalidUTF8 is returned for text payloads that are not UTF-8.
	ErrInvalidUTF8 = errors.New("websocket payload is not valid UTF-8")
	// ErrFrameTooLarge is returned when a declared length exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("websocket frame too large")
)

// Header is a decoded frame header.
type Header struct {
	Fin    bool
	OpCode byte
	Masked bool
	Mask   [4]byte
	Length int64
}

// ReadHeader reads a frame header from r.
func ReadHeader(r io.Reader) (h Header, err error) {
	var b [8]byte
	if _, err = io.ReadFull(r, b[:2]); err != nil {
		return h, err
	}

	h.Fin = b[0]&bitFin != 0
	h.OpCode = b[0] & 0x0f
	h.Masked = b[1]&bitMask != 0

	switch length := b[1] & 0x7f; length {
	case len16:
		if _, err = io.ReadFull(r, b[:2]); err != nil {
			return h, err
		}
		h.Length = int64(binary.BigEndian.Uint16(b[:2]))
	case len64:
		if _, err = io.ReadFull(r, b[:8]); err != nil {
			return h, err
		}
		n := binary.BigEndian.Uint64(b[:8])
		if n > MaxPayloadSize {
			return h, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}
		h.Length = int64(n)
	default:
		h.Length = int64(length)
	}
	if h.Length > MaxPayloadSize {
		return h, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Length)
	}

	if h.Masked {
		if _, err = io.ReadFull(r, h.Mask[:]); err != nil {
			return h, err
		}
	}
	return h, nil
}

// Cipher XORs payload with mask in place. Applying it twice restores the input.
func Cipher(payload []byte, mask [4]byte) {
	for i := range payload {
		payload[i] ^= mask[i%4]
	}
}

// ReadFrame reads one frame and returns its unmasked payload. Close frames
// yield ErrClosed. Fragmentation is not supported: every frame is treated as
// a complete message.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return h, nil, err
	}
	if h.OpCode == OpClose {
		return h, nil, ErrClosed
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return h, nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	if h.Masked {
		Cipher(payload, h.Mask)
	}
	return h, payload, nil
}

// ReadText reads the next data frame as UTF-8 text. Ping, pong and
// continuation frames are skipped.
func ReadText(r io.Reader) (string, error) {
	for {
		h, payload, err := ReadFrame(r)
		if err != nil {
			return "", err
		}
		switch h.OpCode {
		case OpPing, OpPong, OpContinuation:
			continue
		}
		if !utf8.Valid(payload) {
			return "", ErrInvalidUTF8
		}
		return string(payload), nil
	}
}

// AppendHeader appends an unmasked FIN header for a payload of length n.
func AppendHeader(dst []byte, opcode byte, n int) []byte {
	dst = append(dst, bitFin|opcode)
	switch {
	case n < len16:
		dst = append(dst, byte(n))
	case n <= 0xffff:
		dst = append(dst, len16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, len64)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	return dst
}

// EncodeText returns a server-to-client text frame. Server frames are never masked.
func EncodeText(payload []byte) []byte {
	frame := make([]byte, 0, 10+len(payload))
	frame = AppendHeader(frame, OpText, len(payload))
	return append(frame, payload...)
}

// WriteText writes payload as a single unmasked text frame.
func WriteText(w io.Writer, payload []byte) error {
	if _, err := w.Write(EncodeText(payload)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// WriteClose writes an empty close frame.
func WriteClose(w io.Writer) error {
	_, err := w.Write(AppendHeader(nil, OpClose, 0))
	return err
}
