package chat

import (
	"bytes"
	"errors"
)

var (
	// ErrTransferActive is returned for a FILE_REQUEST while another upload
	// on the same connection is still receiving.
	ErrTransferActive = errors.New("file transfer already in progress")
	// ErrNoTransfer is returned for chunks or an end marker without a request.
	ErrNoTransfer = errors.New("no file transfer in progress")
)

// Transfer is the in-progress upload of one connection. Chunks are appended
// in arrival order.
type Transfer struct {
	Sender       string
	Filename     string
	DeclaredSize int64
	Receiver     string
	Chunks       int

	buf bytes.Buffer
}

// NewTransfer starts an empty upload.
func NewTransfer(sender, filename string, declaredSize int64, receiver string) *Transfer {
	return &Transfer{
		Sender:       sender,
		Filename:     filename,
		DeclaredSize: declaredSize,
		Receiver:     receiver,
	}
}

func (t *Transfer) append(data []byte) {
	t.buf.Write(data)
	t.Chunks++
}

// Bytes returns the reassembled content.
func (t *Transfer) Bytes() []byte {
	return t.buf.Bytes()
}

// Size returns the number of bytes received so far.
func (t *Transfer) Size() int64 {
	return int64(t.buf.Len())
}

// BeginTransfer moves c from NONE to RECEIVING.
func (h *Hub) BeginTransfer(c *Client, t *Transfer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.transfers[c]; ok {
		return ErrTransferActive
	}
	h.transfers[c] = t
	return nil
}

// AppendChunk adds data to the upload of c.
func (h *Hub) AppendChunk(c *Client, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.transfers[c]
	if !ok {
		return ErrNoTransfer
	}
	t.append(data)
	return nil
}

// FinishTransfer moves c back to NONE and hands over the completed upload.
func (h *Hub) FinishTransfer(c *Client) (*Transfer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.transfers[c]
	if !ok {
		return nil, ErrNoTransfer
	}
	delete(h.transfers, c)
	return t, nil
}

// AbandonTransfer discards the upload of c, if any.
func (h *Hub) AbandonTransfer(c *Client) *Transfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.transfers[c]
	delete(h.transfers, c)
	return t
}

// TransferActive reports whether c is RECEIVING.
func (h *Hub) TransferActive(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.transfers[c]
	return ok
}
