// Package protocol defines the JSON message envelope exchanged over both
// transports and the typed payloads carried inside it.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageType is the discriminant of the envelope.
type MessageType string

const (
	MessageTypeLogin                MessageType = "LOGIN"
	MessageTypeRegister             MessageType = "REGISTER"
	MessageTypeLoginSuccess         MessageType = "LOGIN_SUCCESS"
	MessageTypeText                 MessageType = "TEXT"
	MessageTypeExit                 MessageType = "EXIT"
	MessageTypePrivate              MessageType = "PRIVATE"
	MessageTypeGroup                MessageType = "GROUP"
	MessageTypeGroupCreate          MessageType = "GROUP_CREATE"
	MessageTypeGroupJoin            MessageType = "GROUP_JOIN"
	MessageTypeGroupLeave           MessageType = "GROUP_LEAVE"
	MessageTypeGroupDelete          MessageType = "GROUP_DELETE"
	MessageTypeGroupMembers         MessageType = "GROUP_MEMBERS"
	MessageTypeGroupMembersResponse MessageType = "GROUP_MEMBERS_RESPONSE"
	MessageTypeHistoryRequest       MessageType = "HISTORY_REQUEST"
	MessageTypeUsersList            MessageType = "USERS_LIST"
	MessageTypeGroupsList           MessageType = "GROUPS_LIST"
	MessageTypeFileRequest          MessageType = "FILE_REQUEST"
	MessageTypeFileChunk            MessageType = "FILE_CHUNK"
	MessageTypeFileEnd              MessageType = "FILE_END"
	MessageTypeFile                 MessageType = "FILE"
	MessageTypeSuccess              MessageType = "SUCCESS"
	MessageTypeError                MessageType = "ERROR"
)

// String returns the wire name of the type.
func (mt MessageType) String() string {
	if mt == "" {
		return "UNKNOWN"
	}
	return string(mt)
}

// Message is one application frame. Transport framing never leaks into it.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// New builds a message whose payload is the JSON encoding of payload.
func New(t MessageType, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	return Message{Type: t, Payload: data}, nil
}

// Text builds a message with a plain string payload. It cannot fail.
func Text(t MessageType, s string) Message {
	data, _ := json.Marshal(s)
	return Message{Type: t, Payload: data}
}

// Encode encodes the envelope as JSON.
func (m *Message) Encode() ([]byte, error) {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	data, err := json.Marshal(Message{Type: m.Type, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode decodes a JSON envelope. A body without a type is rejected.
func (m *Message) Decode(data []byte) error {
	var raw Message
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	if raw.Type == "" {
		return fmt.Errorf("failed to decode message: missing type")
	}
	m.Type = raw.Type
	m.Payload = raw.Payload
	return nil
}

// UnmarshalPayload decodes the payload into v.
func (m Message) UnmarshalPayload(v any) error {
	if len(m.Payload) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(m.Payload, v)
}

// PayloadString returns the payload when it is a JSON string, otherwise the
// raw JSON text.
func (m Message) PayloadString() string {
	var s string
	if err := json.Unmarshal(m.Payload, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(m.Payload))
}
