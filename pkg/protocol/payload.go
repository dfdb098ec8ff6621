package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Payload is the closed set of inbound payloads produced by Parse.
type Payload interface {
	Kind() MessageType
}

// Credentials is carried by LOGIN and REGISTER. The payload is either an
// object {username, password} or a bare username string (Legacy).
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Legacy   bool   `json:"-"`
}

// UnmarshalJSON accepts both the object and the bare string form.
func (c *Credentials) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*c = Credentials{Username: name, Legacy: true}
		return nil
	}
	type plain Credentials
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Credentials(p)
	return nil
}

// HasPassword reports whether an explicit, non-default password was given.
func (c Credentials) HasPassword() bool {
	return c.Password != "" && c.Password != DefaultPassword
}

// DefaultPassword is the password the legacy clients send when none is set.
const DefaultPassword = "default"

type Login struct{ Credentials }

type Register struct{ Credentials }

// PublicText is a public chat line.
type PublicText struct {
	Content string
}

type Private struct {
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
}

type Group struct {
	GroupID GroupID `json:"group_id"`
	Content string  `json:"content"`
}

// GroupCreate accepts a bare name or {name}.
type GroupCreate struct {
	Name string `json:"name"`
}

func (g *GroupCreate) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		g.Name = name
		return nil
	}
	type plain GroupCreate
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*g = GroupCreate(p)
	return nil
}

// GroupRef names a group by id: a number, a numeric string or {group_id}.
type GroupRef struct {
	GroupID GroupID `json:"group_id"`
}

func (g *GroupRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		type plain GroupRef
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*g = GroupRef(p)
		return nil
	}
	return g.GroupID.UnmarshalJSON(data)
}

type GroupJoin struct{ GroupRef }

type GroupLeave struct{ GroupRef }

type GroupDelete struct{ GroupRef }

type GroupMembers struct{ GroupRef }

// History scopes accepted by HISTORY_REQUEST.
const (
	HistoryPrivate = "private"
	HistoryGroup   = "group"
)

type HistoryRequest struct {
	HistoryType string          `json:"history_type"`
	Target      json.RawMessage `json:"target"`
}

// TargetUser returns the target as a username.
func (h HistoryRequest) TargetUser() string {
	var s string
	if err := json.Unmarshal(h.Target, &s); err == nil {
		return s
	}
	return ""
}

// TargetGroup returns the target as a group id.
func (h HistoryRequest) TargetGroup() (GroupID, error) {
	var id GroupID
	if err := id.UnmarshalJSON(h.Target); err != nil {
		return 0, err
	}
	return id, nil
}

type FileRequest struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Receiver string `json:"receiver,omitempty"`
}

type FileChunk struct {
	ChunkNum int    `json:"chunk_num"`
	Data     string `json:"data"`
}

// Bytes decodes the base64 chunk data.
func (f FileChunk) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Data)
}

type FileEnd struct{}

type Exit struct{}

// Unknown is returned for types this server does not route.
type Unknown struct {
	Type MessageType
}

func (Login) Kind() MessageType          { return MessageTypeLogin }
func (Register) Kind() MessageType       { return MessageTypeRegister }
func (PublicText) Kind() MessageType     { return MessageTypeText }
func (Private) Kind() MessageType        { return MessageTypePrivate }
func (Group) Kind() MessageType          { return MessageTypeGroup }
func (GroupCreate) Kind() MessageType    { return MessageTypeGroupCreate }
func (GroupJoin) Kind() MessageType      { return MessageTypeGroupJoin }
func (GroupLeave) Kind() MessageType     { return MessageTypeGroupLeave }
func (GroupDelete) Kind() MessageType    { return MessageTypeGroupDelete }
func (GroupMembers) Kind() MessageType   { return MessageTypeGroupMembers }
func (HistoryRequest) Kind() MessageType { return MessageTypeHistoryRequest }
func (FileRequest) Kind() MessageType    { return MessageTypeFileRequest }
func (FileChunk) Kind() MessageType      { return MessageTypeFileChunk }
func (FileEnd) Kind() MessageType        { return MessageTypeFileEnd }
func (Exit) Kind() MessageType           { return MessageTypeExit }
func (u Unknown) Kind() MessageType      { return u.Type }

// ErrMalformedPayload wraps payload decoding failures from Parse.
var ErrMalformedPayload = errors.New("malformed payload")

// Parse decodes the payload of m into its typed form.
func Parse(m Message) (Payload, error) {
	var p Payload
	var err error
	switch m.Type {
	case MessageTypeLogin:
		var v Login
		err = m.UnmarshalPayload(&v.Credentials)
		p = v
	case MessageTypeRegister:
		var v Register
		err = m.UnmarshalPayload(&v.Credentials)
		p = v
	case MessageTypeText:
		p = PublicText{Content: m.PayloadString()}
	case MessageTypePrivate:
		var v Private
		err = m.UnmarshalPayload(&v)
		p = v
	case MessageTypeGroup:
		var v Group
		err = m.UnmarshalPayload(&v)
		p = v
	case MessageTypeGroupCreate:
		var v GroupCreate
		err = m.UnmarshalPayload(&v)
		p = v
	case MessageTypeGroupJoin:
		var v GroupJoin
		err = m.UnmarshalPayload(&v.GroupRef)
		p = v
	case MessageTypeGroupLeave:
		var v GroupLeave
		err = m.UnmarshalPayload(&v.GroupRef)
		p = v
	case MessageTypeGroupDelete:
		var v GroupDelete
		err = m.UnmarshalPayload(&v.GroupRef)
		p = v
	case MessageTypeGroupMembers:
		var v GroupMembers
		err = m.UnmarshalPayload(&v.GroupRef)
		p = v
	case MessageTypeHistoryRequest:
		var v HistoryRequest
		err = m.UnmarshalPayload(&v)
		p = v
	case MessageTypeFileRequest:
		var v FileRequest
		err = m.UnmarshalPayload(&v)
		p = v
	case MessageTypeFileChunk:
		var v FileChunk
		err = m.UnmarshalPayload(&v)
		p = v
	case MessageTypeFileEnd:
		p = FileEnd{}
	case MessageTypeExit:
		p = Exit{}
	default:
		p = Unknown{Type: m.Type}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, m.Type, err)
	}
	return p, nil
}

// GroupID identifies a group. It decodes from a JSON number or a numeric
// string and always encodes as a number.
type GroupID int64

func (id *GroupID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*id = 0
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid group id %q", s)
	}
	*id = GroupID(n)
	return nil
}

func (id GroupID) String() string {
	return strconv.FormatInt(int64(id), 10)
}
