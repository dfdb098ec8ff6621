package chat

import (
	"context"
	"fmt"
	"time"
)

// MessageKind is the persistence scope of a stored message.
type MessageKind string

const (
	KindPublic  MessageKind = "public"
	KindPrivate MessageKind = "private"
	KindGroup   MessageKind = "group"
)

// Record is a persisted chat message. For group messages Receiver holds the
// decimal group id.
type Record struct {
	ID        int64
	Sender    string
	Receiver  string
	Content   string
	Kind      MessageKind
	Timestamp time.Time
}

// Group is a chat room known to the store.
type Group struct {
	ID      int64
	Name    string
	Creator string
}

// HistoryQuery selects stored messages. Username and Peer narrow private
// history to one conversation; GroupID selects group history.
type HistoryQuery struct {
	Kind     MessageKind
	Limit    int
	Username string
	Peer     string
	GroupID  int64
}

// Store is the persistence collaborator. Implementations must be safe for
// concurrent use by many sessions.
type Store interface {
	UserExists(ctx context.Context, username string) (bool, error)
	// RegisterUser returns false when the username is taken.
	RegisterUser(ctx context.Context, username, password string) (bool, error)
	LoginUser(ctx context.Context, username, password string) (bool, error)

	SaveMessage(ctx context.Context, rec Record) error
	// History returns at most q.Limit matching records, oldest first.
	History(ctx context.Context, q HistoryQuery) ([]Record, error)

	CreateGroup(ctx context.Context, name, creator string) (int64, error)
	// AddMember returns false when the group does not exist.
	AddMember(ctx context.Context, groupID int64, username string) (bool, error)
	// RemoveMember returns false when the user was not a member.
	RemoveMember(ctx context.Context, groupID int64, username string) (bool, error)
	GroupMembers(ctx context.Context, groupID int64) ([]string, error)
	// DeleteGroup returns false unless requester created the group.
	DeleteGroup(ctx context.Context, groupID int64, requester string) (bool, error)
	Groups(ctx context.Context) ([]Group, error)
}

// MemberLister resolves room membership for fan-out.
type MemberLister interface {
	GroupMembers(ctx context.Context, groupID int64) ([]string, error)
}

// StoredFile describes an upload after it was written.
type StoredFile struct {
	Name   string
	Path   string
	Size   int64
	Digest uint64
	// Reused is set when identical content was already stored under Name.
	Reused bool
}

// Checksum renders Digest the way FILE notices carry it.
func (f StoredFile) Checksum() string {
	return fmt.Sprintf("%016x", f.Digest)
}

// FileStore persists reassembled uploads.
type FileStore interface {
	// CheckName returns the name an upload called filename would be stored
	// under, or an error if it cannot be stored at all.
	CheckName(filename string) (string, error)
	Save(ctx context.Context, filename string, data []byte) (StoredFile, error)
}
