package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/omochice/socket-chat/pkg/protocol"
)

// TimeLayout formats stored timestamps on the wire.
const TimeLayout = "2006-01-02 15:04:05"

// ReplayLimit is the number of public and private messages replayed on login.
const ReplayLimit = 20

// ReplyError is an error whose text is sent to the client verbatim.
type ReplyError string

func (e ReplyError) Error() string { return string(e) }

const (
	errNotAuthenticated = ReplyError("not authenticated")
	errMissingUsername  = ReplyError("Missing username")
	errUsernameTaken    = ReplyError("Username already exists")
	errBadCredentials   = ReplyError("Invalid username or password")
	errMustRegister     = ReplyError("User does not exist, please register first")
	errInternal         = ReplyError("Internal server error")
)

// Router dispatches the typed messages of authenticated sessions.
type Router struct {
	hub          *Hub
	store        Store
	files        FileStore
	logger       *slog.Logger
	historyLimit int
	now          func() time.Time
}

// NewRouter creates a Router. historyLimit bounds HISTORY_REQUEST replies.
func NewRouter(hub *Hub, store Store, files FileStore, logger *slog.Logger, historyLimit int) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Router{
		hub:          hub,
		store:        store,
		files:        files,
		logger:       logger,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// Hub returns the registry the router delivers through.
func (r *Router) Hub() *Hub {
	return r.hub
}

// Dispatch handles one inbound message of an ACTIVE session. It reports
// whether the session should end.
func (r *Router) Dispatch(ctx context.Context, s *Session, msg protocol.Message) (exit bool) {
	p, err := protocol.Parse(msg)
	if err != nil {
		r.logger.Debug("Malformed payload", "client", s.client.ID, "type", msg.Type, "error", err)
		r.replyError(ctx, s, ReplyError(fmt.Sprintf("Malformed %s payload", msg.Type)))
		return false
	}

	username := r.hub.Username(s.client)
	switch p := p.(type) {
	case protocol.Exit:
		return true
	case protocol.Login:
		r.relogin(ctx, s, p.Credentials, false)
		return false
	case protocol.Register:
		r.relogin(ctx, s, p.Credentials, true)
		return false
	}
	if username == "" {
		// The binding was revoked by a takeover or a failed write.
		r.replyError(ctx, s, errNotAuthenticated)
		return false
	}

	switch p := p.(type) {
	case protocol.PublicText:
		err = r.handleText(ctx, s, username, p)
	case protocol.Private:
		err = r.handlePrivate(ctx, s, username, p)
	case protocol.Group:
		err = r.handleGroup(ctx, s, username, p)
	case protocol.GroupCreate:
		err = r.handleGroupCreate(ctx, s, username, p)
	case protocol.GroupJoin:
		err = r.handleGroupJoin(ctx, s, username, p)
	case protocol.GroupLeave:
		err = r.handleGroupLeave(ctx, s, username, p)
	case protocol.GroupDelete:
		err = r.handleGroupDelete(ctx, s, username, p)
	case protocol.GroupMembers:
		err = r.handleGroupMembers(ctx, s, p)
	case protocol.HistoryRequest:
		err = r.handleHistory(ctx, s, username, p)
	case protocol.FileRequest:
		err = r.handleFileRequest(ctx, s, username, p)
	case protocol.FileChunk:
		err = r.handleFileChunk(ctx, s, p)
	case protocol.FileEnd:
		err = r.handleFileEnd(ctx, s, username)
	default:
		err = ReplyError(fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
	if err != nil {
		r.replyError(ctx, s, err)
	}
	return false
}

func (r *Router) reply(ctx context.Context, s *Session, msg protocol.Message) {
	_ = r.hub.Send(ctx, s.client, msg)
}

func (r *Router) replyError(ctx context.Context, s *Session, err error) {
	var re ReplyError
	if !errors.As(err, &re) {
		r.logger.Error("Request failed", "client", s.client.ID, "error", err)
		re = errInternal
	}
	r.reply(ctx, s, protocol.Text(protocol.MessageTypeError, string(re)))
}

// authenticate verifies or registers creds and returns the username to bind.
func (r *Router) authenticate(ctx context.Context, creds protocol.Credentials, register bool) (string, error) {
	username := strings.TrimSpace(creds.Username)
	if username == "" {
		return "", errMissingUsername
	}
	password := creds.Password
	if !creds.HasPassword() {
		password = ""
	}

	if register {
		exists, err := r.store.UserExists(ctx, username)
		if err != nil {
			return "", fmt.Errorf("failed to look up user: %w", err)
		}
		if exists {
			return "", errUsernameTaken
		}
		ok, err := r.store.RegisterUser(ctx, username, password)
		if err != nil {
			return "", fmt.Errorf("failed to register user: %w", err)
		}
		if !ok {
			return "", errUsernameTaken
		}
		return username, nil
	}

	exists, err := r.store.UserExists(ctx, username)
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	if exists {
		ok, err := r.store.LoginUser(ctx, username, password)
		if err != nil {
			return "", fmt.Errorf("failed to verify user: %w", err)
		}
		if !ok {
			return "", errBadCredentials
		}
		return username, nil
	}
	if creds.HasPassword() {
		return "", errMustRegister
	}
	if _, err := r.store.RegisterUser(ctx, username, ""); err != nil {
		return "", fmt.Errorf("failed to register user: %w", err)
	}
	return username, nil
}

// Login authenticates s and, on success, binds the identity and announces it.
func (r *Router) Login(ctx context.Context, s *Session, creds protocol.Credentials, register bool) error {
	username, err := r.authenticate(ctx, creds, register)
	if err != nil {
		return err
	}

	if displaced := r.hub.Bind(s.client, username); displaced != nil {
		r.logger.Info("Username taken over by new connection",
			"username", username,
			"old_client", displaced.ID,
			"new_client", s.client.ID,
		)
		_ = displaced.write(ctx, protocol.Text(protocol.MessageTypeError, "Logged in from another connection"))
		go displaced.Close()
	}
	s.username = username
	s.state = StateActive

	r.logger.Info("User logged in",
		"username", username,
		"client", s.client.ID,
		"transport", s.client.Conn.Transport(),
	)

	r.reply(ctx, s, protocol.Text(protocol.MessageTypeLoginSuccess, fmt.Sprintf("Welcome %s!", username)))
	r.replayHistory(ctx, s, username)
	r.hub.Broadcast(ctx, protocol.Text(protocol.MessageTypeText, fmt.Sprintf("Server: %s has joined the chat.", username)), s.client)
	r.broadcastUsers(ctx)
	r.broadcastGroups(ctx)
	return nil
}

func (r *Router) relogin(ctx context.Context, s *Session, creds protocol.Credentials, register bool) {
	if err := r.Login(ctx, s, creds, register); err != nil {
		r.replyError(ctx, s, err)
	}
}

func (r *Router) replayHistory(ctx context.Context, s *Session, username string) {
	public, err := r.store.History(ctx, HistoryQuery{Kind: KindPublic, Limit: ReplayLimit})
	if err != nil {
		r.logger.Error("Failed to load public history", "username", username, "error", err)
	}
	for _, rec := range public {
		line := fmt.Sprintf("[%s] %s: %s", rec.Timestamp.Format(TimeLayout), rec.Sender, rec.Content)
		r.reply(ctx, s, protocol.Text(protocol.MessageTypeText, line))
	}

	private, err := r.store.History(ctx, HistoryQuery{Kind: KindPrivate, Limit: ReplayLimit, Username: username})
	if err != nil {
		r.logger.Error("Failed to load private history", "username", username, "error", err)
	}
	for _, rec := range private {
		r.sendPrivateRecord(ctx, s, rec)
	}
}

func (r *Router) sendPrivateRecord(ctx context.Context, s *Session, rec Record) {
	msg, err := protocol.New(protocol.MessageTypePrivate, protocol.PrivateDelivery{
		Sender:    rec.Sender,
		Receiver:  rec.Receiver,
		Content:   rec.Content,
		Timestamp: rec.Timestamp.Format(TimeLayout),
	})
	if err == nil {
		r.reply(ctx, s, msg)
	}
}

func (r *Router) broadcastUsers(ctx context.Context) {
	msg, err := protocol.New(protocol.MessageTypeUsersList, r.hub.Usernames())
	if err != nil {
		return
	}
	r.hub.Broadcast(ctx, msg, nil)
}

func (r *Router) broadcastGroups(ctx context.Context) {
	groups, err := r.store.Groups(ctx)
	if err != nil {
		r.logger.Error("Failed to list groups", "error", err)
		return
	}
	infos := make([]protocol.GroupInfo, 0, len(groups))
	for _, g := range groups {
		infos = append(infos, protocol.GroupInfo{ID: protocol.GroupID(g.ID), Name: g.Name, Creator: g.Creator})
	}
	msg, err := protocol.New(protocol.MessageTypeGroupsList, infos)
	if err != nil {
		return
	}
	r.hub.Broadcast(ctx, msg, nil)
}

func (r *Router) save(ctx context.Context, sender, receiver, content string, kind MessageKind) error {
	err := r.store.SaveMessage(ctx, Record{
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Kind:      kind,
		Timestamp: r.now(),
	})
	if err != nil {
		r.logger.Error("Failed to save message", "sender", sender, "kind", kind, "error", err)
		return ReplyError("Failed to save message")
	}
	return nil
}

func (r *Router) handleText(ctx context.Context, s *Session, username string, p protocol.PublicText) error {
	if err := r.save(ctx, username, "", p.Content, KindPublic); err != nil {
		return err
	}
	r.hub.Broadcast(ctx, protocol.Text(protocol.MessageTypeText, fmt.Sprintf("%s: %s", username, p.Content)), s.client)
	return nil
}

func (r *Router) handlePrivate(ctx context.Context, s *Session, username string, p protocol.Private) error {
	receiver := strings.TrimSpace(p.Receiver)
	if receiver == "" {
		return ReplyError("Missing receiver")
	}
	if err := r.save(ctx, username, receiver, p.Content, KindPrivate); err != nil {
		return err
	}

	offline := ReplyError(fmt.Sprintf("User %s is offline.", receiver))
	target := r.hub.Lookup(receiver)
	if target == nil {
		return offline
	}
	msg, err := protocol.New(protocol.MessageTypePrivate, protocol.PrivateDelivery{Sender: username, Content: p.Content})
	if err != nil {
		return err
	}
	if err := r.hub.Send(ctx, target, msg); err != nil {
		return offline
	}
	return nil
}

func (r *Router) handleGroup(ctx context.Context, s *Session, username string, p protocol.Group) error {
	if p.GroupID <= 0 {
		return ReplyError("Missing group id")
	}
	if err := r.save(ctx, username, p.GroupID.String(), p.Content, KindGroup); err != nil {
		return err
	}
	msg, err := protocol.New(protocol.MessageTypeGroup, protocol.GroupDelivery{
		Sender:  username,
		GroupID: p.GroupID,
		Content: p.Content,
	})
	if err != nil {
		return err
	}
	if _, err := r.hub.BroadcastToRoom(ctx, int64(p.GroupID), msg, s.client); err != nil {
		return fmt.Errorf("failed to resolve group %d: %w", p.GroupID, err)
	}
	return nil
}

func (r *Router) handleGroupCreate(ctx context.Context, s *Session, username string, p protocol.GroupCreate) error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return ReplyError("Missing group name")
	}
	id, err := r.store.CreateGroup(ctx, name, username)
	if err != nil || id == 0 {
		r.logger.Error("Failed to create group", "name", name, "creator", username, "error", err)
		return ReplyError("Failed to create group")
	}
	if _, err := r.store.AddMember(ctx, id, username); err != nil {
		r.logger.Error("Failed to add creator to group", "group_id", id, "username", username, "error", err)
	}

	r.logger.Info("Group created", "group_id", id, "name", name, "creator", username)
	r.reply(ctx, s, protocol.Text(protocol.MessageTypeSuccess, fmt.Sprintf("Group '%s' created", name)))
	r.broadcastGroups(ctx)
	return nil
}

func (r *Router) handleGroupJoin(ctx context.Context, s *Session, username string, p protocol.GroupJoin) error {
	ok, err := r.store.AddMember(ctx, int64(p.GroupID), username)
	if err != nil || !ok {
		return ReplyError(fmt.Sprintf("Failed to join group %s", p.GroupID))
	}
	r.reply(ctx, s, protocol.Text(protocol.MessageTypeSuccess, fmt.Sprintf("Joined group %s", p.GroupID)))
	return nil
}

func (r *Router) handleGroupLeave(ctx context.Context, s *Session, username string, p protocol.GroupLeave) error {
	ok, err := r.store.RemoveMember(ctx, int64(p.GroupID), username)
	if err != nil || !ok {
		return ReplyError(fmt.Sprintf("Failed to leave group %s", p.GroupID))
	}
	r.reply(ctx, s, protocol.Text(protocol.MessageTypeSuccess, fmt.Sprintf("Left group %s", p.GroupID)))
	return nil
}

func (r *Router) handleGroupDelete(ctx context.Context, s *Session, username string, p protocol.GroupDelete) error {
	ok, err := r.store.DeleteGroup(ctx, int64(p.GroupID), username)
	if err != nil {
		return fmt.Errorf("failed to delete group %d: %w", p.GroupID, err)
	}
	if !ok {
		return ReplyError(fmt.Sprintf("Only the creator can delete group %s", p.GroupID))
	}
	r.logger.Info("Group deleted", "group_id", int64(p.GroupID), "username", username)
	r.reply(ctx, s, protocol.Text(protocol.MessageTypeSuccess, fmt.Sprintf("Group %s deleted", p.GroupID)))
	r.broadcastGroups(ctx)
	return nil
}

func (r *Router) handleGroupMembers(ctx context.Context, s *Session, p protocol.GroupMembers) error {
	members, err := r.store.GroupMembers(ctx, int64(p.GroupID))
	if err != nil {
		return fmt.Errorf("failed to list members of group %d: %w", p.GroupID, err)
	}
	if members == nil {
		members = []string{}
	}
	msg, err := protocol.New(protocol.MessageTypeGroupMembersResponse, protocol.GroupMembersResponse{
		GroupID: p.GroupID,
		Members: members,
	})
	if err != nil {
		return err
	}
	r.reply(ctx, s, msg)
	return nil
}

func (r *Router) handleHistory(ctx context.Context, s *Session, username string, p protocol.HistoryRequest) error {
	switch p.HistoryType {
	case protocol.HistoryPrivate:
		peer := strings.TrimSpace(p.TargetUser())
		if peer == "" {
			return ReplyError("Missing history target")
		}
		records, err := r.store.History(ctx, HistoryQuery{
			Kind:     KindPrivate,
			Limit:    r.historyLimit,
			Username: username,
			Peer:     peer,
		})
		if err != nil {
			return fmt.Errorf("failed to load private history: %w", err)
		}
		for _, rec := range records {
			r.sendPrivateRecord(ctx, s, rec)
		}
		return nil

	case protocol.HistoryGroup:
		id, err := p.TargetGroup()
		if err != nil || id <= 0 {
			return ReplyError("Missing history target")
		}
		members, err := r.store.GroupMembers(ctx, int64(id))
		if err != nil {
			return fmt.Errorf("failed to list members of group %d: %w", id, err)
		}
		if !slices.Contains(members, username) {
			return ReplyError(fmt.Sprintf("You are not a member of group %s", id))
		}
		records, err := r.store.History(ctx, HistoryQuery{Kind: KindGroup, Limit: r.historyLimit, GroupID: int64(id)})
		if err != nil {
			return fmt.Errorf("failed to load group history: %w", err)
		}
		for _, rec := range records {
			msg, err := protocol.New(protocol.MessageTypeGroup, protocol.GroupDelivery{
				Sender:    rec.Sender,
				GroupID:   id,
				Content:   rec.Content,
				Timestamp: rec.Timestamp.Format(TimeLayout),
			})
			if err == nil {
				r.reply(ctx, s, msg)
			}
		}
		return nil

	default:
		return ReplyError(fmt.Sprintf("Unknown history type: %q", p.HistoryType))
	}
}

func (r *Router) handleFileRequest(ctx context.Context, s *Session, username string, p protocol.FileRequest) error {
	if strings.TrimSpace(p.Filename) == "" {
		return ReplyError("Missing filename")
	}
	if _, err := r.files.CheckName(p.Filename); err != nil {
		return ReplyError(fmt.Sprintf("Invalid filename: %q", p.Filename))
	}
	t := NewTransfer(username, p.Filename, p.Filesize, p.Receiver)
	if err := r.hub.BeginTransfer(s.client, t); err != nil {
		return ReplyError(err.Error())
	}
	r.logger.Info("File transfer started",
		"username", username,
		"filename", p.Filename,
		"filesize", p.Filesize,
	)
	return nil
}

func (r *Router) handleFileChunk(ctx context.Context, s *Session, p protocol.FileChunk) error {
	data, err := p.Bytes()
	if err != nil {
		if t := r.hub.AbandonTransfer(s.client); t != nil {
			r.logger.Warn("File transfer abandoned", "filename", t.Filename, "chunk", p.ChunkNum, "error", err)
		}
		return ReplyError("Invalid chunk data, file transfer abandoned")
	}
	if err := r.hub.AppendChunk(s.client, data); err != nil {
		return ReplyError(err.Error())
	}
	return nil
}

func (r *Router) handleFileEnd(ctx context.Context, s *Session, username string) error {
	t, err := r.hub.FinishTransfer(s.client)
	if err != nil {
		return ReplyError(err.Error())
	}

	stored, err := r.files.Save(ctx, t.Filename, t.Bytes())
	if err != nil {
		r.logger.Error("Failed to store file", "filename", t.Filename, "error", err)
		return ReplyError("Failed to store file")
	}
	if t.DeclaredSize > 0 && t.DeclaredSize != stored.Size {
		r.logger.Warn("File size mismatch", "filename", t.Filename, "declared", t.DeclaredSize, "received", stored.Size)
	}
	r.logger.Info("File received",
		"username", username,
		"filename", stored.Name,
		"size", stored.Size,
		"chunks", t.Chunks,
		"path", stored.Path,
		"checksum", stored.Checksum(),
		"reused", stored.Reused,
	)

	if err := r.save(ctx, username, "", fmt.Sprintf("File: %s (%s)", stored.Name, FormatSize(stored.Size)), KindPublic); err != nil {
		return err
	}
	msg, err := protocol.New(protocol.MessageTypeFile, protocol.FileNotice{
		Sender:   username,
		Filename: stored.Name,
		Filesize: stored.Size,
		Message:  fmt.Sprintf("%s sent a file: %s", username, stored.Name),
		Checksum: stored.Checksum(),
	})
	if err != nil {
		return err
	}
	r.hub.Broadcast(ctx, msg, nil)
	return nil
}

// FormatSize renders n bytes with a binary unit.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 3; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}
