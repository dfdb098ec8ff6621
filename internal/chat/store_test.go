package chat_test

import (
	"context"
	"errors"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/omochice/socket-chat/internal/chat"
)

// memStore is an in-memory chat.Store for router and session tests.
type memStore struct {
	mu       sync.Mutex
	users    map[string]string
	messages []chat.Record
	groups   map[int64]chat.Group
	members  map[int64][]string
	nextID   int64
	failSave bool
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]string),
		groups:  make(map[int64]chat.Group),
		members: make(map[int64][]string),
	}
}

var errStoreDown = errors.New("store unavailable")

func (s *memStore) UserExists(_ context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok, nil
}

func (s *memStore) RegisterUser(_ context.Context, username, password string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return false, nil
	}
	s.users[username] = password
	return true, nil
}

func (s *memStore) LoginUser(_ context.Context, username, password string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pw, ok := s.users[username]
	return ok && pw == password, nil
}

func (s *memStore) SaveMessage(_ context.Context, rec chat.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errStoreDown
	}
	rec.ID = int64(len(s.messages) + 1)
	s.messages = append(s.messages, rec)
	return nil
}

func (s *memStore) History(_ context.Context, q chat.HistoryQuery) ([]chat.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Record
	for _, rec := range s.messages {
		if rec.Kind != q.Kind {
			continue
		}
		switch q.Kind {
		case chat.KindPrivate:
			involved := rec.Sender == q.Username || rec.Receiver == q.Username
			if !involved {
				continue
			}
			if q.Peer != "" && rec.Sender != q.Peer && rec.Receiver != q.Peer {
				continue
			}
		case chat.KindGroup:
			if rec.Receiver != strconv.FormatInt(q.GroupID, 10) {
				continue
			}
		}
		out = append(out, rec)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (s *memStore) CreateGroup(_ context.Context, name, creator string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.groups[s.nextID] = chat.Group{ID: s.nextID, Name: name, Creator: creator}
	return s.nextID, nil
}

func (s *memStore) AddMember(_ context.Context, groupID int64, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return false, nil
	}
	if !slices.Contains(s.members[groupID], username) {
		s.members[groupID] = append(s.members[groupID], username)
	}
	return true, nil
}

func (s *memStore) RemoveMember(_ context.Context, groupID int64, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.members[groupID], username)
	if i < 0 {
		return false, nil
	}
	s.members[groupID] = slices.Delete(s.members[groupID], i, i+1)
	return true, nil
}

func (s *memStore) GroupMembers(_ context.Context, groupID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.members[groupID]), nil
}

func (s *memStore) DeleteGroup(_ context.Context, groupID int64, requester string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok || g.Creator != requester {
		return false, nil
	}
	delete(s.groups, groupID)
	delete(s.members, groupID)
	return true, nil
}

func (s *memStore) Groups(_ context.Context) ([]chat.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b chat.Group) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *memStore) saved() []chat.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// memFiles records saved uploads.
type memFiles struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemFiles() *memFiles {
	return &memFiles{files: make(map[string][]byte)}
}

func (f *memFiles) CheckName(filename string) (string, error) {
	name := path.Base(strings.TrimSpace(filename))
	if name == "." || name == ".." || name == "/" {
		return "", errors.New("invalid filename")
	}
	return name, nil
}

func (f *memFiles) Save(_ context.Context, filename string, data []byte) (chat.StoredFile, error) {
	name, err := f.CheckName(filename)
	if err != nil {
		return chat.StoredFile{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = slices.Clone(data)
	return chat.StoredFile{
		Name:   name,
		Path:   "/received/" + name,
		Size:   int64(len(data)),
		Digest: xxhash.Sum64(data),
	}, nil
}

func (f *memFiles) get(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[name]
	return data, ok
}

var (
	_ chat.Store     = (*memStore)(nil)
	_ chat.FileStore = (*memFiles)(nil)
)
