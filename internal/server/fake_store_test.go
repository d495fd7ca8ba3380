package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/whisperim/whisperd/internal/store"
)

// fakeStore is the in-memory stand-in used by the gateway tests. It
// implements both the handler Store interface and conversation.HeadStore.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]*store.User
	friends  map[string]map[string]string
	messages map[int64]*store.Message
	heads    map[[2]string]store.Head
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]*store.User),
		friends:  make(map[string]map[string]string),
		messages: make(map[int64]*store.Message),
		heads:    make(map[[2]string]store.Head),
	}
}

func testUser(username string) store.User {
	return store.User{Username: username, Password: "Passw0rd", Nickname: username + "-nick"}
}

func (f *fakeStore) addUser(u store.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.Username] = &u
}

func (f *fakeStore) befriend(a, b string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edgeLocked(a, b)
	f.edgeLocked(b, a)
}

func (f *fakeStore) edgeLocked(owner, friend string) {
	if f.friends[owner] == nil {
		f.friends[owner] = make(map[string]string)
	}
	f.friends[owner][friend] = ""
}

func (f *fakeStore) CreateUser(ctx context.Context, u *store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[u.Username]; ok {
		return store.ErrDuplicate
	}
	cp := *u
	f.users[u.Username] = &cp
	return nil
}

func (f *fakeStore) GetUser(ctx context.Context, username string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.users[username]
	return ok, nil
}

func (f *fakeStore) UpdateNickname(ctx context.Context, username, nickname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Nickname = nickname
	return nil
}

func (f *fakeStore) UpdateSign(ctx context.Context, username, sign string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Sign = sign
	return nil
}

func (f *fakeStore) UpdateAvatar(ctx context.Context, username, avatarID, avatarPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.AvatarID = avatarID
	u.AvatarPath = avatarPath
	return nil
}

func (f *fakeStore) GetAvatarPath(ctx context.Context, avatarID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.AvatarID == avatarID {
			return u.AvatarPath, nil
		}
	}
	return "", store.ErrNotFound
}

func (f *fakeStore) AddFriend(ctx context.Context, username, friend string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.friends[username][friend]; ok {
		return store.ErrDuplicate
	}
	f.edgeLocked(username, friend)
	f.edgeLocked(friend, username)
	return nil
}

func (f *fakeStore) AreFriends(ctx context.Context, username, friend string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.friends[username][friend]
	return ok, nil
}

func (f *fakeStore) ListFriends(ctx context.Context, username string) ([]store.Friend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Friend
	for name, remarks := range f.friends[username] {
		fr := store.Friend{Username: name, Remarks: remarks}
		if u, ok := f.users[name]; ok {
			fr.Nickname = u.Nickname
			fr.Sign = u.Sign
			fr.AvatarID = u.AvatarID
		}
		out = append(out, fr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (f *fakeStore) UpdateRemarks(ctx context.Context, username, friend, remarks string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.friends[username][friend]; !ok {
		return store.ErrNotFound
	}
	f.friends[username][friend] = remarks
	return nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, m *store.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp := *m
	cp.ID = f.nextID
	f.messages[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeStore) GetMessage(ctx context.Context, id int64) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) GetMessageByFile(ctx context.Context, fileID, attachmentType string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.FileID != fileID {
			continue
		}
		if attachmentType != "" && m.AttachmentType != attachmentType {
			continue
		}
		cp := *m
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListMessagesPage(ctx context.Context, a, b string, page, pageSize int) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pair []*store.Message
	for _, m := range f.messages {
		if (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a) {
			cp := *m
			pair = append(pair, &cp)
		}
	}
	sort.Slice(pair, func(i, j int) bool {
		if !pair[i].WriteTime.Equal(pair[j].WriteTime) {
			return pair[i].WriteTime.After(pair[j].WriteTime)
		}
		return pair[i].ID > pair[j].ID
	})

	offset := (page - 1) * pageSize
	if offset >= len(pair) {
		return nil, nil
	}
	end := offset + pageSize
	if end > len(pair) {
		end = len(pair)
	}
	return pair[offset:end], nil
}

func (f *fakeStore) DeleteMessagesOwned(ctx context.Context, caller string, ids []int64) ([]store.HeadUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	targets := make([]*store.Message, 0, len(ids))
	for _, id := range ids {
		m, ok := f.messages[id]
		if !ok || (m.Sender != caller && m.Receiver != caller) {
			return nil, store.ErrNotOwned
		}
		targets = append(targets, m)
	}

	pairs := make(map[[2]string][]int64)
	for _, m := range targets {
		a, b := store.CanonicalPair(m.Sender, m.Receiver)
		pairs[[2]string{a, b}] = append(pairs[[2]string{a, b}], m.ID)
		delete(f.messages, m.ID)
	}

	var updates []store.HeadUpdate
	for pair, deleted := range pairs {
		var latest *store.Message
		for _, m := range f.messages {
			a, b := store.CanonicalPair(m.Sender, m.Receiver)
			if a != pair[0] || b != pair[1] {
				continue
			}
			if latest == nil || m.WriteTime.After(latest.WriteTime) ||
				(m.WriteTime.Equal(latest.WriteTime) && m.ID > latest.ID) {
				cp := *m
				latest = &cp
			}
		}
		updates = append(updates, store.HeadUpdate{
			Username:   pair[0],
			Friend:     pair[1],
			Latest:     latest,
			DeletedIDs: deleted,
		})
	}
	return updates, nil
}

func (f *fakeStore) LoadHeads(ctx context.Context) ([]store.Head, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Head
	for _, h := range f.heads {
		out = append(out, h)
	}
	return out, nil
}

func (f *fakeStore) UpsertHead(ctx context.Context, a, b string, messageID int64, updateTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := messageID
	f.heads[[2]string{a, b}] = store.Head{Username: a, Friend: b, MessageID: &id, UpdateTime: updateTime}
	return nil
}
