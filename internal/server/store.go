package server

import (
	"context"

	"github.com/whisperim/whisperd/internal/protocol"
	"github.com/whisperim/whisperd/internal/store"
)

// Store is the slice of the persistent store the handlers consume.
// *store.Store satisfies it; tests plug in an in-memory fake.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *store.User) error
	GetUser(ctx context.Context, username string) (*store.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	UpdateNickname(ctx context.Context, username, nickname string) error
	UpdateSign(ctx context.Context, username, sign string) error
	UpdateAvatar(ctx context.Context, username, avatarID, avatarPath string) error
	GetAvatarPath(ctx context.Context, avatarID string) (string, error)

	// Friends
	AddFriend(ctx context.Context, username, friend string) error
	AreFriends(ctx context.Context, username, friend string) (bool, error)
	ListFriends(ctx context.Context, username string) ([]store.Friend, error)
	UpdateRemarks(ctx context.Context, username, friend, remarks string) error

	// Messages
	InsertMessage(ctx context.Context, m *store.Message) (int64, error)
	GetMessage(ctx context.Context, id int64) (*store.Message, error)
	GetMessageByFile(ctx context.Context, fileID, attachmentType string) (*store.Message, error)
	ListMessagesPage(ctx context.Context, a, b string, page, pageSize int) ([]*store.Message, error)
	DeleteMessagesOwned(ctx context.Context, caller string, ids []int64) ([]store.HeadUpdate, error)
}

// friendSource adapts Store to presence.FriendSource.
type friendSource struct {
	store Store
}

func (f friendSource) FriendsOf(ctx context.Context, username string) ([]protocol.FriendEntry, error) {
	friends, err := f.store.ListFriends(ctx, username)
	if err != nil {
		return nil, err
	}
	entries := make([]protocol.FriendEntry, 0, len(friends))
	for _, fr := range friends {
		entries = append(entries, protocol.FriendEntry{
			Username: fr.Username,
			Nickname: fr.Nickname,
			Sign:     fr.Sign,
			AvatarID: fr.AvatarID,
			Remarks:  fr.Remarks,
		})
	}
	return entries, nil
}

func (f friendSource) FriendEntryOf(ctx context.Context, owner, friend string) (*protocol.FriendEntry, error) {
	entries, err := f.FriendsOf(ctx, owner)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Username == friend {
			return &entries[i], nil
		}
	}
	return nil, store.ErrNotFound
}
