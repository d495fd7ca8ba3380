package presence

import (
	"context"
	"log/slog"

	"github.com/whisperim/whisperd/internal/logger"
	"github.com/whisperim/whisperd/internal/protocol"
)

// FriendSource resolves friend projections for fan-out. Entries come back
// without the online flag; the notifier fills it in.
type FriendSource interface {
	FriendsOf(ctx context.Context, username string) ([]protocol.FriendEntry, error)
	FriendEntryOf(ctx context.Context, owner, friend string) (*protocol.FriendEntry, error)
}

// Notifier fans friend_update pushes out to the affected set of a change:
// friends(username) ∪ {username}.
type Notifier struct {
	table   *Table
	friends FriendSource
	log     *logger.Logger
}

// NewNotifier creates a notifier over the presence table.
func NewNotifier(table *Table, friends FriendSource, log *logger.Logger) *Notifier {
	return &Notifier{table: table, friends: friends, log: log.WithComponent("notifier")}
}

// NotifyFriendsChanged pushes a friend_update to every online member of
// friends(username) ∪ {username}. When changedPeer is non-empty, each
// recipient receives only that peer's projection (with the recipient's own
// remark); otherwise each recipient receives its own full friend list.
func (n *Notifier) NotifyFriendsChanged(ctx context.Context, username, changedPeer string) {
	entries, err := n.friends.FriendsOf(ctx, username)
	if err != nil {
		n.log.Warn("fan-out aborted, friend list unavailable",
			slog.String("username", username),
			slog.String("error", err.Error()))
		return
	}

	recipients := make([]string, 0, len(entries)+1)
	for _, e := range entries {
		recipients = append(recipients, e.Username)
	}
	recipients = append(recipients, username)

	for _, recipient := range recipients {
		if !n.table.Online(recipient) {
			continue
		}
		if changedPeer != "" {
			if recipient == changedPeer {
				continue
			}
			n.pushScoped(ctx, recipient, changedPeer)
		} else {
			n.pushFullList(ctx, recipient, protocol.PushFriendUpdate)
		}
	}
}

// PushFriendEntry pushes peer's projection (with recipient's own remark) to
// recipient if online. Used for scoped updates like add_friend and remark
// edits.
func (n *Notifier) PushFriendEntry(ctx context.Context, recipient, peer string) {
	if !n.table.Online(recipient) {
		return
	}
	n.pushScoped(ctx, recipient, peer)
}

// PushFriendList sends the full friend_list_update to one user, typically
// right after authentication.
func (n *Notifier) PushFriendList(ctx context.Context, username string) {
	n.pushFullList(ctx, username, protocol.PushFriendListUpdate)
}

func (n *Notifier) pushScoped(ctx context.Context, recipient, changedPeer string) {
	entry, err := n.friends.FriendEntryOf(ctx, recipient, changedPeer)
	if err != nil {
		n.log.Debug("scoped fan-out skipped",
			slog.String("recipient", recipient),
			slog.String("peer", changedPeer),
			slog.String("error", err.Error()))
		return
	}
	entry.Online = n.table.Online(changedPeer)
	n.table.Push(recipient, protocol.FriendListPush{
		Type:    protocol.PushFriendUpdate,
		Friends: []protocol.FriendEntry{*entry},
	})
}

func (n *Notifier) pushFullList(ctx context.Context, recipient, pushType string) {
	list, err := n.friends.FriendsOf(ctx, recipient)
	if err != nil {
		n.log.Warn("full-list fan-out skipped",
			slog.String("recipient", recipient),
			slog.String("error", err.Error()))
		return
	}
	for i := range list {
		list[i].Online = n.table.Online(list[i].Username)
	}
	n.table.Push(recipient, protocol.FriendListPush{Type: pushType, Friends: list})
}
