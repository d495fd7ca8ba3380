// Package conversation keeps the head-of-conversation cache: for each
// canonical pair, the id and time of the most recent surviving message.
package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisperim/whisperd/internal/logger"
	"github.com/whisperim/whisperd/internal/store"
)

// HeadStore is the slice of the store the index writes through to.
type HeadStore interface {
	LoadHeads(ctx context.Context) ([]store.Head, error)
	UpsertHead(ctx context.Context, a, b string, messageID int64, updateTime time.Time) error
}

// Head is the cached value for one canonical pair. MessageID is nil when no
// message survives.
type Head struct {
	MessageID  *int64
	UpdateTime time.Time
}

type pairKey struct{ a, b string }

// Index is the in-memory head cache, hydrated once at startup and kept
// write-through on every send and delete.
type Index struct {
	mu    sync.RWMutex
	heads map[pairKey]Head

	store HeadStore
	log   *logger.Logger
}

// New creates an empty index.
func New(s HeadStore, log *logger.Logger) *Index {
	return &Index{
		heads: make(map[pairKey]Head),
		store: s,
		log:   log.WithComponent("conversation_index"),
	}
}

// Hydrate scans the store once and fills the cache.
func (i *Index) Hydrate(ctx context.Context) error {
	heads, err := i.store.LoadHeads(ctx)
	if err != nil {
		return fmt.Errorf("hydrate conversation index: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	for _, h := range heads {
		a, b := store.CanonicalPair(h.Username, h.Friend)
		i.heads[pairKey{a, b}] = Head{MessageID: h.MessageID, UpdateTime: h.UpdateTime}
	}
	i.log.Info("conversation index hydrated", "pairs", len(heads))
	return nil
}

// OnMessage records an accepted message as the new head: the store row is
// upserted first, then the cache entry replaced. Runs inside the sending
// handler, before the sender's response.
func (i *Index) OnMessage(ctx context.Context, sender, receiver string, messageID int64, writeTime time.Time) error {
	a, b := store.CanonicalPair(sender, receiver)
	if err := i.store.UpsertHead(ctx, a, b, messageID, writeTime); err != nil {
		return err
	}

	id := messageID
	i.mu.Lock()
	i.heads[pairKey{a, b}] = Head{MessageID: &id, UpdateTime: writeTime}
	i.mu.Unlock()
	return nil
}

// ApplyDeletes installs the heads recomputed by a delete transaction. The
// store rows were already written inside that transaction.
func (i *Index) ApplyDeletes(updates []store.HeadUpdate) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, u := range updates {
		a, b := store.CanonicalPair(u.Username, u.Friend)
		if u.Latest == nil {
			i.heads[pairKey{a, b}] = Head{}
			continue
		}
		id := u.Latest.ID
		i.heads[pairKey{a, b}] = Head{MessageID: &id, UpdateTime: u.Latest.WriteTime}
	}
}

// Get returns the cached head for a pair.
func (i *Index) Get(a, b string) (Head, bool) {
	x, y := store.CanonicalPair(a, b)
	i.mu.RLock()
	defer i.mu.RUnlock()
	h, ok := i.heads[pairKey{x, y}]
	return h, ok
}
