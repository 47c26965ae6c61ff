// Package conversation keeps the membership of conversations: who takes
// part in a conversation and whom a user shares conversations with.
package conversation

import (
	"context"
	"sort"
	"sync"

	"github.com/matheus3301/convsync/internal/shard"
	"github.com/matheus3301/convsync/internal/syncerr"
	"go.uber.org/zap"
)

// Store is the durable side of the directory.
type Store interface {
	AddParticipants(ctx context.Context, conversationID string, userIDs ...string) error
	Participants(ctx context.Context, conversationID string) ([]string, error)
	Conversations(ctx context.Context, userID string) ([]string, error)
}

type set map[string]struct{}

type bucket struct {
	mu     sync.RWMutex
	index  map[string]set
	loaded map[string]bool
}

func newBuckets() *[shard.Count]bucket {
	var bs [shard.Count]bucket
	for i := range bs {
		bs[i].index = make(map[string]set)
		bs[i].loaded = make(map[string]bool)
	}
	return &bs
}

// Directory is an in-memory membership index backed by a Store. Reads
// fall through to the store once per key and are cached afterwards.
type Directory struct {
	store  Store
	logger *zap.Logger

	members *[shard.Count]bucket // conversation -> users
	joined  *[shard.Count]bucket // user -> conversations
}

// New creates a Directory. store may be nil for a memory-only directory.
func New(store Store, logger *zap.Logger) *Directory {
	return &Directory{
		store:   store,
		logger:  logger,
		members: newBuckets(),
		joined:  newBuckets(),
	}
}

func add(bs *[shard.Count]bucket, key string, vals ...string) {
	b := &bs[shard.Of(key)]
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.index[key]
	if !ok {
		s = make(set)
		b.index[key] = s
	}
	for _, v := range vals {
		s[v] = struct{}{}
	}
}

func list(bs *[shard.Count]bucket, key string) (out []string, loaded bool) {
	b := &bs[shard.Of(key)]
	b.mu.RLock()
	defer b.mu.RUnlock()
	for v := range b.index[key] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, b.loaded[key]
}

func markLoaded(bs *[shard.Count]bucket, key string) {
	b := &bs[shard.Of(key)]
	b.mu.Lock()
	b.loaded[key] = true
	b.mu.Unlock()
}

// Join records users as participants of conversationID. Memory is updated
// even when the durable write fails; the error is returned for logging.
func (d *Directory) Join(ctx context.Context, conversationID string, userIDs ...string) error {
	add(d.members, conversationID, userIDs...)
	for _, u := range userIDs {
		add(d.joined, u, conversationID)
	}
	if d.store == nil {
		return nil
	}
	if err := d.store.AddParticipants(ctx, conversationID, userIDs...); err != nil {
		return syncerr.New(syncerr.PersistenceFailure, "conversation.join", err)
	}
	return nil
}

// Participants lists the users of a conversation.
func (d *Directory) Participants(ctx context.Context, conversationID string) []string {
	users, loaded := list(d.members, conversationID)
	if loaded || d.store == nil {
		return users
	}
	stored, err := d.store.Participants(ctx, conversationID)
	if err != nil {
		d.logger.Warn("load participants", zap.String("conversation_id", conversationID), zap.Error(err))
		return users
	}
	add(d.members, conversationID, stored...)
	markLoaded(d.members, conversationID)
	users, _ = list(d.members, conversationID)
	return users
}

// Others lists the participants of a conversation except userID.
func (d *Directory) Others(ctx context.Context, conversationID, userID string) []string {
	all := d.Participants(ctx, conversationID)
	out := all[:0:0]
	for _, u := range all {
		if u != userID {
			out = append(out, u)
		}
	}
	return out
}

// Conversations lists the conversations userID takes part in.
func (d *Directory) Conversations(ctx context.Context, userID string) []string {
	convs, loaded := list(d.joined, userID)
	if loaded || d.store == nil {
		return convs
	}
	stored, err := d.store.Conversations(ctx, userID)
	if err != nil {
		d.logger.Warn("load conversations", zap.String("user_id", userID), zap.Error(err))
		return convs
	}
	add(d.joined, userID, stored...)
	markLoaded(d.joined, userID)
	convs, _ = list(d.joined, userID)
	return convs
}

// Contacts lists every user sharing at least one conversation with userID.
// These are the subscribers of userID's presence.
func (d *Directory) Contacts(ctx context.Context, userID string) []string {
	seen := make(set)
	for _, c := range d.Conversations(ctx, userID) {
		for _, u := range d.Participants(ctx, c) {
			if u != userID {
				seen[u] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// IsParticipant reports whether userID belongs to conversationID.
func (d *Directory) IsParticipant(ctx context.Context, conversationID, userID string) bool {
	for _, u := range d.Participants(ctx, conversationID) {
		if u == userID {
			return true
		}
	}
	return false
}
