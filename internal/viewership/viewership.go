// Package viewership tracks which users currently have which conversation
// open. It drives read-receipt timing.
package viewership

import (
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/shard"
)

// Entry records that a user is viewing a conversation.
type Entry struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	EnteredAt      time.Time `json:"enteredAt"`
}

type bucket struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Entry
}

// Tracker holds at most one entry per (user, conversation).
type Tracker struct {
	clock   clock.Clock
	buckets [shard.Count]bucket
}

// New creates an empty tracker.
func New(clk clock.Clock) *Tracker {
	t := &Tracker{clock: clk}
	for i := range t.buckets {
		t.buckets[i].byUser = make(map[string]map[string]Entry)
	}
	return t
}

func (t *Tracker) bucket(userID string) *bucket {
	return &t.buckets[shard.Of(userID)]
}

// Enter records the user as viewing the conversation, replacing any prior
// entry for the same pair.
func (t *Tracker) Enter(userID, conversationID string) (e Entry, replaced bool) {
	e = Entry{UserID: userID, ConversationID: conversationID, EnteredAt: t.clock.Now()}
	b := t.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	convs, ok := b.byUser[userID]
	if !ok {
		convs = make(map[string]Entry)
		b.byUser[userID] = convs
	}
	_, replaced = convs[conversationID]
	convs[conversationID] = e
	return e, replaced
}

// Leave removes the entry. It reports whether one existed.
func (t *Tracker) Leave(userID, conversationID string) bool {
	b := t.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	convs := b.byUser[userID]
	if _, ok := convs[conversationID]; !ok {
		return false
	}
	delete(convs, conversationID)
	if len(convs) == 0 {
		delete(b.byUser, userID)
	}
	return true
}

// IsViewing reports whether the user has the conversation open.
func (t *Tracker) IsViewing(userID, conversationID string) bool {
	b := t.bucket(userID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byUser[userID][conversationID]
	return ok
}

// Viewing lists the conversations the user has open.
func (t *Tracker) Viewing(userID string) []Entry {
	b := t.bucket(userID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(b.byUser[userID]))
	for _, e := range b.byUser[userID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// LeaveAll drops every entry of the user and returns the conversations left.
func (t *Tracker) LeaveAll(userID string) []string {
	return t.leaveWhere(userID, func(string) bool { return true })
}

// LeaveOthers drops every entry of the user except keep.
func (t *Tracker) LeaveOthers(userID, keep string) []string {
	return t.leaveWhere(userID, func(c string) bool { return c != keep })
}

func (t *Tracker) leaveWhere(userID string, match func(string) bool) []string {
	b := t.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	convs := b.byUser[userID]
	var left []string
	for c := range convs {
		if match(c) {
			delete(convs, c)
			left = append(left, c)
		}
	}
	if len(convs) == 0 {
		delete(b.byUser, userID)
	}
	sort.Strings(left)
	return left
}
