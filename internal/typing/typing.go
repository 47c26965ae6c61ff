// Package typing holds ephemeral "is typing" state per (user,
// conversation). State expires on its own two seconds after the last
// refresh, so a lost stop event never leaves a stale indicator.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/shard"
)

// DefaultTimeout is how long a typing state lives without a refresh.
const DefaultTimeout = 2 * time.Second

// State is the typing state of one user in one conversation.
type State struct {
	UserID         string
	ConversationID string
	SessionID      string
	ExpiresAt      time.Time
}

// Change is a transition the caller must broadcast.
type Change struct {
	UserID         string
	ConversationID string
	IsTyping       bool
}

type key struct {
	user, conv string
}

type bucket struct {
	mu     sync.Mutex
	states map[key]State
}

// Debouncer tracks typing states. Refreshes within the timeout do not
// produce a change; only start, stop and expiry do.
type Debouncer struct {
	clock   clock.Clock
	timeout time.Duration
	buckets [shard.Count]bucket
}

// New creates a Debouncer.
func New(clk clock.Clock, timeout time.Duration) *Debouncer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &Debouncer{clock: clk, timeout: timeout}
	for i := range d.buckets {
		d.buckets[i].states = make(map[key]State)
	}
	return d
}

func (d *Debouncer) bucket(userID string) *bucket {
	return &d.buckets[shard.Of(userID)]
}

// Start creates or refreshes the state. started is true when the user was
// not already typing, in which case the caller broadcasts isTyping=true.
func (d *Debouncer) Start(userID, conversationID, sessionID string) (started bool) {
	now := d.clock.Now()
	k := key{userID, conversationID}
	b := d.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.states[k]
	started = !ok || !now.Before(prev.ExpiresAt)
	b.states[k] = State{
		UserID:         userID,
		ConversationID: conversationID,
		SessionID:      sessionID,
		ExpiresAt:      now.Add(d.timeout),
	}
	return started
}

// Stop clears the state. stopped is true when the user was typing.
func (d *Debouncer) Stop(userID, conversationID string) (stopped bool) {
	now := d.clock.Now()
	k := key{userID, conversationID}
	b := d.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.states[k]
	if !ok {
		return false
	}
	delete(b.states, k)
	// An already expired state was, or will be, reported by Sweep.
	return now.Before(prev.ExpiresAt)
}

// IsTyping reports whether the state exists and has not expired.
func (d *Debouncer) IsTyping(userID, conversationID string) bool {
	now := d.clock.Now()
	b := d.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[key{userID, conversationID}]
	return ok && now.Before(st.ExpiresAt)
}

// Sweep removes expired states and returns them as stop changes.
func (d *Debouncer) Sweep() []Change {
	now := d.clock.Now()
	var out []Change
	for i := range d.buckets {
		b := &d.buckets[i]
		b.mu.Lock()
		for k, st := range b.states {
			if !now.Before(st.ExpiresAt) {
				delete(b.states, k)
				out = append(out, Change{UserID: k.user, ConversationID: k.conv})
			}
		}
		b.mu.Unlock()
	}
	sortChanges(out)
	return out
}

// ClearSession stops every state owned by a closing session.
func (d *Debouncer) ClearSession(userID, sessionID string) []Change {
	now := d.clock.Now()
	b := d.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Change
	for k, st := range b.states {
		if k.user == userID && st.SessionID == sessionID {
			delete(b.states, k)
			if now.Before(st.ExpiresAt) {
				out = append(out, Change{UserID: k.user, ConversationID: k.conv})
			}
		}
	}
	sortChanges(out)
	return out
}

// Active lists the live typing states of a conversation.
func (d *Debouncer) Active(conversationID string) []State {
	now := d.clock.Now()
	var out []State
	for i := range d.buckets {
		b := &d.buckets[i]
		b.mu.Lock()
		for k, st := range b.states {
			if k.conv == conversationID && now.Before(st.ExpiresAt) {
				out = append(out, st)
			}
		}
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func sortChanges(cs []Change) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].UserID != cs[j].UserID {
			return cs[i].UserID < cs[j].UserID
		}
		return cs[i].ConversationID < cs[j].ConversationID
	})
}
