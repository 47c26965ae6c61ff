// Package presence derives online/recently_active/away/offline status from
// registry membership plus a decay clock, and pushes changes to contacts.
package presence

import (
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/shard"
)

// Status is the derived presence of a user.
type Status string

const (
	Online         Status = "online"
	RecentlyActive Status = "recently_active"
	Away           Status = "away"
	Offline        Status = "offline"
)

// Snapshot is the presence of a user at one instant.
type Snapshot struct {
	UserID     string    `json:"userId"`
	Status     Status    `json:"status"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// OnlineChecker reports whether a user has a live session.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

type seenBucket struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
}

// Tracker computes presence lazily on read. It keeps only the last-seen
// time of each user; online-ness always comes from the registry.
type Tracker struct {
	online OnlineChecker
	clock  clock.Clock
	recent time.Duration
	away   time.Duration

	buckets [shard.Count]seenBucket
}

// NewTracker creates a tracker. A user is recently_active for recent after
// the last session closes, then away for away, then offline.
func NewTracker(online OnlineChecker, clk clock.Clock, recent, away time.Duration) *Tracker {
	t := &Tracker{online: online, clock: clk, recent: recent, away: away}
	for i := range t.buckets {
		t.buckets[i].lastSeen = make(map[string]time.Time)
	}
	return t
}

// MarkSeen records now as the user's last-seen time. The stored value
// never moves backwards.
func (t *Tracker) MarkSeen(userID string) time.Time {
	now := t.clock.Now()
	b := &t.buckets[shard.Of(userID)]
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.lastSeen[userID]; ok && prev.After(now) {
		return prev
	}
	b.lastSeen[userID] = now
	return now
}

// LastSeen returns the recorded last-seen time, zero when never seen.
func (t *Tracker) LastSeen(userID string) time.Time {
	b := &t.buckets[shard.Of(userID)]
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeen[userID]
}

// Status returns the user's presence now.
func (t *Tracker) Status(userID string) Snapshot {
	snap := Snapshot{UserID: userID, LastSeenAt: t.LastSeen(userID)}
	if t.online.IsOnline(userID) {
		snap.Status = Online
		return snap
	}
	snap.Status = t.decay(snap.LastSeenAt)
	return snap
}

func (t *Tracker) decay(lastSeen time.Time) Status {
	if lastSeen.IsZero() {
		return Offline
	}
	elapsed := t.clock.Now().Sub(lastSeen)
	switch {
	case elapsed < t.recent:
		return RecentlyActive
	case elapsed < t.recent+t.away:
		return Away
	}
	return Offline
}
