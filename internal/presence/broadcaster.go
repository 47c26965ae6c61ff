package presence

import (
	"context"
	"sync"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/fanout"
	"github.com/matheus3301/convsync/internal/shard"
	"github.com/matheus3301/convsync/internal/wire"
	"go.uber.org/zap"
)

// Contacts lists the users interested in a user's presence.
type Contacts interface {
	Contacts(ctx context.Context, userID string) []string
}

type sentBucket struct {
	mu   sync.Mutex
	last map[string]Status
}

// Broadcaster pushes presenceChanged to a user's contacts whenever the
// derived status differs from the last one it announced.
type Broadcaster struct {
	tracker  *Tracker
	contacts Contacts
	emit     fanout.Emitter
	bus      *bus.Bus
	mirror   *Mirror
	logger   *zap.Logger

	buckets [shard.Count]sentBucket
}

// NewBroadcaster creates a Broadcaster. mirror may be nil.
func NewBroadcaster(tracker *Tracker, contacts Contacts, emit fanout.Emitter, b *bus.Bus, mirror *Mirror, logger *zap.Logger) *Broadcaster {
	br := &Broadcaster{tracker: tracker, contacts: contacts, emit: emit, bus: b, mirror: mirror, logger: logger}
	for i := range br.buckets {
		br.buckets[i].last = make(map[string]Status)
	}
	return br
}

// Notify recomputes the user's status and announces it when it changed.
// It reports whether an announcement was made.
func (br *Broadcaster) Notify(ctx context.Context, userID string) bool {
	b := &br.buckets[shard.Of(userID)]
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := br.tracker.Status(userID)
	prev, known := b.last[userID]
	if known && prev == snap.Status {
		return false
	}
	if snap.Status == Offline {
		// Nothing left to decay; forget the user until they return.
		delete(b.last, userID)
	} else {
		b.last[userID] = snap.Status
	}
	if !known && snap.Status == Offline {
		return false
	}

	payload := wire.PresenceChanged{UserID: userID, Status: string(snap.Status)}
	if !snap.LastSeenAt.IsZero() {
		seen := snap.LastSeenAt
		payload.LastSeenAt = &seen
	}
	n := br.emit.Emit(fanout.Intent{
		Target:  fanout.ToUsers(br.contacts.Contacts(ctx, userID)...),
		Event:   wire.EventPresenceChanged,
		Payload: payload,
	})
	br.bus.Publish(bus.Event{Kind: bus.KindPresenceChanged, Payload: snap})
	br.mirror.Publish(snap)
	br.logger.Debug("presence changed",
		zap.String("user_id", userID), zap.String("status", string(snap.Status)), zap.Int("sessions", n))
	return true
}

// Sweep re-evaluates every user that has not yet decayed to offline so
// idle contacts converge without any new event. Returns the number of
// announcements made.
func (br *Broadcaster) Sweep(ctx context.Context) int {
	var users []string
	for i := range br.buckets {
		b := &br.buckets[i]
		b.mu.Lock()
		for u, st := range b.last {
			if st != Online {
				users = append(users, u)
			}
		}
		b.mu.Unlock()
	}
	changed := 0
	for _, u := range users {
		if br.Notify(ctx, u) {
			changed++
		}
	}
	return changed
}
