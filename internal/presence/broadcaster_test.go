package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/fanout"
	"github.com/matheus3301/convsync/internal/wire"
	"go.uber.org/zap"
)

type recordEmitter struct {
	mu      sync.Mutex
	intents []fanout.Intent
}

func (r *recordEmitter) Emit(in fanout.Intent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, in)
	return len(in.Users)
}

func (r *recordEmitter) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, in := range r.intents {
		out = append(out, in.Payload.(wire.PresenceChanged).Status)
	}
	return out
}

type staticContacts map[string][]string

func (s staticContacts) Contacts(_ context.Context, u string) []string { return s[u] }

func TestBroadcasterAnnouncesChangesOnly(t *testing.T) {
	ctx := context.Background()
	tr, on, clk := newTestTracker()
	em := &recordEmitter{}
	b := bus.New()
	br := NewBroadcaster(tr, staticContacts{"alice": {"bob", "carol"}}, em, b, nil, zap.NewNop())

	ch, unsub := b.Subscribe("presence.", 8)
	defer unsub()

	on.set("alice", true)
	if !br.Notify(ctx, "alice") {
		t.Fatal("first online should be announced")
	}
	if br.Notify(ctx, "alice") {
		t.Error("unchanged status should not be announced")
	}

	on.set("alice", false)
	tr.MarkSeen("alice")
	br.Notify(ctx, "alice")

	clk.Advance(6 * time.Minute)
	if n := br.Sweep(ctx); n != 1 {
		t.Errorf("Sweep announced %d, want 1 (away)", n)
	}
	clk.Advance(time.Hour)
	if n := br.Sweep(ctx); n != 1 {
		t.Errorf("Sweep announced %d, want 1 (offline)", n)
	}
	if n := br.Sweep(ctx); n != 0 {
		t.Errorf("Sweep after offline announced %d, want 0", n)
	}

	want := []string{"online", "recently_active", "away", "offline"}
	got := em.statuses()
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("statuses[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if users := em.intents[0].Users; len(users) != 2 {
		t.Errorf("announcement targeted %v, want bob and carol", users)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindPresenceChanged {
			t.Errorf("bus kind = %s", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no presence bus event")
	}
}

func TestBroadcasterIgnoresUnknownOffline(t *testing.T) {
	tr, _, _ := newTestTracker()
	em := &recordEmitter{}
	br := NewBroadcaster(tr, staticContacts{}, em, nil, nil, zap.NewNop())

	if br.Notify(context.Background(), "ghost") {
		t.Error("never-seen offline user should not be announced")
	}
}

func TestAnnouncementCarriesLastSeen(t *testing.T) {
	tr, _, _ := newTestTracker()
	em := &recordEmitter{}
	br := NewBroadcaster(tr, staticContacts{"alice": {"bob"}}, em, nil, nil, zap.NewNop())

	seen := tr.MarkSeen("alice")
	br.Notify(context.Background(), "alice")

	p := em.intents[0].Payload.(wire.PresenceChanged)
	if p.LastSeenAt == nil || !p.LastSeenAt.Equal(seen) {
		t.Errorf("LastSeenAt = %v, want %v", p.LastSeenAt, seen)
	}
}
