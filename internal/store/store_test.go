package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func msg(id, conv, from, to string, status int, at int64) *Message {
	return &Message{MessageID: id, ConversationID: conv, SenderID: from, ReceiverID: to, Content: "hi", Status: status, CreatedAt: at}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestPersistAndLoad(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.PersistMessage(ctx, msg("m1", "c1", "alice", "bob", 1, 1000)); err != nil {
		t.Fatal(err)
	}
	got, err := db.LoadMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SenderID != "alice" || got.ReceiverID != "bob" || got.Status != 1 || got.CreatedAt != 1000 {
		t.Errorf("LoadMessage = %+v", got)
	}

	if _, err := db.LoadMessage(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadMessage(unknown) err = %v, want ErrNotFound", err)
	}
}

// Re-persisting an envelope with an older status must not regress it.
// Retries can land after a newer status was already written.
func TestPersistNeverRegressesStatus(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.PersistMessage(ctx, msg("m1", "c1", "alice", "bob", 3, 1000)); err != nil {
		t.Fatal(err)
	}
	if err := db.PersistMessage(ctx, msg("m1", "c1", "alice", "bob", 2, 1000)); err != nil {
		t.Fatal(err)
	}
	got, _ := db.LoadMessage(ctx, "m1")
	if got.Status != 3 {
		t.Errorf("status = %d, want 3", got.Status)
	}
}

func TestUpdateMessageStatusForwardOnly(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_ = db.PersistMessage(ctx, msg("m1", "c1", "alice", "bob", 1, 1000))

	tests := []struct {
		status  int
		changed bool
	}{
		{2, true},
		{2, false},
		{1, false},
		{3, true},
		{2, false},
	}
	for _, tt := range tests {
		changed, err := db.UpdateMessageStatus(ctx, "m1", tt.status)
		if err != nil {
			t.Fatal(err)
		}
		if changed != tt.changed {
			t.Errorf("UpdateMessageStatus(%d) changed = %v, want %v", tt.status, changed, tt.changed)
		}
	}
	got, _ := db.LoadMessage(ctx, "m1")
	if got.Status != 3 {
		t.Errorf("final status = %d, want 3", got.Status)
	}

	changed, err := db.UpdateMessageStatus(ctx, "missing", 2)
	if err != nil || changed {
		t.Errorf("UpdateMessageStatus(missing) = %v, %v", changed, err)
	}
}

func TestUnreadQueries(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_ = db.PersistMessage(ctx, msg("m1", "c1", "alice", "bob", 1, 1000))
	_ = db.PersistMessage(ctx, msg("m2", "c1", "alice", "bob", 2, 2000))
	_ = db.PersistMessage(ctx, msg("m3", "c1", "alice", "bob", 3, 3000))
	_ = db.PersistMessage(ctx, msg("m4", "c1", "bob", "alice", 1, 4000))
	_ = db.PersistMessage(ctx, msg("m5", "c2", "carol", "bob", 1, 5000))

	n, err := db.FetchUnreadCount(ctx, "bob", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("FetchUnreadCount = %d, want 2", n)
	}

	ids, err := db.UnreadIDs(ctx, "bob", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"m1", "m2"}) {
		t.Errorf("UnreadIDs = %v", ids)
	}

	pending, err := db.PendingFor(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].MessageID != "m1" || pending[1].MessageID != "m5" {
		t.Errorf("PendingFor = %+v", pending)
	}

	recent, err := db.ConversationStatuses(ctx, "c1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].MessageID != "m4" {
		t.Errorf("ConversationStatuses = %+v", recent)
	}
}

func TestMembership(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.AddParticipants(ctx, "c1", "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	// Adding again is harmless.
	if err := db.AddParticipants(ctx, "c1", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := db.AddParticipants(ctx, "c2", "alice", "carol"); err != nil {
		t.Fatal(err)
	}

	members, err := db.Participants(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Errorf("Participants(c1) = %v", members)
	}

	convs, _ := db.Conversations(ctx, "alice")
	if !reflect.DeepEqual(convs, []string{"c1", "c2"}) {
		t.Errorf("Conversations(alice) = %v", convs)
	}

	contacts, _ := db.Contacts(ctx, "alice")
	if !reflect.DeepEqual(contacts, []string{"bob", "carol"}) {
		t.Errorf("Contacts(alice) = %v", contacts)
	}
	contacts, _ = db.Contacts(ctx, "bob")
	if !reflect.DeepEqual(contacts, []string{"alice"}) {
		t.Errorf("Contacts(bob) = %v", contacts)
	}
}

func TestCounts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	c, err := db.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c != (Counts{}) {
		t.Errorf("empty store counts = %+v", c)
	}

	for _, m := range []*Message{
		msg("m1", "c1", "alice", "bob", 1, 1),
		msg("m2", "c1", "bob", "alice", StatusRead, 2),
		msg("m3", "c2", "alice", "carol", 2, 3),
	} {
		if err := db.PersistMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.AddParticipants(ctx, "c1", "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := db.AddParticipants(ctx, "c2", "alice", "carol"); err != nil {
		t.Fatal(err)
	}

	c, err = db.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := (Counts{Messages: 3, Unread: 2, Conversations: 2}); c != want {
		t.Errorf("counts = %+v, want %+v", c, want)
	}
}

func TestMigrateReportsDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	_, err := db.Migrate()
	var dirty *DirtyError
	if !errors.As(err, &dirty) {
		t.Fatalf("Migrate() error = %v, want DirtyError", err)
	}
	if dirty.Version != 1 {
		t.Errorf("dirty version = %d, want 1", dirty.Version)
	}
}
