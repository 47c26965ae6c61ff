package viewership

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/clock"
)

func TestEnterIsIdempotent(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	tr := New(clk)

	first, replaced := tr.Enter("alice", "c1")
	if replaced {
		t.Error("first Enter should not replace")
	}
	clk.Advance(time.Second)
	second, replaced := tr.Enter("alice", "c1")
	if !replaced {
		t.Error("second Enter should replace")
	}
	if !second.EnteredAt.After(first.EnteredAt) {
		t.Error("re-enter should refresh EnteredAt")
	}
	if got := len(tr.Viewing("alice")); got != 1 {
		t.Errorf("entries = %d, want 1", got)
	}
}

func TestBothParticipantsCanView(t *testing.T) {
	tr := New(clock.Real())
	tr.Enter("alice", "c1")
	tr.Enter("bob", "c1")

	if !tr.IsViewing("alice", "c1") || !tr.IsViewing("bob", "c1") {
		t.Error("both users should be viewing c1")
	}
	if tr.IsViewing("carol", "c1") {
		t.Error("carol is not viewing")
	}
}

func TestLeave(t *testing.T) {
	tr := New(clock.Real())
	tr.Enter("alice", "c1")

	if !tr.Leave("alice", "c1") {
		t.Error("Leave should report existing entry")
	}
	if tr.Leave("alice", "c1") {
		t.Error("second Leave should be a no-op")
	}
	if tr.IsViewing("alice", "c1") {
		t.Error("alice still viewing after leave")
	}
}

func TestLeaveAllAndOthers(t *testing.T) {
	tr := New(clock.Real())
	tr.Enter("alice", "c1")
	tr.Enter("alice", "c2")
	tr.Enter("alice", "c3")

	if got := tr.LeaveOthers("alice", "c2"); !reflect.DeepEqual(got, []string{"c1", "c3"}) {
		t.Errorf("LeaveOthers = %v", got)
	}
	if !tr.IsViewing("alice", "c2") {
		t.Error("kept conversation was dropped")
	}
	if got := tr.LeaveAll("alice"); !reflect.DeepEqual(got, []string{"c2"}) {
		t.Errorf("LeaveAll = %v", got)
	}
	if got := tr.LeaveAll("alice"); len(got) != 0 {
		t.Errorf("LeaveAll on empty = %v", got)
	}
}

func TestConcurrentEnterKeepsOneEntry(t *testing.T) {
	tr := New(clock.Real())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Enter("alice", "c1")
		}()
	}
	wg.Wait()
	if got := len(tr.Viewing("alice")); got != 1 {
		t.Errorf("entries = %d, want 1", got)
	}
}
