package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/clock"
	"go.uber.org/zap"
)

var testOpts = Options{Initial: 500 * time.Millisecond, Max: 2 * time.Second, MaxAttempts: 4}

func newTestRetrier() (*Retrier, *clock.FakeClock) {
	clk := clock.Fake(time.Unix(1000, 0))
	return NewRetrier(clk, testOpts, nil, zap.NewNop()), clk
}

func TestRetrySucceedsAfterBackoff(t *testing.T) {
	r, clk := newTestRetrier()
	var calls atomic.Int32
	drained := false
	r.OnDrained = func() { drained = true }

	r.Submit(Job{Key: "m1", Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}})

	if n := r.RunDue(context.Background()); n != 0 {
		t.Errorf("job ran before backoff elapsed")
	}
	clk.Advance(500 * time.Millisecond)
	if n := r.RunDue(context.Background()); n != 1 {
		t.Errorf("RunDue = %d, want 1", n)
	}
	if calls.Load() != 1 || r.Pending() != 0 {
		t.Errorf("calls = %d, pending = %d", calls.Load(), r.Pending())
	}
	if !drained {
		t.Error("OnDrained not called")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	r, _ := newTestRetrier()
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 2 * time.Second},
		{10, 2 * time.Second},
	}
	for _, tt := range tests {
		if got := r.backoff(tt.attempts); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestExhaustedAfterMaxAttempts(t *testing.T) {
	r, clk := newTestRetrier()
	var exhausted *Job
	r.OnExhausted = func(j Job, err error) { exhausted = &j }

	r.Submit(Job{Key: "m1", Owner: "alice", Run: func(context.Context) error {
		return errors.New("disk full")
	}})

	// First attempt failed before Submit; three more reach MaxAttempts.
	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		r.RunDue(context.Background())
	}
	if exhausted == nil {
		t.Fatal("OnExhausted not called")
	}
	if exhausted.Owner != "alice" {
		t.Errorf("exhausted owner = %q", exhausted.Owner)
	}
	if r.Pending() != 0 {
		t.Errorf("pending = %d, want 0", r.Pending())
	}
}

func TestSubmitReplacesSameKey(t *testing.T) {
	r, clk := newTestRetrier()
	var ran []string
	r.Submit(Job{Key: "m1", Run: func(context.Context) error { ran = append(ran, "old"); return nil }})
	r.Submit(Job{Key: "m1", Run: func(context.Context) error { ran = append(ran, "new"); return nil }})

	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", r.Pending())
	}
	clk.Advance(time.Second)
	r.RunDue(context.Background())
	if len(ran) != 1 || ran[0] != "new" {
		t.Errorf("ran = %v, want [new]", ran)
	}
}

// A job replaced while its predecessor is running must still run.
func TestReplacementDuringRunIsKept(t *testing.T) {
	r, clk := newTestRetrier()
	var ranNew bool
	r.Submit(Job{Key: "m1", Run: func(context.Context) error {
		r.Submit(Job{Key: "m1", Run: func(context.Context) error { ranNew = true; return nil }})
		return nil
	}})

	clk.Advance(time.Second)
	r.RunDue(context.Background())
	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want replacement kept", r.Pending())
	}
	r.RunDue(context.Background())
	if !ranNew || r.Pending() != 0 {
		t.Errorf("ranNew = %v, pending = %d", ranNew, r.Pending())
	}
}

func TestStartStop(t *testing.T) {
	r := NewRetrier(clock.Real(), Options{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3, Interval: 5 * time.Millisecond}, nil, zap.NewNop())
	done := make(chan struct{})
	r.OnDrained = func() { close(done) }
	r.Start(context.Background())
	defer r.Stop()

	r.Submit(Job{Key: "k", Run: func(context.Context) error { return nil }})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never retried the job")
	}
}
