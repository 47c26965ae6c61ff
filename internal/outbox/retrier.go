// Package outbox retries durable writes that failed, with exponential
// backoff. Jobs are keyed so a newer write for the same record replaces a
// stale one still waiting.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/metrics"
	"go.uber.org/zap"
)

// Job is a durable write. Owner is the user to tell when retries run out.
type Job struct {
	Key   string
	Owner string
	Run   func(ctx context.Context) error
}

// Options tune the retry schedule. Backoff starts at Initial and doubles
// on each consecutive failure, capped at Max.
type Options struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
	Interval    time.Duration
}

type entry struct {
	job      Job
	gen      uint64
	attempts int
	next     time.Time
	running  bool
}

// Retrier holds failed jobs and re-runs them when due.
type Retrier struct {
	clock   clock.Clock
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger

	// OnExhausted is called once a job has failed MaxAttempts times.
	OnExhausted func(job Job, err error)
	// OnDrained is called when the last pending job succeeds.
	OnDrained func()

	mu      sync.Mutex
	pending map[string]*entry
	gen     uint64
	cancel  context.CancelFunc
}

// NewRetrier creates a Retrier.
func NewRetrier(clk clock.Clock, opts Options, m *metrics.Metrics, logger *zap.Logger) *Retrier {
	return &Retrier{
		clock:   clk,
		opts:    opts,
		metrics: m,
		logger:  logger,
		pending: make(map[string]*entry),
	}
}

// Submit queues a job whose first attempt already failed. A job with the
// same key replaces the waiting one but keeps its schedule.
func (r *Retrier) Submit(job Job) {
	r.mu.Lock()
	r.gen++
	e, ok := r.pending[job.Key]
	if ok {
		e.job = job
		e.gen = r.gen
	} else {
		r.pending[job.Key] = &entry{
			job:      job,
			gen:      r.gen,
			attempts: 1,
			next:     r.clock.Now().Add(r.opts.Initial),
		}
	}
	n := len(r.pending)
	r.mu.Unlock()
	r.metrics.SetRetryQueue(n)
}

// Pending returns the number of jobs waiting.
func (r *Retrier) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Retrier) backoff(attempts int) time.Duration {
	d := r.opts.Initial
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.opts.Max {
			return r.opts.Max
		}
	}
	return d
}

type due struct {
	job Job
	gen uint64
}

// RunDue runs every job whose backoff elapsed and returns how many succeeded.
func (r *Retrier) RunDue(ctx context.Context) int {
	now := r.clock.Now()
	r.mu.Lock()
	var batch []due
	for _, e := range r.pending {
		if !e.running && !now.Before(e.next) {
			e.running = true
			batch = append(batch, due{job: e.job, gen: e.gen})
		}
	}
	r.mu.Unlock()

	succeeded := 0
	for _, d := range batch {
		err := d.job.Run(ctx)
		if err == nil {
			succeeded++
		} else {
			r.metrics.PersistFailure()
		}
		r.settle(d, err)
	}
	return succeeded
}

func (r *Retrier) settle(d due, err error) {
	r.mu.Lock()
	e := r.pending[d.job.Key]
	e.running = false
	var exhausted bool
	switch {
	case e.gen != d.gen:
		// Replaced while running; the newer job runs on the next pass.
		e.next = r.clock.Now()
	case err == nil:
		delete(r.pending, d.job.Key)
	default:
		e.attempts++
		if e.attempts >= r.opts.MaxAttempts {
			delete(r.pending, d.job.Key)
			exhausted = true
		} else {
			e.next = r.clock.Now().Add(r.backoff(e.attempts))
		}
	}
	remaining := len(r.pending)
	r.mu.Unlock()
	r.metrics.SetRetryQueue(remaining)

	if err != nil {
		r.logger.Warn("durable write failed",
			zap.String("key", d.job.Key), zap.Bool("exhausted", exhausted), zap.Error(err))
	}
	if exhausted && r.OnExhausted != nil {
		r.OnExhausted(d.job, err)
	}
	if err == nil && remaining == 0 && r.OnDrained != nil {
		r.OnDrained()
	}
}

// Start begins the retry loop.
func (r *Retrier) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
}

// Stop stops the retry loop.
func (r *Retrier) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Retrier) loop(ctx context.Context) {
	interval := r.opts.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RunDue(ctx)
		case <-ctx.Done():
			return
		}
	}
}
