package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run drives the sweeps that enforce timeouts no client is trusted to
// report: typing expiry, ring timeouts and disconnect grace, presence
// decay, pairing code expiry and eviction of settled messages. It returns
// when ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	every := func(interval time.Duration, fn func(context.Context)) {
		if interval <= 0 {
			return
		}
		g.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					fn(ctx)
				}
			}
		})
	}
	every(d.iv.Typing, d.sweepTyping)
	every(d.iv.Calls, d.sweepCalls)
	every(d.iv.Presence, d.sweepPresence)
	every(d.iv.Pairing, d.sweepPairing)
	every(d.iv.Delivery, d.sweepDelivery)
	return g.Wait()
}

// Tick runs every sweep once.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.sweepTyping(ctx)
	d.sweepCalls(ctx)
	d.sweepPresence(ctx)
	d.sweepPairing(ctx)
	d.sweepDelivery(ctx)
}

func (d *Dispatcher) sweepTyping(ctx context.Context) {
	for _, ch := range d.Typing.Sweep() {
		d.typingChanged(ctx, ch)
	}
}

func (d *Dispatcher) sweepCalls(context.Context) {
	if n := d.Calls.Sweep(); n > 0 {
		d.Logger.Debug("calls ended by sweep", zap.Int("count", n))
	}
}

func (d *Dispatcher) sweepPresence(ctx context.Context) {
	d.Broadcaster.Sweep(ctx)
}

func (d *Dispatcher) sweepPairing(context.Context) {
	if d.Pairing != nil {
		d.Pairing.Sweep()
	}
}

func (d *Dispatcher) sweepDelivery(context.Context) {
	if d.iv.Retention <= 0 {
		return
	}
	if n := d.Delivery.Sweep(d.iv.Retention); n > 0 {
		d.Logger.Debug("settled messages evicted", zap.Int("count", n))
	}
}
