// Package fanout resolves delivery intents against the session registry
// and pushes encoded frames to every targeted live connection.
package fanout

import (
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/registry"
	"github.com/matheus3301/convsync/internal/wire"
	"go.uber.org/zap"
)

// Target selects sessions: every session of Users plus the listed
// Sessions, minus Except.
type Target struct {
	Users    []string
	Sessions []string
	Except   string
}

// ToUsers targets every live session of the given users.
func ToUsers(users ...string) Target { return Target{Users: users} }

// ToSession targets a single session.
func ToSession(id string) Target { return Target{Sessions: []string{id}} }

// Intent is a request to deliver one event to a set of sessions. ID echoes
// the request id when the frame answers a request.
type Intent struct {
	Target
	Event   string
	ID      string
	Payload any
}

// Emitter delivers intents. Components depend on this rather than on the
// registry so they never touch sessions directly.
type Emitter interface {
	Emit(in Intent) int
}

// Fanout is the registry-backed Emitter.
type Fanout struct {
	reg     *registry.Registry
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a Fanout.
func New(reg *registry.Registry, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Fanout {
	return &Fanout{reg: reg, bus: b, metrics: m, logger: logger}
}

// Emit encodes the intent once and queues it on every targeted session.
// It returns how many sessions accepted the frame. Sends never block: a
// full or closed session is skipped.
func (f *Fanout) Emit(in Intent) int {
	frame, err := wire.Encode(in.Event, in.ID, in.Payload)
	if err != nil {
		f.logger.Error("encode outbound frame", zap.String("event", in.Event), zap.Error(err))
		return 0
	}

	seen := make(map[string]struct{})
	reached := 0
	send := func(s *registry.Session) {
		if s.ID == in.Except {
			return
		}
		if _, dup := seen[s.ID]; dup {
			return
		}
		seen[s.ID] = struct{}{}
		if err := s.Send(frame); err != nil {
			f.metrics.DroppedFrame()
			f.logger.Debug("frame not queued",
				zap.String("event", in.Event), zap.String("session_id", s.ID), zap.Error(err))
			return
		}
		reached++
	}

	for _, id := range in.Sessions {
		if s, ok := f.reg.Session(id); ok {
			send(s)
		}
	}
	for _, u := range in.Users {
		for _, s := range f.reg.SessionsFor(u) {
			send(s)
		}
	}

	f.metrics.Outbound(in.Event, reached)
	f.bus.Publish(bus.Event{Kind: bus.KindOutboundPrefix + in.Event, Payload: in})
	return reached
}
