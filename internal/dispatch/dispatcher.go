// Package dispatch is the inbound side of the core: it admits sessions,
// routes every parsed frame through one table keyed by event kind and
// cleans up after disconnects.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/call"
	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/conversation"
	"github.com/matheus3301/convsync/internal/delivery"
	"github.com/matheus3301/convsync/internal/fanout"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/pairing"
	"github.com/matheus3301/convsync/internal/presence"
	"github.com/matheus3301/convsync/internal/registry"
	"github.com/matheus3301/convsync/internal/status"
	intsync "github.com/matheus3301/convsync/internal/sync"
	"github.com/matheus3301/convsync/internal/syncerr"
	"github.com/matheus3301/convsync/internal/typing"
	"github.com/matheus3301/convsync/internal/viewership"
	"github.com/matheus3301/convsync/internal/wire"
	"go.uber.org/zap"
)

// Components are the parts of the core the dispatcher routes to. Pairing
// and Status may be nil.
type Components struct {
	Registry    *registry.Registry
	Emitter     fanout.Emitter
	Directory   *conversation.Directory
	Presence    *presence.Tracker
	Broadcaster *presence.Broadcaster
	Viewership  *viewership.Tracker
	Typing      *typing.Debouncer
	Delivery    *delivery.Machine
	Calls       *call.Relay
	Reconciler  *intsync.Reconciler
	Retrier     *outbox.Retrier
	Pairing     *pairing.Issuer
	Status      *status.Machine
	Bus         *bus.Bus
	Metrics     *metrics.Metrics
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Intervals drive the background sweeps. A zero interval disables that
// loop.
type Intervals struct {
	Presence  time.Duration
	Typing    time.Duration
	Calls     time.Duration
	Pairing   time.Duration
	Delivery  time.Duration
	Retention time.Duration // idle time before a settled message leaves memory
}

// SessionInfo is the bus payload for session events.
type SessionInfo struct {
	UserID    string
	SessionID string
}

type handler func(ctx context.Context, s *registry.Session, req wire.Request) error

// Dispatcher owns the inbound path.
type Dispatcher struct {
	Components
	iv       Intervals
	handlers map[string]handler
}

// New creates a Dispatcher and hooks it to the retrier's exhaustion and
// drain notifications.
func New(c Components, iv Intervals) *Dispatcher {
	d := &Dispatcher{Components: c, iv: iv}
	d.handlers = map[string]handler{
		wire.EventJoin:              d.join,
		wire.EventEnterConversation: d.enterConversation,
		wire.EventLeaveConversation: d.leaveConversation,
		wire.EventSendMessage:       d.sendMessage,
		wire.EventMarkRead:          d.markRead,
		wire.EventTypingStart:       d.typingStart,
		wire.EventTypingStop:        d.typingStop,
		wire.EventCallOffer:         d.callOffer,
		wire.EventCallAnswer:        d.callAnswer,
		wire.EventIceCandidate:      d.iceCandidate,
		wire.EventCallReject:        d.callReject,
		wire.EventCallEnd:           d.callEnd,
		wire.EventCallConnected:     d.callConnected,
		wire.EventCallMediaFailed:   d.callMediaFailed,
		wire.EventSync:              d.sync,
		wire.EventPing:              d.ping,
	}
	if c.Retrier != nil {
		c.Retrier.OnExhausted = d.persistExhausted
		c.Retrier.OnDrained = d.persistDrained
	}
	return d
}

// Connect admits a session for an already authenticated user. The first
// session of a user flips their presence to online; every new session
// receives the contacts' presence and the backlog of undelivered messages.
func (d *Dispatcher) Connect(ctx context.Context, userID string, conn registry.Conn) *registry.Session {
	s, first := d.Registry.Register(userID, uuid.NewString(), conn)
	d.Metrics.SetSessions(d.Registry.Count())
	d.Bus.Publish(bus.Event{Kind: bus.KindSessionRegistered, Payload: SessionInfo{userID, s.ID}})
	d.Logger.Info("session connected",
		zap.String("user_id", userID), zap.String("session_id", s.ID), zap.Bool("first", first))

	d.Emitter.Emit(fanout.Intent{
		Target:  fanout.ToSession(s.ID),
		Event:   wire.EventJoined,
		Payload: wire.Joined{UserID: userID, SessionID: s.ID},
	})
	if first {
		d.Broadcaster.Notify(ctx, userID)
	}
	d.Calls.SessionOpened(userID)
	d.sendContactPresence(ctx, s)
	d.catchUp(ctx, userID)
	return s
}

func (d *Dispatcher) sendContactPresence(ctx context.Context, s *registry.Session) {
	for _, c := range d.Directory.Contacts(ctx, s.UserID) {
		snap := d.Presence.Status(c)
		if snap.Status == presence.Offline {
			continue
		}
		p := wire.PresenceChanged{UserID: c, Status: string(snap.Status)}
		if !snap.LastSeenAt.IsZero() {
			seen := snap.LastSeenAt
			p.LastSeenAt = &seen
		}
		d.Emitter.Emit(fanout.Intent{Target: fanout.ToSession(s.ID), Event: wire.EventPresenceChanged, Payload: p})
	}
}

func (d *Dispatcher) catchUp(ctx context.Context, userID string) {
	if _, err := d.Reconciler.CatchUp(ctx, userID); err != nil {
		d.Logger.Warn("catch-up incomplete", zap.String("user_id", userID), zap.Error(err))
	}
}

// Disconnect releases everything a closed session owned: its typing
// states, and when it was the user's last session their viewership and
// online presence. Calls of a user left without sessions end after the
// grace window unless the user reconnects. Unknown ids are ignored.
func (d *Dispatcher) Disconnect(ctx context.Context, sessionID string) {
	s, last := d.Registry.Unregister(sessionID)
	if s == nil {
		return
	}
	d.Metrics.SetSessions(d.Registry.Count())
	d.Bus.Publish(bus.Event{Kind: bus.KindSessionUnregistered, Payload: SessionInfo{s.UserID, s.ID}})

	for _, ch := range d.Typing.ClearSession(s.UserID, s.ID) {
		d.typingChanged(ctx, ch)
	}
	if last {
		for _, conv := range d.Viewership.LeaveAll(s.UserID) {
			d.left(ctx, s.UserID, conv)
		}
		d.Presence.MarkSeen(s.UserID)
		d.Broadcaster.Notify(ctx, s.UserID)
	}
	d.Calls.SessionClosed(s.UserID, s.ID, !last)
	d.Logger.Info("session disconnected",
		zap.String("user_id", s.UserID), zap.String("session_id", s.ID), zap.Bool("last", last))
}

// Handle parses one inbound frame from s and routes it. Failures are
// reported to s alone; a bad frame never ends the session.
func (d *Dispatcher) Handle(ctx context.Context, s *registry.Session, frame []byte) {
	d.Registry.Touch(s.ID)
	req, err := wire.Parse(frame, s.UserID)
	if err == nil {
		d.Metrics.Inbound(req.Event)
		err = d.handlers[req.Event](ctx, s, req)
	}
	if err != nil {
		d.fail(s, req, err)
	}
}

func (d *Dispatcher) fail(s *registry.Session, req wire.Request, err error) {
	code := syncerr.CodeOf(err)
	if code == "" {
		code = "internal"
	}
	d.Metrics.Error(string(code))
	fields := []zap.Field{
		zap.String("session_id", s.ID), zap.String("user_id", s.UserID),
		zap.String("event", req.Event), zap.Error(err),
	}
	if syncerr.Silent(err) {
		d.Logger.Debug("event dropped", fields...)
		return
	}
	if code == syncerr.InvalidTransition || code == syncerr.MalformedPayload {
		d.Logger.Info("event rejected", fields...)
	} else {
		d.Logger.Warn("event failed", fields...)
	}
	d.Emitter.Emit(fanout.Intent{
		Target:  fanout.ToSession(s.ID),
		Event:   wire.EventError,
		ID:      req.ID,
		Payload: wire.Error{Code: string(code), Message: err.Error(), Event: req.Event},
	})
}

// persistExhausted runs when a message write gave up: the daemon is
// degraded and the sender learns the message may not survive a restart.
func (d *Dispatcher) persistExhausted(job outbox.Job, err error) {
	if d.Status != nil && d.Status.Degrade("durable writes failing: "+err.Error()) {
		d.Logger.Warn("daemon degraded: durable writes failing", zap.Error(err))
	}
	d.Emitter.Emit(fanout.Intent{
		Target: fanout.ToUsers(job.Owner),
		Event:  wire.EventError,
		Payload: wire.Error{
			Code:    string(syncerr.PersistenceFailure),
			Message: "message " + job.Key + " could not be stored: " + err.Error(),
			Event:   wire.EventSendMessage,
		},
	})
}

func (d *Dispatcher) persistDrained() {
	if d.Status != nil && d.Status.Recover() {
		d.Logger.Info("daemon recovered: retry queue drained")
	}
}
