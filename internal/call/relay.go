// Package call relays audio/video call signaling (offer, answer, ICE
// candidates) between the two parties of a call and tracks each call
// attempt through its state machine. Media never passes through here.
package call

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/fanout"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/syncerr"
	"github.com/matheus3301/convsync/internal/wire"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Party is the user and session an operation comes from.
type Party struct {
	UserID    string
	SessionID string
}

// OnlineChecker reports whether a user has a live session.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// Options bound the lifetime of calls.
type Options struct {
	RingTimeout     time.Duration
	DisconnectGrace time.Duration
	// Retention keeps terminal calls around so late signaling gets
	// invalid_transition instead of stale_session.
	Retention time.Duration
}

type pairKey [2]string

func pairOf(a, b string) pairKey {
	if a < b {
		return pairKey{a, b}
	}
	return pairKey{b, a}
}

type callSession struct {
	mu            sync.Mutex
	info          Info
	ringDeadline  time.Time
	graceDeadline time.Time
	graceUser     string
	toCallee      []webrtc.ICECandidateInit
	// fromCallee is keyed by callee session: only the answering device's
	// candidates reach the caller.
	fromCallee map[string][]webrtc.ICECandidateInit
}

func (c *callSession) snapshot() Info {
	info := c.info
	info.PendingCandidates = len(c.toCallee)
	for _, cands := range c.fromCallee {
		info.PendingCandidates += len(cands)
	}
	return info
}

// bound returns the session field of userID's side of the call.
func (c *callSession) bound(userID string) *string {
	if userID == c.info.CallerID {
		return &c.info.CallerSession
	}
	return &c.info.CalleeSession
}

func (c *callSession) clearGrace() {
	c.graceDeadline, c.graceUser = time.Time{}, ""
}

// Relay owns every call attempt. The maps are guarded by a short-held
// mutex; each call is serialized by its own lock. Lock order is call,
// then relay.
type Relay struct {
	online  OnlineChecker
	emit    fanout.Emitter
	bus     *bus.Bus
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options

	mu     sync.Mutex
	calls  map[string]*callSession
	pairs  map[pairKey]string
	byUser map[string]map[string]struct{}
	active atomic.Int64
}

// NewRelay creates a Relay.
func NewRelay(online OnlineChecker, emit fanout.Emitter, b *bus.Bus, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger, opts Options) *Relay {
	return &Relay{
		online: online, emit: emit, bus: b, clock: clk, metrics: m, logger: logger, opts: opts,
		calls:  make(map[string]*callSession),
		pairs:  make(map[pairKey]string),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (r *Relay) lookup(op, callID string) (*callSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return nil, syncerr.Errorf(syncerr.StaleSession, op, "unknown call %s", callID)
	}
	return c, nil
}

func invalid(op string, c *callSession, format string, args ...any) error {
	return syncerr.Errorf(syncerr.InvalidTransition, op, "call %s in state %s: "+format,
		append([]any{c.info.CallID, c.info.State}, args...)...)
}

// apply moves the call on e. Must hold c.mu.
func (r *Relay) apply(c *callSession, e Event, reason EndReason) bool {
	to, ok := next(c.info.State, e)
	if !ok {
		return false
	}
	from := c.info.State
	now := r.clock.Now()
	c.info.State = to
	switch {
	case to == StateRinging:
		r.active.Add(1)
	case to == StateConnected:
		c.info.ConnectedAt = now
	case to.Terminal():
		c.info.EndedAt = now
		c.info.Reason = reason
		c.toCallee, c.fromCallee = nil, nil
		if from != StateIdle {
			r.active.Add(-1)
			r.release(c)
		}
	}
	r.metrics.SetActiveCalls(int(r.active.Load()))
	info := c.snapshot()
	r.bus.Publish(bus.Event{Kind: bus.KindCallState, Payload: info})
	r.logger.Debug("call state changed",
		zap.String("call_id", info.CallID), zap.String("from", string(from)),
		zap.String("to", string(to)), zap.String("reason", string(reason)))
	return true
}

// release frees the caller/callee pair so a new call can start.
func (r *Relay) release(c *callSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pair := pairOf(c.info.CallerID, c.info.CalleeID)
	if r.pairs[pair] == c.info.CallID {
		delete(r.pairs, pair)
	}
}

func (r *Relay) remove(c *callSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, c.info.CallID)
	for _, u := range []string{c.info.CallerID, c.info.CalleeID} {
		if set := r.byUser[u]; set != nil {
			delete(set, c.info.CallID)
			if len(set) == 0 {
				delete(r.byUser, u)
			}
		}
	}
}

// target returns where frames for a party go: the bound session once
// known, every session of the user otherwise.
func (c *callSession) target(userID string) fanout.Target {
	if s := *c.bound(userID); s != "" {
		return fanout.ToSession(s)
	}
	return fanout.ToUsers(userID)
}

func (c *callSession) counterpart(userID string) string {
	if userID == c.info.CallerID {
		return c.info.CalleeID
	}
	return c.info.CallerID
}

func (r *Relay) ended(c *callSession, to fanout.Target, reason EndReason) {
	r.emit.Emit(fanout.Intent{
		Target:  to,
		Event:   wire.EventCallEnded,
		Payload: wire.CallEnded{CallID: c.info.CallID, Reason: string(reason)},
	})
}

// authorize checks that from is a party of the call and, once a session
// is bound for that party, that it is the bound one. A party whose bound
// session closed is rebound to the first of its sessions to signal; a
// ringing callee stays unbound until it answers.
func (r *Relay) authorize(op string, c *callSession, from Party) error {
	if from.UserID != c.info.CallerID && from.UserID != c.info.CalleeID {
		return invalid(op, c, "%s is not a party", from.UserID)
	}
	bound := c.bound(from.UserID)
	switch {
	case *bound == from.SessionID:
	case *bound != "":
		return invalid(op, c, "session %s is not the call's session", from.SessionID)
	case from.UserID == c.info.CallerID || c.info.State != StateRinging:
		*bound = from.SessionID
	}
	if c.graceUser == from.UserID {
		c.clearGrace()
	}
	return nil
}

// Offer starts a call from the caller's session. An unreachable callee
// fails the call with no_route and leaves the pair free.
func (r *Relay) Offer(from Party, o wire.CallOffer) error {
	const op = "call.offer"
	kind, err := ParseKind(o.Kind)
	if err != nil {
		return err
	}
	if err := ValidateSDP(webrtc.SDPTypeOffer, o.SDP); err != nil {
		return err
	}
	now := r.clock.Now()
	c := &callSession{info: Info{
		CallID:        o.CallID,
		CallerID:      from.UserID,
		CalleeID:      o.CalleeID,
		Kind:          kind,
		State:         StateIdle,
		CallerSession: from.SessionID,
		StartedAt:     now,
	}}
	c.mu.Lock()
	defer c.mu.Unlock()

	r.mu.Lock()
	if _, dup := r.calls[o.CallID]; dup {
		r.mu.Unlock()
		return syncerr.Errorf(syncerr.InvalidTransition, op, "call id %s already in use", o.CallID)
	}
	pair := pairOf(from.UserID, o.CalleeID)
	if busy, ok := r.pairs[pair]; ok {
		r.mu.Unlock()
		return syncerr.Errorf(syncerr.InvalidTransition, op, "call %s already active between %s and %s", busy, from.UserID, o.CalleeID)
	}
	if !r.online.IsOnline(o.CalleeID) {
		r.mu.Unlock()
		r.apply(c, EventNoRoute, ReasonNoRoute)
		r.ended(c, c.target(from.UserID), ReasonNoRoute)
		return nil
	}
	r.calls[o.CallID] = c
	r.pairs[pair] = o.CallID
	for _, u := range []string{from.UserID, o.CalleeID} {
		if r.byUser[u] == nil {
			r.byUser[u] = make(map[string]struct{})
		}
		r.byUser[u][o.CallID] = struct{}{}
	}
	r.mu.Unlock()

	r.apply(c, EventOffer, "")
	c.ringDeadline = now.Add(r.opts.RingTimeout)
	n := r.emit.Emit(fanout.Intent{
		Target: fanout.ToUsers(o.CalleeID),
		Event:  wire.EventCallOffer,
		Payload: wire.CallOffer{
			CallID: o.CallID, CallerID: from.UserID, CalleeID: o.CalleeID,
			Kind: string(kind), SDP: o.SDP,
		},
	})
	if n == 0 {
		r.apply(c, EventNoRoute, ReasonNoRoute)
		r.ended(c, c.target(from.UserID), ReasonNoRoute)
		return nil
	}
	r.emit.Emit(fanout.Intent{
		Target:  c.target(from.UserID),
		Event:   wire.EventCallRinging,
		Payload: wire.CallRinging{CallID: o.CallID, CalleeID: o.CalleeID, Kind: string(kind)},
	})
	return nil
}

// Answer accepts a ringing call. The first answering session wins; it is
// bound as the callee session and every other callee session is told the
// call was answered elsewhere. Buffered candidates are flushed in order.
func (r *Relay) Answer(from Party, a wire.CallAnswer) error {
	const op = "call.answer"
	c, err := r.lookup(op, a.CallID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if from.UserID != c.info.CalleeID {
		return invalid(op, c, "only the callee can answer")
	}
	if c.info.State != StateRinging {
		return invalid(op, c, "not ringing")
	}
	if err := ValidateSDP(webrtc.SDPTypeAnswer, a.SDP); err != nil {
		return err
	}

	r.apply(c, EventAnswer, "")
	c.info.CalleeSession = from.SessionID
	r.apply(c, EventNegotiate, "")

	r.emit.Emit(fanout.Intent{
		Target:  c.target(c.info.CallerID),
		Event:   wire.EventCallAnswer,
		Payload: wire.CallAnswer{CallID: c.info.CallID, SDP: a.SDP},
	})
	r.flush(c)
	r.ended(c, fanout.Target{Users: []string{c.info.CalleeID}, Except: from.SessionID}, ReasonAnsweredElsewhere)
	return nil
}

// flush relays buffered candidates now that both descriptions are set.
// Candidates from callee devices that did not answer are dropped. Must
// hold c.mu.
func (r *Relay) flush(c *callSession) {
	for _, cand := range c.toCallee {
		r.relayCandidate(c, c.info.CalleeID, cand)
	}
	for _, cand := range c.fromCallee[c.info.CalleeSession] {
		r.relayCandidate(c, c.info.CallerID, cand)
	}
	c.toCallee, c.fromCallee = nil, nil
}

func (r *Relay) relayCandidate(c *callSession, toUser string, cand webrtc.ICECandidateInit) {
	r.emit.Emit(fanout.Intent{
		Target:  c.target(toUser),
		Event:   wire.EventIceCandidate,
		Payload: wire.IceCandidate{CallID: c.info.CallID, Candidate: cand},
	})
}

// Candidate relays an ICE candidate, buffering it until the callee has
// answered.
func (r *Relay) Candidate(from Party, ic wire.IceCandidate) error {
	const op = "call.candidate"
	if err := ValidateCandidate(ic.Candidate); err != nil {
		return err
	}
	c, err := r.lookup(op, ic.CallID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info.State.Terminal() {
		return invalid(op, c, "call is over")
	}
	if err := r.authorize(op, c, from); err != nil {
		return err
	}
	toCallee := from.UserID == c.info.CallerID
	switch c.info.State {
	case StateRinging, StateAccepted:
		if toCallee {
			c.toCallee = append(c.toCallee, ic.Candidate)
			break
		}
		if c.fromCallee == nil {
			c.fromCallee = make(map[string][]webrtc.ICECandidateInit)
		}
		c.fromCallee[from.SessionID] = append(c.fromCallee[from.SessionID], ic.Candidate)
	default:
		r.relayCandidate(c, c.counterpart(from.UserID), ic.Candidate)
	}
	return nil
}

// Reject declines a ringing call.
func (r *Relay) Reject(from Party, callID string) error {
	const op = "call.reject"
	c, err := r.lookup(op, callID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if from.UserID != c.info.CalleeID {
		return invalid(op, c, "only the callee can reject")
	}
	if !r.apply(c, EventReject, ReasonRejected) {
		return invalid(op, c, "not ringing")
	}
	r.emit.Emit(fanout.Intent{
		Target:  c.target(c.info.CallerID),
		Event:   wire.EventCallRejected,
		Payload: wire.CallRejected{CallID: callID},
	})
	r.ended(c, fanout.Target{Users: []string{c.info.CalleeID}, Except: from.SessionID}, ReasonRejected)
	return nil
}

// End hangs up a ringing, connecting or connected call from either side.
func (r *Relay) End(from Party, callID string) error {
	const op = "call.end"
	c, err := r.lookup(op, callID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := r.authorize(op, c, from); err != nil {
		return err
	}
	other := c.target(c.counterpart(from.UserID))
	ringingCallee := from.UserID == c.info.CalleeID && c.info.CalleeSession == ""
	if !r.apply(c, EventHangup, ReasonHangup) {
		return invalid(op, c, "cannot hang up")
	}
	r.ended(c, other, ReasonHangup)
	if ringingCallee {
		r.ended(c, fanout.Target{Users: []string{c.info.CalleeID}, Except: from.SessionID}, ReasonHangup)
	}
	return nil
}

// Connected records that the media path is up.
func (r *Relay) Connected(from Party, callID string) error {
	const op = "call.connected"
	c, err := r.lookup(op, callID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := r.authorize(op, c, from); err != nil {
		return err
	}
	if c.info.State == StateConnected {
		// Both ends report; the second report is not an error.
		return nil
	}
	if !r.apply(c, EventConnect, "") {
		return invalid(op, c, "not connecting")
	}
	r.emit.Emit(fanout.Intent{
		Target:  c.target(c.counterpart(from.UserID)),
		Event:   wire.EventCallConnected,
		Payload: wire.CallConnected{CallID: callID},
	})
	return nil
}

// MediaFailed ends a call whose peers could not establish media. Both
// parties are told; nothing is retried.
func (r *Relay) MediaFailed(from Party, callID, detail string) error {
	const op = "call.media_failed"
	c, err := r.lookup(op, callID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := r.authorize(op, c, from); err != nil {
		return err
	}
	caller, callee := c.target(c.info.CallerID), c.target(c.info.CalleeID)
	if !r.apply(c, EventMediaFailed, ReasonMediaFailure) {
		return invalid(op, c, "no negotiation in progress")
	}
	r.logger.Info("call media negotiation failed",
		zap.String("call_id", callID), zap.String("reported_by", from.UserID), zap.String("detail", detail))
	r.ended(c, caller, ReasonMediaFailure)
	r.ended(c, callee, ReasonMediaFailure)
	return nil
}

func (r *Relay) callsOf(userID string) []*callSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := make([]*callSession, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		calls = append(calls, r.calls[id])
	}
	return calls
}

// SessionClosed unbinds calls from the closed session and, when the user
// has no session left, starts the disconnect grace window. Until one of
// the user's sessions signals again, their frames go to all of them.
func (r *Relay) SessionClosed(userID, sessionID string, stillOnline bool) {
	deadline := r.clock.Now().Add(r.opts.DisconnectGrace)
	for _, c := range r.callsOf(userID) {
		c.mu.Lock()
		if !c.info.State.Terminal() {
			if bound := c.bound(userID); *bound == sessionID {
				*bound = ""
			}
			if !stillOnline && c.graceDeadline.IsZero() {
				c.graceDeadline, c.graceUser = deadline, userID
			}
		}
		c.mu.Unlock()
	}
}

// SessionOpened cancels the grace window of userID's calls. The grace
// window moves to the counterpart if they are the one still away.
func (r *Relay) SessionOpened(userID string) {
	for _, c := range r.callsOf(userID) {
		c.mu.Lock()
		if c.graceUser == userID {
			r.recheckGrace(c)
		}
		c.mu.Unlock()
	}
}

// recheckGrace clears the grace window and restarts it for the
// counterpart when they are offline. Must hold c.mu.
func (r *Relay) recheckGrace(c *callSession) {
	other := c.counterpart(c.graceUser)
	c.clearGrace()
	if !c.info.State.Terminal() && !r.online.IsOnline(other) {
		c.graceDeadline, c.graceUser = r.clock.Now().Add(r.opts.DisconnectGrace), other
	}
}

// Sweep enforces ring timeouts and disconnect grace windows, and forgets
// terminal calls past retention. Returns how many calls it ended.
func (r *Relay) Sweep() int {
	r.mu.Lock()
	calls := make([]*callSession, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.Unlock()

	now := r.clock.Now()
	ended := 0
	for _, c := range calls {
		c.mu.Lock()
		switch {
		case c.info.State.Terminal():
			if !now.Before(c.info.EndedAt.Add(r.opts.Retention)) {
				r.remove(c)
			}
		case c.info.State == StateRinging && !now.Before(c.ringDeadline):
			caller, callee := c.target(c.info.CallerID), c.target(c.info.CalleeID)
			r.apply(c, EventTimeout, ReasonTimeout)
			r.ended(c, caller, ReasonTimeout)
			r.ended(c, callee, ReasonTimeout)
			ended++
		case !c.graceDeadline.IsZero() && !now.Before(c.graceDeadline) && r.online.IsOnline(c.graceUser):
			r.recheckGrace(c)
		case !c.graceDeadline.IsZero() && !now.Before(c.graceDeadline):
			gone := c.graceUser
			other := c.target(c.counterpart(gone))
			if r.apply(c, EventDisconnect, ReasonDisconnected) {
				r.ended(c, other, ReasonDisconnected)
				r.ended(c, fanout.ToUsers(gone), ReasonDisconnected)
				ended++
			}
		}
		c.mu.Unlock()
	}
	return ended
}

// Get returns a snapshot of a call.
func (r *Relay) Get(callID string) (Info, bool) {
	c, err := r.lookup("call.get", callID)
	if err != nil {
		return Info{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(), true
}

// Active lists calls that have not reached a terminal state.
func (r *Relay) Active() []Info {
	r.mu.Lock()
	calls := make([]*callSession, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.Unlock()

	var out []Info
	for _, c := range calls {
		c.mu.Lock()
		if !c.info.State.Terminal() {
			out = append(out, c.snapshot())
		}
		c.mu.Unlock()
	}
	return out
}
