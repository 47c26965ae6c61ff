package call

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/fanout"
	"github.com/matheus3301/convsync/internal/registry"
	"github.com/matheus3301/convsync/internal/syncerr"
	"github.com/matheus3301/convsync/internal/wire"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	testSDP  = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	testCand = "candidate:1 1 udp 2130706431 192.168.1.2 54321 typ host"
)

type client struct {
	mu     sync.Mutex
	frames []wire.Frame
}

func (c *client) Send(b []byte) error {
	var f wire.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *client) Close() error { return nil }

func (c *client) all(event string) []wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Frame
	for _, f := range c.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (c *client) endedReasons() []string {
	var out []string
	for _, f := range c.all(wire.EventCallEnded) {
		var p wire.CallEnded
		_ = json.Unmarshal(f.Data, &p)
		out = append(out, p.Reason)
	}
	return out
}

type env struct {
	t     *testing.T
	reg   *registry.Registry
	relay *Relay
	clock *clock.FakeClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC))
	reg := registry.New(clk)
	f := fanout.New(reg, nil, nil, zap.NewNop())
	relay := NewRelay(reg, f, nil, clk, nil, zap.NewNop(), Options{
		RingTimeout:     35 * time.Second,
		DisconnectGrace: 5 * time.Second,
		Retention:       time.Minute,
	})
	return &env{t: t, reg: reg, relay: relay, clock: clk}
}

func (e *env) connect(user, session string) *client {
	c := &client{}
	e.reg.Register(user, session, c)
	return c
}

func (e *env) offer(callID string, from Party, callee, kind string) error {
	return e.relay.Offer(from, wire.CallOffer{CallID: callID, CalleeID: callee, Kind: kind, SDP: testSDP})
}

func (e *env) state(callID string) State {
	info, ok := e.relay.Get(callID)
	if !ok {
		e.t.Fatalf("call %s not found", callID)
	}
	return info.State
}

func candidate(n string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: testCand, SDPMid: &n}
}

var (
	alice1 = Party{"alice", "a1"}
	bob1   = Party{"bob", "b1"}
	bob2   = Party{"bob", "b2"}
)

func TestOfferAnswerFlushesBufferedCandidates(t *testing.T) {
	e := newEnv(t)
	a1 := e.connect("alice", "a1")
	b1 := e.connect("bob", "b1")
	b2 := e.connect("bob", "b2")

	if err := e.offer("k1", alice1, "bob", "video"); err != nil {
		t.Fatal(err)
	}
	if len(b1.all(wire.EventCallOffer)) != 1 || len(b2.all(wire.EventCallOffer)) != 1 {
		t.Fatal("every callee device should ring")
	}
	if len(a1.all(wire.EventCallRinging)) != 1 {
		t.Error("caller should get callRinging")
	}

	for _, mid := range []string{"0", "1", "2"} {
		if err := e.relay.Candidate(alice1, wire.IceCandidate{CallID: "k1", Candidate: candidate(mid)}); err != nil {
			t.Fatal(err)
		}
	}
	if info, _ := e.relay.Get("k1"); info.PendingCandidates != 3 {
		t.Errorf("PendingCandidates = %d, want 3", info.PendingCandidates)
	}
	if len(b2.all(wire.EventIceCandidate)) != 0 {
		t.Fatal("candidates relayed before answer")
	}

	if err := e.relay.Answer(bob2, wire.CallAnswer{CallID: "k1", SDP: testSDP}); err != nil {
		t.Fatal(err)
	}
	if e.state("k1") != StateConnecting {
		t.Errorf("state = %s, want connecting", e.state("k1"))
	}
	if len(a1.all(wire.EventCallAnswer)) != 1 {
		t.Error("caller should get the answer")
	}

	got := b2.all(wire.EventIceCandidate)
	if len(got) != 3 {
		t.Fatalf("flushed %d candidates, want 3", len(got))
	}
	for i, f := range got {
		var p wire.IceCandidate
		_ = json.Unmarshal(f.Data, &p)
		if p.Candidate.SDPMid == nil || *p.Candidate.SDPMid != []string{"0", "1", "2"}[i] {
			t.Errorf("candidate %d out of order: %+v", i, p.Candidate)
		}
	}
	if len(b1.all(wire.EventIceCandidate)) != 0 {
		t.Error("losing device received candidates")
	}
	if r := b1.endedReasons(); len(r) != 1 || r[0] != "answered_elsewhere" {
		t.Errorf("other callee device ended reasons = %v", r)
	}
	if info, _ := e.relay.Get("k1"); info.PendingCandidates != 0 {
		t.Error("buffer not cleared after flush")
	}

	// After negotiation candidates flow directly.
	if err := e.relay.Candidate(bob2, wire.IceCandidate{CallID: "k1", Candidate: candidate("9")}); err != nil {
		t.Fatal(err)
	}
	if len(a1.all(wire.EventIceCandidate)) != 1 {
		t.Error("callee candidate not relayed to caller")
	}

	if err := e.relay.Connected(alice1, "k1"); err != nil {
		t.Fatal(err)
	}
	if e.state("k1") != StateConnected || len(b2.all(wire.EventCallConnected)) != 1 {
		t.Error("connected not applied or not relayed")
	}
	if err := e.relay.Connected(bob2, "k1"); err != nil {
		t.Errorf("second connected report should be accepted: %v", err)
	}

	if err := e.relay.End(bob2, "k1"); err != nil {
		t.Fatal(err)
	}
	if r := a1.endedReasons(); len(r) != 1 || r[0] != "hangup" {
		t.Errorf("caller ended reasons = %v", r)
	}
	if e.state("k1") != StateEnded {
		t.Errorf("state = %s, want ended", e.state("k1"))
	}
}

// First accept wins; a second device answering gets invalid_transition
// and cannot take part in signaling.
func TestSecondAnswerRejected(t *testing.T) {
	e := newEnv(t)
	e.connect("alice", "a1")
	e.connect("bob", "b1")
	e.connect("bob", "b2")
	_ = e.offer("k1", alice1, "bob", "audio")

	if err := e.relay.Answer(bob1, wire.CallAnswer{CallID: "k1", SDP: testSDP}); err != nil {
		t.Fatal(err)
	}
	err := e.relay.Answer(bob2, wire.CallAnswer{CallID: "k1", SDP: testSDP})
	if !syncerr.HasCode(err, syncerr.InvalidTransition) {
		t.Errorf("second answer error = %v, want invalid_transition", err)
	}
	err = e.relay.Candidate(bob2, wire.IceCandidate{CallID: "k1", Candidate: candidate("0")})
	if !syncerr.HasCode(err, syncerr.InvalidTransition) {
		t.Errorf("candidate from losing device error = %v, want invalid_transition", err)
	}
	if info, _ := e.relay.Get("k1"); info.CalleeSession != "b1" {
		t.Errorf("bound callee session = %q, want b1", info.CalleeSession)
	}
}

func TestOfferToOfflineCallee(t *testing.T) {
	e := newEnv(t)
	a1 := e.connect("alice", "a1")

	if err := e.offer("k1", alice1, "bob", "audio"); err != nil {
		t.Fatal(err)
	}
	if r := a1.endedReasons(); len(r) != 1 || r[0] != "no_route" {
		t.Errorf("ended reasons = %v, want [no_route]", r)
	}
	if _, ok := e.relay.Get("k1"); ok {
		t.Error("failed call should not be tracked")
	}

	e.connect("bob", "b1")
	if err := e.offer("k2", alice1, "bob", "audio"); err != nil {
		t.Errorf("offer after callee came online: %v", err)
	}
}

// Scenario: bob never answers a video call; both sides get
// callEnded{timeout} and an immediate retry succeeds.
func TestRingTimeoutFreesPair(t *testing.T) {
	e := newEnv(t)
	a1 := e.connect("alice", "a1")
	b1 := e.connect("bob", "b1")
	_ = e.offer("k1", alice1, "bob", "video")

	e.clock.Advance(34 * time.Second)
	if n := e.relay.Sweep(); n != 0 {
		t.Fatalf("ended %d calls before ring timeout", n)
	}
	e.clock.Advance(time.Second)
	if n := e.relay.Sweep(); n != 1 {
		t.Fatalf("Sweep ended %d, want 1", n)
	}
	if e.state("k1") != StateTimedOut {
		t.Errorf("state = %s, want timed_out", e.state("k1"))
	}
	for name, c := range map[string]*client{"caller": a1, "callee": b1} {
		if r := c.endedReasons(); len(r) != 1 || r[0] != "timeout" {
			t.Errorf("%s ended reasons = %v, want [timeout]", name, r)
		}
	}

	if err := e.offer("k2", alice1, "bob", "video"); err != nil {
		t.Errorf("retry after timeout: %v", err)
	}
}

func TestPairBusy(t *testing.T) {
	e := newEnv(t)
	e.connect("alice", "a1")
	e.connect("bob", "b1")
	_ = e.offer("k1", alice1, "bob", "audio")

	if err := e.offer("k2", alice1, "bob", "audio"); !syncerr.HasCode(err, syncerr.InvalidTransition) {
		t.Errorf("second offer error = %v, want invalid_transition", err)
	}
	if err := e.offer("k3", bob1, "alice", "audio"); !syncerr.HasCode(err, syncerr.InvalidTransition) {
		t.Errorf("reverse offer error = %v, want invalid_transition", err)
	}
	if err := e.offer("k1", Party{"carol", "c1"}, "bob", "audio"); !syncerr.HasCode(err, syncerr.InvalidTransition) {
		t.Errorf("reused call id error = %v, want invalid_transition", err)
	}
}

func TestInvalidAndStaleOperations(t *testing.T) {
	e := newEnv(t)
	e.connect("alice", "a1")
	e.connect("bob", "b1")
	_ = e.offer("k1", alice1, "bob", "audio")

	tests := []struct {
		name string
		err  error
		code syncerr.Code
	}{
		{"answer unknown", e.relay.Answer(bob1, wire.CallAnswer{CallID: "nope", SDP: testSDP}), syncerr.StaleSession},
		{"caller answers", e.relay.Answer(alice1, wire.CallAnswer{CallID: "k1", SDP: testSDP}), syncerr.InvalidTransition},
		{"caller rejects", e.relay.Reject(alice1, "k1"), syncerr.InvalidTransition},
		{"stranger ends", e.relay.End(Party{"carol", "c1"}, "k1"), syncerr.InvalidTransition},
		{"connected while ringing", e.relay.Connected(alice1, "k1"), syncerr.InvalidTransition},
	}
	for _, tt := range tests {
		if !syncerr.HasCode(tt.err, tt.code) {
			t.Errorf("%s: error = %v, want %s", tt.name, tt.err, tt.code)
		}
	}
	if e.state("k1") != StateRinging {
		t.Errorf("rejected operations mutated state: %s", e.state("k1"))
	}

	_ = e.relay.Reject(bob1, "k1")
	if err := e.relay.End(alice1, "k1"); !syncerr.HasCode(err, syncerr.InvalidTransition) {
		t.Errorf("end after reject error = %v, want invalid_transition", err)
	}

	e.clock.Advance(2 * time.Minute)
	e.relay.Sweep()
	if err := e.relay.End(alice1, "k1"); !syncerr.HasCode(err, syncerr.StaleSession) {
		t.Errorf("end after retention error = %v, want stale_session", err)
	}
}

func TestRejectNotifiesCallerAndOtherDevices(t *testing.T) {
	e := newEnv(t)
	a1 := e.connect("alice", "a1")
	e.connect("bob", "b1")
	b2 := e.connect("bob", "b2")
	_ = e.offer("k1", alice1, "bob", "audio")

	if err := e.relay.Reject(bob1, "k1"); err != nil {
		t.Fatal(err)
	}
	if len(a1.all(wire.EventCallRejected)) != 1 {
		t.Error("caller should get callRejected")
	}
	if r := b2.endedReasons(); len(r) != 1 || r[0] != "rejected" {
		t.Errorf("other device ended reasons = %v", r)
	}
	if e.state("k1") != StateRejected {
		t.Errorf("state = %s", e.state("k1"))
	}
}

func TestMediaFailureReportedToBoth(t *testing.T) {
	e := newEnv(t)
	a1 := e.connect("alice", "a1")
	b1 := e.connect("bob", "b1")
	_ = e.offer("k1", alice1, "bob", "video")
	_ = e.relay.Answer(bob1, wire.CallAnswer{CallID: "k1", SDP: testSDP})

	if err := e.relay.MediaFailed(bob1, "k1", "ice failed"); err != nil {
		t.Fatal(err)
	}
	for name, c := range map[string]*client{"caller": a1, "callee": b1} {
		if r := c.endedReasons(); len(r) != 1 || r[0] != "media_negotiation_failure" {
			t.Errorf("%s ended reasons = %v", name, r)
		}
	}
	if e.state("k1") != StateFailed {
		t.Errorf("state = %s, want failed", e.state("k1"))
	}
}

func TestDisconnectEndsAfterGrace(t *testing.T) {
	e := newEnv(t)
	e.connect("alice", "a1")
	b1 := e.connect("bob", "b1")
	_ = e.offer("k1", alice1, "bob", "audio")
	_ = e.relay.Answer(bob1, wire.CallAnswer{CallID: "k1", SDP: testSDP})

	e.reg.Unregister("a1")
	e.relay.SessionClosed("alice", "a1", false)

	e.clock.Advance(4 * time.Second)
	if n := e.relay.Sweep(); n != 0 {
		t.Fatal("call ended inside the grace window")
	}
	e.clock.Advance(time.Second)
	if n := e.relay.Sweep(); n != 1 {
		t.Fatal("call not ended after grace")
	}
	if r := b1.endedReasons(); len(r) != 1 || r[0] != "disconnected" {
		t.Errorf("callee ended reasons = %v", r)
	}
}

func TestReconnectWithinGraceRebinds(t *testing.T) {
	e := newEnv(t)
	e.connect("alice", "a1")
	b1 := e.connect("bob", "b1")
	_ = e.offer("k1", alice1, "bob", "audio")
	_ = e.relay.Answer(bob1, wire.CallAnswer{CallID: "k1", SDP: testSDP})

	e.reg.Unregister("a1")
	e.relay.SessionClosed("alice", "a1", false)
	e.connect("alice", "a2")

	if err := e.relay.Candidate(Party{"alice", "a2"}, wire.IceCandidate{CallID: "k1", Candidate: candidate("0")}); err != nil {
		t.Fatalf("candidate from reconnected session: %v", err)
	}
	if len(b1.all(wire.EventIceCandidate)) != 1 {
		t.Error("candidate not relayed after rebind")
	}
	e.clock.Advance(time.Minute)
	e.relay.Sweep()
	if e.state("k1") != StateConnecting {
		t.Errorf("state = %s, want connecting", e.state("k1"))
	}
}

func mids(t *testing.T, c *client) []string {
	t.Helper()
	var out []string
	for _, f := range c.all(wire.EventIceCandidate) {
		var p wire.IceCandidate
		if err := json.Unmarshal(f.Data, &p); err != nil {
			t.Fatal(err)
		}
		if p.Candidate.SDPMid != nil {
			out = append(out, *p.Candidate.SDPMid)
		}
	}
	return out
}

func TestOnlyAnsweringDeviceCandidatesReachCaller(t *testing.T) {
	e := newEnv(t)
	a1 := e.connect("alice", "a1")
	e.connect("bob", "b1")
	e.connect("bob", "b2")
	_ = e.offer("k1", alice1, "bob", "video")

	for _, c := range []struct {
		from Party
		mid  string
	}{{bob1, "b1-0"}, {bob2, "b2-0"}, {bob1, "b1-1"}} {
		if err := e.relay.Candidate(c.from, wire.IceCandidate{CallID: "k1", Candidate: candidate(c.mid)}); err != nil {
			t.Fatal(err)
		}
	}
	if info, _ := e.relay.Get("k1"); info.PendingCandidates != 3 {
		t.Errorf("PendingCandidates = %d, want 3", info.PendingCandidates)
	}

	if err := e.relay.Answer(bob1, wire.CallAnswer{CallID: "k1", SDP: testSDP}); err != nil {
		t.Fatal(err)
	}
	got := mids(t, a1)
	if len(got) != 2 || got[0] != "b1-0" || got[1] != "b1-1" {
		t.Errorf("caller candidates = %v, want [b1-0 b1-1]", got)
	}
	if err := e.relay.Candidate(bob2, wire.IceCandidate{CallID: "k1", Candidate: candidate("b2-1")}); !syncerr.HasCode(err, syncerr.InvalidTransition) {
		t.Errorf("losing device candidate error = %v", err)
	}
}

func connectedCall(t *testing.T, e *env) *client {
	t.Helper()
	b1 := e.connect("bob", "b1")
	if err := e.offer("k1", alice1, "bob", "audio"); err != nil {
		t.Fatal(err)
	}
	if err := e.relay.Answer(bob1, wire.CallAnswer{CallID: "k1", SDP: testSDP}); err != nil {
		t.Fatal(err)
	}
	if err := e.relay.Connected(alice1, "k1"); err != nil {
		t.Fatal(err)
	}
	return b1
}

func TestReconnectWithoutSignalingKeepsCall(t *testing.T) {
	e := newEnv(t)
	e.connect("alice", "a1")
	connectedCall(t, e)

	e.reg.Unregister("a1")
	e.relay.SessionClosed("alice", "a1", false)
	a2 := e.connect("alice", "a2")
	e.relay.SessionOpened("alice")

	e.clock.Advance(10 * time.Second)
	if n := e.relay.Sweep(); n != 0 || e.state("k1") != StateConnected {
		t.Fatalf("state = %s after reconnect, want connected", e.state("k1"))
	}

	// Frames for alice reach the new session while it is unbound.
	if err := e.relay.End(bob1, "k1"); err != nil {
		t.Fatal(err)
	}
	if r := a2.endedReasons(); len(r) != 1 || r[0] != "hangup" {
		t.Errorf("reconnected session ended reasons = %v", r)
	}
}

func TestGraceSweepSeesReconnectedUser(t *testing.T) {
	e := newEnv(t)
	e.connect("alice", "a1")
	connectedCall(t, e)

	e.reg.Unregister("a1")
	e.relay.SessionClosed("alice", "a1", false)
	e.connect("alice", "a2")

	e.clock.Advance(10 * time.Second)
	if n := e.relay.Sweep(); n != 0 || e.state("k1") != StateConnected {
		t.Fatalf("state = %s, want connected", e.state("k1"))
	}
}

func TestOtherDeviceKeepsCallAlive(t *testing.T) {
	e := newEnv(t)
	e.connect("alice", "a1")
	e.connect("alice", "a9")
	b1 := connectedCall(t, e)

	e.reg.Unregister("a1")
	e.relay.SessionClosed("alice", "a1", true)
	e.clock.Advance(10 * time.Second)
	if n := e.relay.Sweep(); n != 0 || e.state("k1") != StateConnected {
		t.Fatalf("state = %s with a9 online, want connected", e.state("k1"))
	}

	a9 := Party{"alice", "a9"}
	if err := e.relay.Candidate(a9, wire.IceCandidate{CallID: "k1", Candidate: candidate("0")}); err != nil {
		t.Fatalf("candidate from remaining device: %v", err)
	}
	if len(b1.all(wire.EventIceCandidate)) != 1 {
		t.Error("candidate not relayed")
	}
	if info, _ := e.relay.Get("k1"); info.CallerSession != "a9" {
		t.Errorf("CallerSession = %q, want a9", info.CallerSession)
	}
}

func TestBothPartiesAwayEndsCall(t *testing.T) {
	e := newEnv(t)
	e.connect("alice", "a1")
	connectedCall(t, e)

	e.reg.Unregister("a1")
	e.relay.SessionClosed("alice", "a1", false)
	e.reg.Unregister("b1")
	e.relay.SessionClosed("bob", "b1", false)
	e.connect("alice", "a2")
	e.relay.SessionOpened("alice")

	e.clock.Advance(5 * time.Second)
	if n := e.relay.Sweep(); n != 1 {
		t.Fatalf("ended %d calls, want 1", n)
	}
	if info, _ := e.relay.Get("k1"); info.Reason != ReasonDisconnected {
		t.Errorf("reason = %s", info.Reason)
	}
}

func TestRingingCalleeLosingLastSession(t *testing.T) {
	e := newEnv(t)
	a1 := e.connect("alice", "a1")
	e.connect("bob", "b1")
	e.connect("bob", "b2")
	_ = e.offer("k1", alice1, "bob", "audio")

	e.reg.Unregister("b1")
	e.relay.SessionClosed("bob", "b1", true)
	e.clock.Advance(10 * time.Second)
	e.relay.Sweep()
	if e.state("k1") != StateRinging {
		t.Fatal("call ended while another callee device is still ringing")
	}

	e.reg.Unregister("b2")
	e.relay.SessionClosed("bob", "b2", false)
	e.clock.Advance(5 * time.Second)
	e.relay.Sweep()
	if r := a1.endedReasons(); len(r) != 1 || r[0] != "disconnected" {
		t.Errorf("caller ended reasons = %v", r)
	}
}

func TestMalformedSignaling(t *testing.T) {
	e := newEnv(t)
	e.connect("alice", "a1")
	e.connect("bob", "b1")

	err := e.relay.Offer(alice1, wire.CallOffer{CallID: "k1", CalleeID: "bob", Kind: "hologram", SDP: testSDP})
	if !syncerr.HasCode(err, syncerr.MalformedPayload) {
		t.Errorf("bad kind error = %v", err)
	}
	err = e.relay.Offer(alice1, wire.CallOffer{CallID: "k1", CalleeID: "bob", Kind: "audio", SDP: "not sdp"})
	if !syncerr.HasCode(err, syncerr.MalformedPayload) {
		t.Errorf("bad sdp error = %v", err)
	}
	if _, ok := e.relay.Get("k1"); ok {
		t.Fatal("malformed offer created a call")
	}

	_ = e.offer("k1", alice1, "bob", "audio")
	err = e.relay.Candidate(alice1, wire.IceCandidate{CallID: "k1", Candidate: webrtc.ICECandidateInit{Candidate: "candidate:garbage"}})
	if !syncerr.HasCode(err, syncerr.MalformedPayload) {
		t.Errorf("bad candidate error = %v", err)
	}
	// End-of-candidates marker is accepted.
	if err := e.relay.Candidate(alice1, wire.IceCandidate{CallID: "k1"}); err != nil {
		t.Errorf("end-of-candidates error = %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		to   State
		ok   bool
	}{
		{StateIdle, EventOffer, StateRinging, true},
		{StateIdle, EventNoRoute, StateFailed, true},
		{StateRinging, EventAnswer, StateAccepted, true},
		{StateAccepted, EventNegotiate, StateConnecting, true},
		{StateConnecting, EventConnect, StateConnected, true},
		{StateConnected, EventHangup, StateEnded, true},
		{StateRinging, EventReject, StateRejected, true},
		{StateRinging, EventTimeout, StateTimedOut, true},
		{StateConnected, EventAnswer, "", false},
		{StateEnded, EventHangup, "", false},
		{StateRejected, EventAnswer, "", false},
	}
	for _, tt := range tests {
		to, ok := next(tt.from, tt.ev)
		if ok != tt.ok || to != tt.to {
			t.Errorf("next(%s, %s) = %s, %v; want %s, %v", tt.from, tt.ev, to, ok, tt.to, tt.ok)
		}
	}
}
