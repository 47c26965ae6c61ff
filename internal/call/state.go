package call

import "time"

// State is the lifecycle state of a call attempt.
type State string

const (
	StateIdle       State = "idle"
	StateRinging    State = "ringing"
	StateAccepted   State = "accepted"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateRejected   State = "rejected"
	StateTimedOut   State = "timed_out"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateTimedOut, StateFailed:
		return true
	}
	return false
}

// Event drives a transition.
type Event string

const (
	EventOffer       Event = "offer"
	EventNoRoute     Event = "no_route"
	EventAnswer      Event = "answer"
	EventNegotiate   Event = "negotiate"
	EventConnect     Event = "connect"
	EventReject      Event = "reject"
	EventHangup      Event = "hangup"
	EventTimeout     Event = "timeout"
	EventMediaFailed Event = "media_failed"
	EventDisconnect  Event = "disconnect"
)

type stateEvent struct {
	state State
	event Event
}

var transitions = map[stateEvent]State{
	{StateIdle, EventOffer}:             StateRinging,
	{StateIdle, EventNoRoute}:           StateFailed,
	{StateRinging, EventNoRoute}:        StateFailed,
	{StateRinging, EventAnswer}:         StateAccepted,
	{StateRinging, EventReject}:         StateRejected,
	{StateRinging, EventHangup}:         StateEnded,
	{StateRinging, EventTimeout}:        StateTimedOut,
	{StateRinging, EventDisconnect}:     StateEnded,
	{StateAccepted, EventNegotiate}:     StateConnecting,
	{StateConnecting, EventConnect}:     StateConnected,
	{StateConnecting, EventHangup}:      StateEnded,
	{StateConnecting, EventMediaFailed}: StateFailed,
	{StateConnecting, EventDisconnect}:  StateEnded,
	{StateConnected, EventHangup}:       StateEnded,
	{StateConnected, EventMediaFailed}:  StateFailed,
	{StateConnected, EventDisconnect}:   StateEnded,
}

// next returns the state reached from s on e.
func next(s State, e Event) (State, bool) {
	to, ok := transitions[stateEvent{s, e}]
	return to, ok
}

// Kind is the media kind of a call.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// EndReason explains why a call reached a terminal state.
type EndReason string

const (
	ReasonHangup            EndReason = "hangup"
	ReasonRejected          EndReason = "rejected"
	ReasonTimeout           EndReason = "timeout"
	ReasonNoRoute           EndReason = "no_route"
	ReasonDisconnected      EndReason = "disconnected"
	ReasonMediaFailure      EndReason = "media_negotiation_failure"
	ReasonAnsweredElsewhere EndReason = "answered_elsewhere"
)

// Info is a snapshot of a call.
type Info struct {
	CallID            string    `json:"callId"`
	CallerID          string    `json:"callerId"`
	CalleeID          string    `json:"calleeId"`
	Kind              Kind      `json:"kind"`
	State             State     `json:"state"`
	Reason            EndReason `json:"reason,omitempty"`
	CallerSession     string    `json:"callerSession"`
	CalleeSession     string    `json:"calleeSession,omitempty"`
	PendingCandidates int       `json:"pendingCandidates"`
	StartedAt         time.Time `json:"startedAt"`
	ConnectedAt       time.Time `json:"connectedAt,omitzero"`
	EndedAt           time.Time `json:"endedAt,omitzero"`
}
