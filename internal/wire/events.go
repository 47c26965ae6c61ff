package wire

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Inbound event names.
const (
	EventJoin              = "join"
	EventEnterConversation = "enterConversation"
	EventLeaveConversation = "leaveConversation"
	EventSendMessage       = "sendMessage"
	EventMarkRead          = "markRead"
	EventTypingStart       = "typingStart"
	EventTypingStop        = "typingStop"
	EventCallOffer         = "callOffer"
	EventCallAnswer        = "callAnswer"
	EventIceCandidate      = "iceCandidate"
	EventCallReject        = "callReject"
	EventCallEnd           = "callEnd"
	EventCallConnected     = "callConnected"
	EventCallMediaFailed   = "callMediaFailed"
	EventSync              = "sync"
	EventPing              = "ping"
)

// Outbound event names. callOffer, callAnswer, iceCandidate and
// callConnected reuse the inbound names.
const (
	EventJoined               = "joined"
	EventPresenceChanged      = "presenceChanged"
	EventMessageReceived      = "messageReceived"
	EventMessageAccepted      = "messageAccepted"
	EventMessageStatusChanged = "messageStatusChanged"
	EventViewingConversation  = "viewingConversation"
	EventLeftConversation     = "leftConversation"
	EventTypingChanged        = "typingChanged"
	EventCallRinging          = "callRinging"
	EventCallRejected         = "callRejected"
	EventCallEnded            = "callEnded"
	EventStatusAllMarkedRead  = "statusAllMarkedRead"
	EventSyncState            = "syncState"
	EventPong                 = "pong"
	EventError                = "error"
)

// Inbound is a parsed client event. The concrete type tells the
// dispatcher which component owns it.
type Inbound interface {
	Kind() string
}

type Join struct {
	UserID string `json:"userId"`
}

type EnterConversation struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type LeaveConversation struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// SendMessage carries an optional client-chosen id echoed back in
// messageAccepted so the client can swap its provisional entry.
type SendMessage struct {
	ClientMsgID    string `json:"clientMsgId,omitempty"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// MarkRead with no ids marks every unread message of the conversation.
type MarkRead struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type TypingStart struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type TypingStop struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// CallOffer is both the inbound request and the frame relayed to the callee.
type CallOffer struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
	CalleeID string `json:"calleeId"`
	Kind     string `json:"kind"`
	SDP      string `json:"sdpOffer"`
}

type CallAnswer struct {
	CallID string `json:"callId"`
	SDP    string `json:"sdpAnswer"`
}

type IceCandidate struct {
	CallID    string                  `json:"callId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type CallReject struct {
	CallID string `json:"callId"`
}

type CallEnd struct {
	CallID string `json:"callId"`
}

type CallConnected struct {
	CallID string `json:"callId"`
}

type CallMediaFailed struct {
	CallID string `json:"callId"`
	Detail string `json:"detail,omitempty"`
}

type Sync struct {
	ConversationID string `json:"conversationId"`
}

type Ping struct{}

func (Join) Kind() string              { return EventJoin }
func (EnterConversation) Kind() string { return EventEnterConversation }
func (LeaveConversation) Kind() string { return EventLeaveConversation }
func (SendMessage) Kind() string       { return EventSendMessage }
func (MarkRead) Kind() string          { return EventMarkRead }
func (TypingStart) Kind() string       { return EventTypingStart }
func (TypingStop) Kind() string        { return EventTypingStop }
func (CallOffer) Kind() string         { return EventCallOffer }
func (CallAnswer) Kind() string        { return EventCallAnswer }
func (IceCandidate) Kind() string      { return EventIceCandidate }
func (CallReject) Kind() string        { return EventCallReject }
func (CallEnd) Kind() string           { return EventCallEnd }
func (CallConnected) Kind() string     { return EventCallConnected }
func (CallMediaFailed) Kind() string   { return EventCallMediaFailed }
func (Sync) Kind() string              { return EventSync }
func (Ping) Kind() string              { return EventPing }

// Outbound payloads.

type Joined struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

type PresenceChanged struct {
	UserID     string     `json:"userId"`
	Status     string     `json:"status"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// MessageAccepted acknowledges a sendMessage with the authoritative envelope.
type MessageAccepted struct {
	ClientMsgID string `json:"clientMsgId,omitempty"`
	Message     any    `json:"message"`
}

type MessageStatusChanged struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
}

type ViewingConversation struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type LeftConversation struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type TypingChanged struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type CallRinging struct {
	CallID   string `json:"callId"`
	CalleeID string `json:"calleeId"`
	Kind     string `json:"kind"`
}

type CallRejected struct {
	CallID string `json:"callId"`
}

type CallEnded struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

type StatusAllMarkedRead struct {
	ConversationID string   `json:"conversationId"`
	ReaderID       string   `json:"readerId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

type SyncState struct {
	ConversationID string `json:"conversationId"`
	Unread         int    `json:"unread"`
	Messages       any    `json:"messages"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

type Pong struct {
	ServerTime time.Time `json:"serverTime"`
}
