// Package wire is the JSON framing of the session channel. Every frame is
// {"event": name, "id": request id, "data": payload}.
package wire

import (
	"encoding/json"
	"strings"

	"github.com/matheus3301/convsync/internal/syncerr"
)

// Frame is an inbound frame before its payload is decoded.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Request is a decoded inbound frame.
type Request struct {
	ID      string
	Event   string
	Payload Inbound
}

type outFrame struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Encode renders an outbound frame. id echoes the request id when the
// frame answers a specific request.
func Encode(event, id string, payload any) ([]byte, error) {
	return json.Marshal(outFrame{Event: event, ID: id, Data: payload})
}

var decoders = map[string]func() Inbound{
	EventJoin:              func() Inbound { return &Join{} },
	EventEnterConversation: func() Inbound { return &EnterConversation{} },
	EventLeaveConversation: func() Inbound { return &LeaveConversation{} },
	EventSendMessage:       func() Inbound { return &SendMessage{} },
	EventMarkRead:          func() Inbound { return &MarkRead{} },
	EventTypingStart:       func() Inbound { return &TypingStart{} },
	EventTypingStop:        func() Inbound { return &TypingStop{} },
	EventCallOffer:         func() Inbound { return &CallOffer{} },
	EventCallAnswer:        func() Inbound { return &CallAnswer{} },
	EventIceCandidate:      func() Inbound { return &IceCandidate{} },
	EventCallReject:        func() Inbound { return &CallReject{} },
	EventCallEnd:           func() Inbound { return &CallEnd{} },
	EventCallConnected:     func() Inbound { return &CallConnected{} },
	EventCallMediaFailed:   func() Inbound { return &CallMediaFailed{} },
	EventSync:              func() Inbound { return &Sync{} },
	EventPing:              func() Inbound { return &Ping{} },
}

// Parse decodes and validates a frame sent by a session of userID. The
// payload is a pointer to one of the inbound types (*Join, *SendMessage...).
// Identity fields may be omitted and are filled with userID; when present
// they must match it. Failures carry syncerr.MalformedPayload and the
// partially filled Request so the caller can echo the request id.
func Parse(frame []byte, userID string) (Request, error) {
	const op = "wire.parse"
	var f Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Request{}, syncerr.New(syncerr.MalformedPayload, op, err)
	}
	req := Request{ID: f.ID, Event: f.Event}
	newPayload, ok := decoders[f.Event]
	if !ok {
		return req, syncerr.Errorf(syncerr.MalformedPayload, op, "unknown event %q", f.Event)
	}
	ptr := newPayload()
	if len(f.Data) > 0 && string(f.Data) != "null" {
		if err := json.Unmarshal(f.Data, ptr); err != nil {
			return req, syncerr.New(syncerr.MalformedPayload, op, err)
		}
	}
	if err := validate(ptr, userID); err != nil {
		return req, syncerr.New(syncerr.MalformedPayload, op+"."+f.Event, err)
	}
	req.Payload = ptr
	return req, nil
}

type fieldError string

func (e fieldError) Error() string { return string(e) }

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fieldError(name + " is required")
	}
	return nil
}

// own fills an omitted identity field and rejects one naming another user.
func own(name string, field *string, userID string) error {
	if *field == "" {
		*field = userID
		return nil
	}
	if *field != userID {
		return fieldError(name + " does not match the session user")
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// validate checks the decoded payload in place.
func validate(p Inbound, userID string) error {
	switch v := p.(type) {
	case *Join:
		return own("userId", &v.UserID, userID)
	case *EnterConversation:
		return firstErr(own("userId", &v.UserID, userID), required("conversationId", v.ConversationID))
	case *LeaveConversation:
		return firstErr(own("userId", &v.UserID, userID), required("conversationId", v.ConversationID))
	case *SendMessage:
		err := firstErr(own("senderId", &v.SenderID, userID), required("receiverId", v.ReceiverID), required("conversationId", v.ConversationID))
		if err == nil && v.ReceiverID == v.SenderID {
			err = fieldError("receiverId must differ from senderId")
		}
		return err
	case *MarkRead:
		return required("conversationId", v.ConversationID)
	case *TypingStart:
		return firstErr(own("userId", &v.UserID, userID), required("conversationId", v.ConversationID))
	case *TypingStop:
		return firstErr(own("userId", &v.UserID, userID), required("conversationId", v.ConversationID))
	case *CallOffer:
		err := firstErr(own("callerId", &v.CallerID, userID), required("callId", v.CallID), required("calleeId", v.CalleeID), required("sdpOffer", v.SDP))
		if err == nil && v.CalleeID == v.CallerID {
			err = fieldError("calleeId must differ from callerId")
		}
		return err
	case *CallAnswer:
		return firstErr(required("callId", v.CallID), required("sdpAnswer", v.SDP))
	case *IceCandidate:
		return required("callId", v.CallID)
	case *CallReject:
		return required("callId", v.CallID)
	case *CallEnd:
		return required("callId", v.CallID)
	case *CallConnected:
		return required("callId", v.CallID)
	case *CallMediaFailed:
		return required("callId", v.CallID)
	case *Sync:
		return required("conversationId", v.ConversationID)
	case *Ping:
		return nil
	}
	return fieldError("unsupported payload")
}
