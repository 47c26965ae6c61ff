package wire

import (
	"encoding/json"
	"testing"

	"github.com/matheus3301/convsync/internal/syncerr"
)

func TestParseFillsIdentity(t *testing.T) {
	req, err := Parse([]byte(`{"event":"typingStart","id":"r1","data":{"conversationId":"c1"}}`), "alice")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if req.ID != "r1" || req.Event != EventTypingStart {
		t.Errorf("req = %+v", req)
	}
	ts, ok := req.Payload.(*TypingStart)
	if !ok {
		t.Fatalf("payload type = %T", req.Payload)
	}
	if ts.UserID != "alice" || ts.ConversationID != "c1" {
		t.Errorf("payload = %+v", ts)
	}
}

func TestParseDispatchesEveryEvent(t *testing.T) {
	tests := []struct {
		frame string
		kind  string
	}{
		{`{"event":"join"}`, EventJoin},
		{`{"event":"enterConversation","data":{"conversationId":"c"}}`, EventEnterConversation},
		{`{"event":"leaveConversation","data":{"conversationId":"c"}}`, EventLeaveConversation},
		{`{"event":"sendMessage","data":{"receiverId":"bob","conversationId":"c","content":"hi"}}`, EventSendMessage},
		{`{"event":"markRead","data":{"conversationId":"c","messageIds":[]}}`, EventMarkRead},
		{`{"event":"typingStop","data":{"conversationId":"c"}}`, EventTypingStop},
		{`{"event":"callOffer","data":{"callId":"k","calleeId":"bob","kind":"video","sdpOffer":"v=0"}}`, EventCallOffer},
		{`{"event":"callAnswer","data":{"callId":"k","sdpAnswer":"v=0"}}`, EventCallAnswer},
		{`{"event":"iceCandidate","data":{"callId":"k","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 1 typ host"}}}`, EventIceCandidate},
		{`{"event":"callReject","data":{"callId":"k"}}`, EventCallReject},
		{`{"event":"callEnd","data":{"callId":"k"}}`, EventCallEnd},
		{`{"event":"callConnected","data":{"callId":"k"}}`, EventCallConnected},
		{`{"event":"callMediaFailed","data":{"callId":"k"}}`, EventCallMediaFailed},
		{`{"event":"sync","data":{"conversationId":"c"}}`, EventSync},
		{`{"event":"ping","data":null}`, EventPing},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			req, err := Parse([]byte(tt.frame), "alice")
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if req.Payload.Kind() != tt.kind {
				t.Errorf("Kind() = %q, want %q", req.Payload.Kind(), tt.kind)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{"event":`},
		{"unknown event", `{"event":"teleport"}`},
		{"bad payload type", `{"event":"markRead","data":{"conversationId":7}}`},
		{"missing conversation", `{"event":"typingStart","data":{}}`},
		{"impersonation", `{"event":"typingStart","data":{"userId":"mallory","conversationId":"c"}}`},
		{"message to self", `{"event":"sendMessage","data":{"receiverId":"alice","conversationId":"c"}}`},
		{"call self", `{"event":"callOffer","data":{"callId":"k","calleeId":"alice","sdpOffer":"v=0"}}`},
		{"answer without sdp", `{"event":"callAnswer","data":{"callId":"k"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.frame), "alice")
			if !syncerr.HasCode(err, syncerr.MalformedPayload) {
				t.Errorf("Parse() error = %v, want malformed_payload", err)
			}
		})
	}
}

func TestParseKeepsRequestIDOnFailure(t *testing.T) {
	req, err := Parse([]byte(`{"event":"callEnd","id":"r9","data":{}}`), "alice")
	if err == nil {
		t.Fatal("expected error")
	}
	if req.ID != "r9" {
		t.Errorf("req.ID = %q, want r9", req.ID)
	}
}

func TestEncode(t *testing.T) {
	frame, err := Encode(EventTypingChanged, "", TypingChanged{UserID: "alice", ConversationID: "c1", IsTyping: true})
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Event string         `json:"event"`
		ID    string         `json:"id"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatal(err)
	}
	if got.Event != "typingChanged" || got.ID != "" {
		t.Errorf("frame = %s", frame)
	}
	if got.Data["isTyping"] != true || got.Data["userId"] != "alice" {
		t.Errorf("data = %v", got.Data)
	}
}
