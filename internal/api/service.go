package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/call"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/pairing"
	"github.com/matheus3301/convsync/internal/presence"
	"github.com/matheus3301/convsync/internal/registry"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/syncerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const watchBuffer = 256

// Counter reports durable row totals.
type Counter interface {
	Counts(ctx context.Context) (store.Counts, error)
}

// Deps are the components the admin service reads from. Pairing may be nil
// when pairing codes are disabled, Store when no totals are wanted.
type Deps struct {
	Instance string
	Machine  *status.Machine
	Registry *registry.Registry
	Presence *presence.Tracker
	Calls    *call.Relay
	Retrier  *outbox.Retrier
	Pairing  *pairing.Issuer
	Bus      *bus.Bus
	Store    Counter
}

// Service implements AdminServer.
type Service struct {
	Deps
	startedAt time.Time
}

// NewService creates the admin service.
func NewService(d Deps) *Service {
	return &Service{Deps: d, startedAt: time.Now()}
}

// StatusReply is the GetStatus result.
type StatusReply struct {
	Instance      string        `json:"instance"`
	Status        status.State  `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	Since         time.Time     `json:"since"`
	UptimeMs      int64         `json:"uptimeMs"`
	Sessions      int           `json:"sessions"`
	Users         int           `json:"users"`
	ActiveCalls   int           `json:"activeCalls"`
	RetryQueue    int           `json:"retryQueue"`
	PairingCodes  int           `json:"pairingCodes"`
	DroppedEvents uint64        `json:"droppedEvents"`
	Store         *store.Counts `json:"store,omitempty"`
}

// PresenceReply is the GetPresence result.
type PresenceReply struct {
	presence.Snapshot
	Sessions int `json:"sessions"`
}

// SessionInfo describes one live session.
type SessionInfo struct {
	SessionID      string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// SessionsReply is the ListSessions result.
type SessionsReply struct {
	Sessions []SessionInfo `json:"sessions"`
}

// CallsReply is the GetCall result. A call id selects one call; without
// one every active call is listed.
type CallsReply struct {
	Calls []call.Info `json:"calls"`
}

// WatchedEvent is one item of the WatchEvents stream.
type WatchedEvent struct {
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

func (s *Service) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	reply := StatusReply{
		Instance:      s.Instance,
		Status:        s.Machine.Current(),
		Reason:        s.Machine.Reason(),
		Since:         s.Machine.Since(),
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
		Sessions:      s.Registry.Count(),
		Users:         len(s.Registry.Users()),
		ActiveCalls:   len(s.Calls.Active()),
		RetryQueue:    s.Retrier.Pending(),
		DroppedEvents: s.Bus.Dropped(),
	}
	if s.Pairing != nil {
		reply.PairingCodes = s.Pairing.Outstanding()
	}
	if s.Store != nil {
		counts, err := s.Store.Counts(ctx)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Unavailable, "store: %v", err)
		}
		reply.Store = &counts
	}
	return toStruct(reply)
}

func (s *Service) GetPresence(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireField(req, "userId")
	if err != nil {
		return nil, err
	}
	return toStruct(PresenceReply{
		Snapshot: s.Presence.Status(user),
		Sessions: len(s.Registry.SessionsFor(user)),
	})
}

func (s *Service) ListSessions(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	users := s.Registry.Users()
	if user := field(req, "userId"); user != "" {
		users = []string{user}
	}
	reply := SessionsReply{Sessions: []SessionInfo{}}
	for _, u := range users {
		for _, sess := range s.Registry.SessionsFor(u) {
			reply.Sessions = append(reply.Sessions, SessionInfo{
				SessionID:      sess.ID,
				UserID:         sess.UserID,
				ConnectedAt:    sess.ConnectedAt,
				LastActivityAt: sess.LastActivityAt(),
			})
		}
	}
	sort.Slice(reply.Sessions, func(i, j int) bool {
		a, b := reply.Sessions[i], reply.Sessions[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.ConnectedAt.Before(b.ConnectedAt)
	})
	return toStruct(reply)
}

func (s *Service) GetCall(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := field(req, "callId")
	if id == "" {
		return toStruct(CallsReply{Calls: s.Calls.Active()})
	}
	info, ok := s.Calls.Get(id)
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "call %q not found", id)
	}
	return toStruct(CallsReply{Calls: []call.Info{info}})
}

func (s *Service) IssuePairingCode(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.Pairing == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "pairing codes are disabled")
	}
	user, err := requireField(req, "userId")
	if err != nil {
		return nil, err
	}
	code, err := s.Pairing.Issue(user)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(code)
}

func (s *Service) WatchEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.Bus.SubscribeAny(watchBuffer, prefixes(field(req, "prefix"))...)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := toStruct(WatchedEvent{Kind: evt.Kind, At: evt.Timestamp, Payload: evt.Payload})
			if err != nil {
				// Payloads that do not encode are sent without them.
				msg, _ = toStruct(WatchedEvent{Kind: evt.Kind, At: evt.Timestamp})
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// prefixes splits a comma-separated prefix list, e.g. "call.,presence.".
func prefixes(list string) []string {
	var out []string
	for p := range strings.SplitSeq(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func field(req *structpb.Struct, name string) string {
	if req == nil {
		return ""
	}
	return req.GetFields()[name].GetStringValue()
}

func requireField(req *structpb.Struct, name string) (string, error) {
	v := field(req, name)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return v, nil
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

// fromStruct decodes a Struct into a typed reply.
func fromStruct(in *structpb.Struct, v any) error {
	b, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

func toStatus(err error) error {
	switch syncerr.CodeOf(err) {
	case syncerr.MalformedPayload:
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case syncerr.InvalidTransition:
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case syncerr.UnreachableUser:
		return grpcstatus.Error(codes.NotFound, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
