package dispatch

import (
	"context"
	"slices"

	"github.com/matheus3301/convsync/internal/call"
	"github.com/matheus3301/convsync/internal/delivery"
	"github.com/matheus3301/convsync/internal/fanout"
	"github.com/matheus3301/convsync/internal/registry"
	"github.com/matheus3301/convsync/internal/syncerr"
	"github.com/matheus3301/convsync/internal/typing"
	"github.com/matheus3301/convsync/internal/wire"
	"go.uber.org/zap"
)

func party(s *registry.Session) call.Party {
	return call.Party{UserID: s.UserID, SessionID: s.ID}
}

// member checks that userID may act in conversationID. Until its first
// message a conversation has no participants and anyone may view it.
func (d *Dispatcher) member(ctx context.Context, op, conversationID, userID string) error {
	parts := d.Directory.Participants(ctx, conversationID)
	if len(parts) > 0 && !slices.Contains(parts, userID) {
		return syncerr.Errorf(syncerr.InvalidTransition, op, "%s is not a participant of %s", userID, conversationID)
	}
	return nil
}

// admit checks that a message from senderID to receiverID fits
// conversationID and records both as participants. A conversation is
// opened by its first message and is between those two users from then on.
func (d *Dispatcher) admit(ctx context.Context, conversationID, senderID, receiverID string) error {
	parts := d.Directory.Participants(ctx, conversationID)
	members := slices.Clone(parts)
	for _, u := range []string{senderID, receiverID} {
		if !slices.Contains(members, u) {
			members = append(members, u)
		}
	}
	if len(members) > 2 {
		return syncerr.Errorf(syncerr.InvalidTransition, "dispatch.send",
			"%s is between %v", conversationID, parts)
	}
	if len(members) > len(parts) {
		d.joinDirectory(ctx, conversationID, senderID, receiverID)
	}
	return nil
}

// joinDirectory records membership. A failed durable write is logged:
// the in-memory directory already has the members.
func (d *Dispatcher) joinDirectory(ctx context.Context, conversationID string, userIDs ...string) {
	if err := d.Directory.Join(ctx, conversationID, userIDs...); err != nil {
		d.Logger.Warn("store conversation members", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (d *Dispatcher) toOthers(ctx context.Context, conversationID, userID, event string, payload any) int {
	return d.Emitter.Emit(fanout.Intent{
		Target:  fanout.ToUsers(d.Directory.Others(ctx, conversationID, userID)...),
		Event:   event,
		Payload: payload,
	})
}

func (d *Dispatcher) left(ctx context.Context, userID, conversationID string) {
	d.toOthers(ctx, conversationID, userID, wire.EventLeftConversation,
		wire.LeftConversation{UserID: userID, ConversationID: conversationID})
}

func (d *Dispatcher) typingChanged(ctx context.Context, ch typing.Change) {
	d.toOthers(ctx, ch.ConversationID, ch.UserID, wire.EventTypingChanged,
		wire.TypingChanged{UserID: ch.UserID, ConversationID: ch.ConversationID, IsTyping: ch.IsTyping})
}

func (d *Dispatcher) allMarkedRead(ctx context.Context, readerID, conversationID string, ids []string) {
	d.Emitter.Emit(fanout.Intent{
		Target: fanout.ToUsers(d.Directory.Participants(ctx, conversationID)...),
		Event:  wire.EventStatusAllMarkedRead,
		Payload: wire.StatusAllMarkedRead{
			ConversationID: conversationID,
			ReaderID:       readerID,
			MessageIDs:     ids,
		},
	})
}

func (d *Dispatcher) join(ctx context.Context, s *registry.Session, req wire.Request) error {
	d.Emitter.Emit(fanout.Intent{
		Target:  fanout.ToSession(s.ID),
		Event:   wire.EventJoined,
		ID:      req.ID,
		Payload: wire.Joined{UserID: s.UserID, SessionID: s.ID},
	})
	d.catchUp(ctx, s.UserID)
	return nil
}

// enterConversation is the only trigger of bulk read promotion.
func (d *Dispatcher) enterConversation(ctx context.Context, s *registry.Session, req wire.Request) error {
	p := req.Payload.(*wire.EnterConversation)
	if err := d.member(ctx, "dispatch.enter", p.ConversationID, s.UserID); err != nil {
		return err
	}
	d.Viewership.Enter(s.UserID, p.ConversationID)
	d.toOthers(ctx, p.ConversationID, s.UserID, wire.EventViewingConversation,
		wire.ViewingConversation{UserID: s.UserID, ConversationID: p.ConversationID})

	marked, err := d.Delivery.MarkRead(ctx, s.UserID, p.ConversationID, nil)
	if err != nil {
		return err
	}
	if len(marked) > 0 {
		d.allMarkedRead(ctx, s.UserID, p.ConversationID, marked)
	}

	// Bring the new viewer up to date on who is typing.
	for _, st := range d.Typing.Active(p.ConversationID) {
		if st.UserID == s.UserID {
			continue
		}
		d.Emitter.Emit(fanout.Intent{
			Target:  fanout.ToSession(s.ID),
			Event:   wire.EventTypingChanged,
			Payload: wire.TypingChanged{UserID: st.UserID, ConversationID: st.ConversationID, IsTyping: true},
		})
	}
	return nil
}

func (d *Dispatcher) leaveConversation(ctx context.Context, s *registry.Session, req wire.Request) error {
	p := req.Payload.(*wire.LeaveConversation)
	if d.Viewership.Leave(s.UserID, p.ConversationID) {
		d.left(ctx, s.UserID, p.ConversationID)
	}
	return nil
}

// sendMessage accepts the message, acknowledges it to the sender's
// sessions and pushes it to the receiver.
func (d *Dispatcher) sendMessage(ctx context.Context, s *registry.Session, req wire.Request) error {
	p := req.Payload.(*wire.SendMessage)
	if err := d.admit(ctx, p.ConversationID, p.SenderID, p.ReceiverID); err != nil {
		return err
	}

	env := d.Delivery.Submit(ctx, delivery.Envelope{
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		Content:        p.Content,
	})
	ack := wire.MessageAccepted{ClientMsgID: p.ClientMsgID, Message: env}
	d.Emitter.Emit(fanout.Intent{Target: fanout.ToSession(s.ID), Event: wire.EventMessageAccepted, ID: req.ID, Payload: ack})
	d.Emitter.Emit(fanout.Intent{
		Target:  fanout.Target{Users: []string{p.SenderID}, Except: s.ID},
		Event:   wire.EventMessageAccepted,
		Payload: ack,
	})

	if d.Typing.Stop(p.SenderID, p.ConversationID) {
		d.typingChanged(ctx, typing.Change{UserID: p.SenderID, ConversationID: p.ConversationID})
	}

	_, err := d.Delivery.Deliver(ctx, env.MessageID, fanout.Target{})
	return err
}

func (d *Dispatcher) markRead(ctx context.Context, s *registry.Session, req wire.Request) error {
	p := req.Payload.(*wire.MarkRead)
	marked, err := d.Delivery.MarkRead(ctx, s.UserID, p.ConversationID, p.MessageIDs)
	if err != nil {
		return err
	}
	if len(p.MessageIDs) == 0 && len(marked) > 0 {
		d.allMarkedRead(ctx, s.UserID, p.ConversationID, marked)
	}
	return nil
}

// typingStart also ends viewership of any other conversation: typing
// somewhere else means the user moved on.
func (d *Dispatcher) typingStart(ctx context.Context, s *registry.Session, req wire.Request) error {
	p := req.Payload.(*wire.TypingStart)
	if err := d.member(ctx, "dispatch.typing", p.ConversationID, s.UserID); err != nil {
		return err
	}
	for _, conv := range d.Viewership.LeaveOthers(s.UserID, p.ConversationID) {
		d.left(ctx, s.UserID, conv)
	}
	if d.Typing.Start(s.UserID, p.ConversationID, s.ID) {
		d.typingChanged(ctx, typing.Change{UserID: s.UserID, ConversationID: p.ConversationID, IsTyping: true})
	}
	return nil
}

func (d *Dispatcher) typingStop(ctx context.Context, s *registry.Session, req wire.Request) error {
	p := req.Payload.(*wire.TypingStop)
	if d.Typing.Stop(s.UserID, p.ConversationID) {
		d.typingChanged(ctx, typing.Change{UserID: s.UserID, ConversationID: p.ConversationID})
	}
	return nil
}

func (d *Dispatcher) callOffer(_ context.Context, s *registry.Session, req wire.Request) error {
	return d.Calls.Offer(party(s), *req.Payload.(*wire.CallOffer))
}

func (d *Dispatcher) callAnswer(_ context.Context, s *registry.Session, req wire.Request) error {
	return d.Calls.Answer(party(s), *req.Payload.(*wire.CallAnswer))
}

func (d *Dispatcher) iceCandidate(_ context.Context, s *registry.Session, req wire.Request) error {
	return d.Calls.Candidate(party(s), *req.Payload.(*wire.IceCandidate))
}

func (d *Dispatcher) callReject(_ context.Context, s *registry.Session, req wire.Request) error {
	return d.Calls.Reject(party(s), req.Payload.(*wire.CallReject).CallID)
}

func (d *Dispatcher) callEnd(_ context.Context, s *registry.Session, req wire.Request) error {
	return d.Calls.End(party(s), req.Payload.(*wire.CallEnd).CallID)
}

func (d *Dispatcher) callConnected(_ context.Context, s *registry.Session, req wire.Request) error {
	return d.Calls.Connected(party(s), req.Payload.(*wire.CallConnected).CallID)
}

func (d *Dispatcher) callMediaFailed(_ context.Context, s *registry.Session, req wire.Request) error {
	p := req.Payload.(*wire.CallMediaFailed)
	return d.Calls.MediaFailed(party(s), p.CallID, p.Detail)
}

func (d *Dispatcher) sync(ctx context.Context, s *registry.Session, req wire.Request) error {
	p := req.Payload.(*wire.Sync)
	if !d.Directory.IsParticipant(ctx, p.ConversationID, s.UserID) {
		return syncerr.Errorf(syncerr.InvalidTransition, "dispatch.sync",
			"%s is not a participant of %s", s.UserID, p.ConversationID)
	}
	snap, err := d.Reconciler.Snapshot(ctx, s.UserID, p.ConversationID)
	if err != nil {
		return err
	}
	d.Emitter.Emit(fanout.Intent{
		Target: fanout.ToSession(s.ID),
		Event:  wire.EventSyncState,
		ID:     req.ID,
		Payload: wire.SyncState{
			ConversationID: snap.ConversationID,
			Unread:         snap.Unread,
			Messages:       snap.Messages,
		},
	})
	return nil
}

func (d *Dispatcher) ping(_ context.Context, s *registry.Session, req wire.Request) error {
	d.Emitter.Emit(fanout.Intent{
		Target:  fanout.ToSession(s.ID),
		Event:   wire.EventPong,
		ID:      req.ID,
		Payload: wire.Pong{ServerTime: d.Clock.Now()},
	})
	return nil
}
