// Package sync reconciles clients against durable state: catch-up
// delivery when a user connects and per-conversation status snapshots.
package sync

import (
	"context"
	"time"

	"github.com/matheus3301/convsync/internal/delivery"
	"github.com/matheus3301/convsync/internal/fanout"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/syncerr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultSnapshotLimit caps how many messages a snapshot carries.
const DefaultSnapshotLimit = 100

// Deliverer is the delivery state machine.
type Deliverer interface {
	Pending(ctx context.Context, receiverID string) ([]delivery.Envelope, error)
	Deliver(ctx context.Context, messageID string, target fanout.Target) (delivery.Envelope, error)
	Get(messageID string) (delivery.Envelope, bool)
}

// Store is the durable side of a snapshot.
type Store interface {
	FetchUnreadCount(ctx context.Context, userID, conversationID string) (int, error)
	ConversationStatuses(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
}

// StatusEntry is one message of a snapshot. Durable reports whether the
// status shown has been persisted.
type StatusEntry struct {
	MessageID  string          `json:"messageId"`
	SenderID   string          `json:"senderId"`
	ReceiverID string          `json:"receiverId"`
	Status     delivery.Status `json:"status"`
	Durable    bool            `json:"durable"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Snapshot is the reconciled state of one conversation for one user.
type Snapshot struct {
	ConversationID string
	Unread         int
	Messages       []StatusEntry
}

// Reconciler serves catch-up and snapshots.
type Reconciler struct {
	deliv  Deliverer
	store  Store
	limit  int
	group  singleflight.Group
	logger *zap.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(deliv Deliverer, st Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{deliv: deliv, store: st, limit: DefaultSnapshotLimit, logger: logger}
}

// CatchUp pushes every message still sent to the live sessions of userID
// and returns how many were delivered. Concurrent calls for the same user
// share one run, so two sessions connecting together cannot race each
// other through the same backlog.
func (r *Reconciler) CatchUp(ctx context.Context, userID string) (int, error) {
	v, err, shared := r.group.Do(userID, func() (any, error) {
		pending, err := r.deliv.Pending(ctx, userID)
		if err != nil {
			// Still deliver what the in-memory side knows about.
			r.logger.Warn("catch-up pending lookup", zap.String("user_id", userID), zap.Error(err))
		}
		delivered := 0
		for _, env := range pending {
			got, derr := r.deliv.Deliver(ctx, env.MessageID, fanout.ToUsers(userID))
			if derr != nil {
				r.logger.Warn("catch-up deliver",
					zap.String("user_id", userID), zap.String("message_id", env.MessageID), zap.Error(derr))
				continue
			}
			if got.Status > delivery.Sent {
				delivered++
			}
		}
		return delivered, err
	})
	n, _ := v.(int)
	if n > 0 {
		r.logger.Info("catch-up delivered",
			zap.String("user_id", userID), zap.Int("messages", n), zap.Bool("shared", shared))
	}
	return n, err
}

// Snapshot merges the durable statuses of a conversation with the
// in-memory state, newest message first. The in-memory status wins when
// it is ahead of the store.
func (r *Reconciler) Snapshot(ctx context.Context, userID, conversationID string) (Snapshot, error) {
	const op = "sync.snapshot"
	rows, err := r.store.ConversationStatuses(ctx, conversationID, r.limit)
	if err != nil {
		return Snapshot{}, syncerr.New(syncerr.PersistenceFailure, op, err)
	}
	unread, err := r.store.FetchUnreadCount(ctx, userID, conversationID)
	if err != nil {
		return Snapshot{}, syncerr.New(syncerr.PersistenceFailure, op, err)
	}

	snap := Snapshot{ConversationID: conversationID, Messages: make([]StatusEntry, 0, len(rows))}
	for _, m := range rows {
		e := StatusEntry{
			MessageID:  m.MessageID,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Status:     delivery.Status(m.Status),
			Durable:    true,
			CreatedAt:  time.UnixMilli(m.CreatedAt),
		}
		if env, ok := r.deliv.Get(m.MessageID); ok && env.Status > e.Status {
			if m.ReceiverID == userID && env.Status == delivery.Read {
				unread--
			}
			e.Status = env.Status
			e.Durable = env.Durable >= env.Status
		}
		snap.Messages = append(snap.Messages, e)
	}
	snap.Unread = max(unread, 0)
	return snap, nil
}
