// Package delivery advances messages through sent, delivered and read.
// Transitions are forward-only and applied under a per-message lock;
// persistence happens after the optimistic broadcast and is retried on
// failure.
package delivery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/fanout"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/shard"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/syncerr"
	"github.com/matheus3301/convsync/internal/wire"
	"go.uber.org/zap"
)

// Store is the durable message store.
type Store interface {
	PersistMessage(ctx context.Context, m *store.Message) error
	UpdateMessageStatus(ctx context.Context, messageID string, status int) (bool, error)
	LoadMessage(ctx context.Context, messageID string) (*store.Message, error)
	PendingFor(ctx context.Context, receiverID string) ([]store.Message, error)
	UnreadIDs(ctx context.Context, receiverID, conversationID string) ([]string, error)
}

// Retrier re-runs failed durable writes.
type Retrier interface {
	Submit(job outbox.Job)
}

// Viewing reports whether a user has a conversation open.
type Viewing interface {
	IsViewing(userID, conversationID string) bool
}

type entry struct {
	mu        sync.Mutex
	env       Envelope
	changedAt time.Time
	evicted   bool
}

type entryBucket struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type openBucket struct {
	mu sync.Mutex
	// receiver -> message id -> conversation id, for messages not yet read
	byReceiver map[string]map[string]string
}

// Machine owns the status of every message it has seen.
type Machine struct {
	store   Store
	retrier Retrier
	viewing Viewing
	emit    fanout.Emitter
	bus     *bus.Bus
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	entries [shard.Count]entryBucket
	open    [shard.Count]openBucket
}

// NewMachine creates a Machine.
func NewMachine(st Store, retrier Retrier, viewing Viewing, emit fanout.Emitter, b *bus.Bus, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Machine {
	mc := &Machine{
		store: st, retrier: retrier, viewing: viewing, emit: emit,
		bus: b, clock: clk, metrics: m, logger: logger,
	}
	for i := range mc.entries {
		mc.entries[i].entries = make(map[string]*entry)
		mc.open[i].byReceiver = make(map[string]map[string]string)
	}
	return mc
}

func (m *Machine) bucket(id string) *entryBucket {
	return &m.entries[shard.Of(id)]
}

func (m *Machine) markOpen(env Envelope) {
	b := &m.open[shard.Of(env.ReceiverID)]
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.byReceiver[env.ReceiverID]
	if !ok {
		set = make(map[string]string)
		b.byReceiver[env.ReceiverID] = set
	}
	set[env.MessageID] = env.ConversationID
}

func (m *Machine) markClosed(receiverID, messageID string) {
	b := &m.open[shard.Of(receiverID)]
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.byReceiver[receiverID]
	delete(set, messageID)
	if len(set) == 0 {
		delete(b.byReceiver, receiverID)
	}
}

func (m *Machine) openIDs(receiverID, conversationID string) []string {
	b := &m.open[shard.Of(receiverID)]
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, conv := range b.byReceiver[receiverID] {
		if conversationID == "" || conv == conversationID {
			ids = append(ids, id)
		}
	}
	return ids
}

// insert adds env unless an entry already exists; the existing one wins.
func (m *Machine) insert(env Envelope) *entry {
	b := m.bucket(env.MessageID)
	b.mu.Lock()
	if e, ok := b.entries[env.MessageID]; ok {
		b.mu.Unlock()
		return e
	}
	e := &entry{env: env, changedAt: m.clock.Now()}
	b.entries[env.MessageID] = e
	b.mu.Unlock()
	if env.Status < Read {
		m.markOpen(env)
	}
	return e
}

// lookup returns the entry for id, loading it from the store when it is
// not in memory.
func (m *Machine) lookup(ctx context.Context, id string) (*entry, error) {
	b := m.bucket(id)
	b.mu.RLock()
	e, ok := b.entries[id]
	b.mu.RUnlock()
	if ok {
		return e, nil
	}
	msg, err := m.store.LoadMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, syncerr.Errorf(syncerr.StaleSession, "delivery.lookup", "unknown message %s", id)
	}
	if err != nil {
		return nil, syncerr.New(syncerr.PersistenceFailure, "delivery.lookup", err)
	}
	return m.insert(fromStore(msg)), nil
}

// Submit accepts a new message in state sent and persists it. A failed
// write does not fail the submit: the message stays live in memory and
// the write is retried.
func (m *Machine) Submit(ctx context.Context, env Envelope) Envelope {
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	env.Status = Sent
	env.Durable = 0
	env.CreatedAt = m.clock.Now()
	e := m.insert(env)
	m.persist(ctx, e)
	return m.snapshot(e)
}

func (m *Machine) snapshot(e *entry) Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.env
}

// persist writes the entry's current status. On failure it hands the
// write to the retrier; a later status replaces an older pending write.
func (m *Machine) persist(ctx context.Context, e *entry) {
	if err := m.write(ctx, e); err != nil {
		env := m.snapshot(e)
		m.metrics.PersistFailure()
		m.bus.Publish(bus.Event{Kind: bus.KindMessagePersistFail, Payload: env})
		m.logger.Warn("persist message failed, retrying",
			zap.String("message_id", env.MessageID), zap.Stringer("status", env.Status), zap.Error(err))
		m.retrier.Submit(outbox.Job{
			Key:   env.MessageID,
			Owner: env.SenderID,
			Run:   func(ctx context.Context) error { return m.write(ctx, e) },
		})
	}
}

func (m *Machine) write(ctx context.Context, e *entry) error {
	env := m.snapshot(e)
	var err error
	if env.Durable > 0 {
		// The row exists; only the status needs to move.
		_, err = m.store.UpdateMessageStatus(ctx, env.MessageID, int(env.Status))
	} else {
		err = m.store.PersistMessage(ctx, env.toStore())
	}
	if err != nil {
		return syncerr.New(syncerr.PersistenceFailure, "delivery.persist", err)
	}
	e.mu.Lock()
	if env.Status > e.env.Durable {
		e.env.Durable = env.Status
	}
	e.mu.Unlock()
	return nil
}

// Advance moves a message forward to `to`. Moving to the current or an
// earlier status is a no-op reported as changed=false, which is how a
// late delivered push loses against a concurrent read.
func (m *Machine) Advance(ctx context.Context, messageID string, to Status) (Envelope, bool, error) {
	if to != Delivered && to != Read {
		return Envelope{}, false, syncerr.Errorf(syncerr.InvalidTransition, "delivery.advance", "cannot move to %s", to)
	}
	e, err := m.lookup(ctx, messageID)
	if err != nil {
		return Envelope{}, false, err
	}
	e, env, changed, err := m.move(ctx, e, to)
	if err != nil {
		return Envelope{}, false, err
	}
	if changed {
		m.persist(ctx, e)
	}
	return env, changed, nil
}

// move transitions e, reloading it first if Sweep evicted it after the
// lookup. An evicted entry was fully persisted, so the reload carries the
// same status.
func (m *Machine) move(ctx context.Context, e *entry, to Status) (*entry, Envelope, bool, error) {
	for {
		env, changed, live := m.transition(e, to)
		if live {
			return e, env, changed, nil
		}
		var err error
		if e, err = m.lookup(ctx, env.MessageID); err != nil {
			return nil, Envelope{}, false, err
		}
	}
}

// transition applies the compare-and-swap and broadcasts the change to
// both participants while holding the message lock, so every observer
// sees this message's statuses in order. live is false when e was evicted
// and must not be changed.
func (m *Machine) transition(e *entry, to Status) (env Envelope, changed, live bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return e.env, false, false
	}
	if to <= e.env.Status {
		return e.env, false, true
	}
	e.env.Status = to
	e.changedAt = m.clock.Now()
	env = e.env

	m.emit.Emit(fanout.Intent{
		Target: fanout.ToUsers(env.SenderID, env.ReceiverID),
		Event:  wire.EventMessageStatusChanged,
		Payload: wire.MessageStatusChanged{
			MessageID:      env.MessageID,
			ConversationID: env.ConversationID,
			Status:         to.String(),
		},
	})
	m.bus.Publish(bus.Event{Kind: bus.KindMessageStatus, Payload: env})
	if to == Read {
		m.markClosed(env.ReceiverID, env.MessageID)
	}
	return env, true, true
}

// Deliver pushes messageReceived to target (all receiver sessions when
// target is empty) and advances the status when at least one session took
// it: straight to read when the receiver is viewing the conversation.
func (m *Machine) Deliver(ctx context.Context, messageID string, target fanout.Target) (Envelope, error) {
	e, err := m.lookup(ctx, messageID)
	if err != nil {
		return Envelope{}, err
	}
	env := m.snapshot(e)
	if len(target.Users) == 0 && len(target.Sessions) == 0 {
		target = fanout.ToUsers(env.ReceiverID)
	}
	n := m.emit.Emit(fanout.Intent{Target: target, Event: wire.EventMessageReceived, Payload: env})
	if n == 0 {
		// Unreachable receiver: stays sent until the next connect.
		return env, nil
	}
	to := Delivered
	if m.viewing.IsViewing(env.ReceiverID, env.ConversationID) {
		to = Read
	}
	env, _, err = m.Advance(ctx, messageID, to)
	return env, err
}

// MarkRead moves messages addressed to readerID in conversationID to read.
// An empty ids list means every unread message of the conversation. A
// message addressed to someone else rejects the whole request.
func (m *Machine) MarkRead(ctx context.Context, readerID, conversationID string, ids []string) ([]string, error) {
	const op = "delivery.mark_read"
	if len(ids) == 0 {
		ids = m.unread(ctx, readerID, conversationID)
	}

	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		e, err := m.lookup(ctx, id)
		if syncerr.HasCode(err, syncerr.StaleSession) {
			continue
		}
		if err != nil {
			return nil, err
		}
		env := m.snapshot(e)
		if env.ReceiverID != readerID || env.ConversationID != conversationID {
			return nil, syncerr.Errorf(syncerr.InvalidTransition, op,
				"message %s is not addressed to %s in %s", id, readerID, conversationID)
		}
		entries = append(entries, e)
	}

	var marked []string
	for _, e := range entries {
		e, env, changed, err := m.move(ctx, e, Read)
		if err != nil {
			return marked, err
		}
		if changed {
			m.persist(ctx, e)
			marked = append(marked, env.MessageID)
		}
	}
	return marked, nil
}

func (m *Machine) unread(ctx context.Context, receiverID, conversationID string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, id := range m.openIDs(receiverID, conversationID) {
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	stored, err := m.store.UnreadIDs(ctx, receiverID, conversationID)
	if err != nil {
		m.logger.Warn("load unread ids", zap.String("receiver_id", receiverID),
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	for _, id := range stored {
		if _, dup := seen[id]; !dup {
			ids = append(ids, id)
		}
	}
	return ids
}

// Pending lists messages addressed to receiverID that no session has
// received yet, oldest first.
func (m *Machine) Pending(ctx context.Context, receiverID string) ([]Envelope, error) {
	seen := make(map[string]struct{})
	var out []Envelope
	for _, id := range m.openIDs(receiverID, "") {
		if e, err := m.lookup(ctx, id); err == nil {
			if env := m.snapshot(e); env.Status == Sent {
				seen[id] = struct{}{}
				out = append(out, env)
			}
		}
	}
	stored, err := m.store.PendingFor(ctx, receiverID)
	if err != nil {
		return out, syncerr.New(syncerr.PersistenceFailure, "delivery.pending", err)
	}
	for i := range stored {
		if _, dup := seen[stored[i].MessageID]; dup {
			continue
		}
		e := m.insert(fromStore(&stored[i]))
		if env := m.snapshot(e); env.Status == Sent {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns the in-memory envelope of a message.
func (m *Machine) Get(messageID string) (Envelope, bool) {
	b := m.bucket(messageID)
	b.mu.RLock()
	e, ok := b.entries[messageID]
	b.mu.RUnlock()
	if !ok {
		return Envelope{}, false
	}
	return m.snapshot(e), true
}

// Sweep evicts entries whose status is fully persisted and has not changed
// for retention. Evicted messages are reloaded from the store on demand.
// The check and the removal happen under the message lock, so no
// transition can land in between.
func (m *Machine) Sweep(retention time.Duration) int {
	cutoff := m.clock.Now().Add(-retention)
	evicted := 0
	for i := range m.entries {
		b := &m.entries[i]
		b.mu.Lock()
		for id, e := range b.entries {
			e.mu.Lock()
			if e.env.Durable == e.env.Status && e.changedAt.Before(cutoff) {
				e.evicted = true
				delete(b.entries, id)
				m.markClosed(e.env.ReceiverID, id)
				evicted++
			}
			e.mu.Unlock()
		}
		b.mu.Unlock()
	}
	return evicted
}
