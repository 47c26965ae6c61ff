// Package registry tracks every live session and the user it belongs to.
// It is the single source of truth for who is reachable.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/shard"
)

// Conn is the outbound side of a live connection.
type Conn interface {
	Send(frame []byte) error
	Close() error
}

// Session is one live connection belonging to exactly one user.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	conn         Conn
	lastActivity atomic.Int64 // unix nanos
}

// LastActivityAt returns when the session last sent an inbound event.
func (s *Session) LastActivityAt() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Send pushes a frame to the session's connection.
func (s *Session) Send(frame []byte) error {
	return s.conn.Send(frame)
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

type bucket struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Session
}

// Registry holds sessions keyed by (userID, sessionID). Users are spread
// over shard buckets; the session index has its own lock.
type Registry struct {
	clock   clock.Clock
	buckets [shard.Count]bucket

	idxMu     sync.RWMutex
	bySession map[string]*Session
}

// New creates an empty registry.
func New(clk clock.Clock) *Registry {
	r := &Registry{
		clock:     clk,
		bySession: make(map[string]*Session),
	}
	for i := range r.buckets {
		r.buckets[i].byUser = make(map[string]map[string]*Session)
	}
	return r
}

func (r *Registry) bucket(userID string) *bucket {
	return &r.buckets[shard.Of(userID)]
}

// Register adds a session for userID. first is true when this is the
// user's only live session. Registering an existing session id replaces
// its connection.
func (r *Registry) Register(userID, sessionID string, conn Conn) (sess *Session, first bool) {
	now := r.clock.Now()
	sess = &Session{ID: sessionID, UserID: userID, ConnectedAt: now, conn: conn}
	sess.lastActivity.Store(now.UnixNano())

	b := r.bucket(userID)
	b.mu.Lock()
	set, ok := b.byUser[userID]
	if !ok {
		set = make(map[string]*Session)
		b.byUser[userID] = set
	}
	set[sessionID] = sess
	first = len(set) == 1
	b.mu.Unlock()

	r.idxMu.Lock()
	r.bySession[sessionID] = sess
	r.idxMu.Unlock()
	return sess, first
}

// Unregister removes a session. Unknown ids are ignored, since disconnects
// race with explicit leaves. last is true when the user has no session left.
func (r *Registry) Unregister(sessionID string) (sess *Session, last bool) {
	r.idxMu.Lock()
	sess, ok := r.bySession[sessionID]
	if ok {
		delete(r.bySession, sessionID)
	}
	r.idxMu.Unlock()
	if !ok {
		return nil, false
	}

	b := r.bucket(sess.UserID)
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.byUser[sess.UserID]
	if set[sessionID] != sess {
		// Replaced by a newer registration under the same id.
		return sess, false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(b.byUser, sess.UserID)
		return sess, true
	}
	return sess, false
}

// SessionsFor returns a snapshot of the user's live sessions.
func (r *Registry) SessionsFor(userID string) []*Session {
	b := r.bucket(userID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.byUser[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID string) bool {
	b := r.bucket(userID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byUser[userID]) > 0
}

// Session looks up a live session by id.
func (r *Registry) Session(sessionID string) (*Session, bool) {
	r.idxMu.RLock()
	defer r.idxMu.RUnlock()
	s, ok := r.bySession[sessionID]
	return s, ok
}

// Touch records inbound activity on a session. Returns false for unknown ids.
func (r *Registry) Touch(sessionID string) bool {
	s, ok := r.Session(sessionID)
	if !ok {
		return false
	}
	s.lastActivity.Store(r.clock.Now().UnixNano())
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.idxMu.RLock()
	defer r.idxMu.RUnlock()
	return len(r.bySession)
}

// Users returns every user with at least one live session.
func (r *Registry) Users() []string {
	var out []string
	for i := range r.buckets {
		b := &r.buckets[i]
		b.mu.RLock()
		for u := range b.byUser {
			out = append(out, u)
		}
		b.mu.RUnlock()
	}
	return out
}
