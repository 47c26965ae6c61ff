package presence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const mirrorKeyPrefix = "convsync:presence:"

// Mirror copies presence snapshots into Redis so other processes can read
// them. Writes are queued and applied by Run; a full queue drops the write.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	queue  chan Snapshot
}

// NewMirror creates a Mirror writing keys that expire after ttl.
func NewMirror(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Mirror {
	return &Mirror{client: client, ttl: ttl, logger: logger, queue: make(chan Snapshot, 1024)}
}

func mirrorKey(userID string) string {
	return mirrorKeyPrefix + userID
}

// Publish queues a snapshot. Safe on a nil Mirror.
func (m *Mirror) Publish(s Snapshot) {
	if m == nil {
		return
	}
	select {
	case m.queue <- s:
	default:
		m.logger.Warn("presence mirror queue full", zap.String("user_id", s.UserID))
	}
}

// Run applies queued writes until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case s := <-m.queue:
			if err := m.Write(ctx, s); err != nil && ctx.Err() == nil {
				m.logger.Warn("presence mirror write", zap.String("user_id", s.UserID), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Write stores a snapshot immediately.
func (m *Mirror) Write(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, mirrorKey(s.UserID), data, m.ttl).Err()
}

// Lookup reads a mirrored snapshot. ok is false when none is stored.
func (m *Mirror) Lookup(ctx context.Context, userID string) (s Snapshot, ok bool, err error) {
	data, err := m.client.Get(ctx, mirrorKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

// LookupMany reads several snapshots in one pipeline. Users without a
// stored snapshot are absent from the result.
func (m *Mirror) LookupMany(ctx context.Context, userIDs []string) (map[string]Snapshot, error) {
	out := make(map[string]Snapshot, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	pipe := m.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(userIDs))
	for _, u := range userIDs {
		cmds[u] = pipe.Get(ctx, mirrorKey(u))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for u, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var s Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			m.logger.Warn("presence mirror decode", zap.String("user_id", u), zap.Error(err))
			continue
		}
		out[u] = s
	}
	return out, nil
}
