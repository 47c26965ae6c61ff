package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const messageColumns = `message_id, conversation_id, sender_id, receiver_id, content, status, created_at, updated_at`

// PersistMessage inserts an envelope or, when it already exists, raises its
// status. The stored status never moves backwards.
func (db *DB) PersistMessage(ctx context.Context, m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			status = MAX(messages.status, excluded.status),
			updated_at = excluded.updated_at`,
		m.MessageID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, m.Status, m.CreatedAt, now)
	return err
}

// UpdateMessageStatus moves a message forward to status. It reports false
// when the message is unknown or already at or past status.
func (db *DB) UpdateMessageStatus(ctx context.Context, messageID string, status int) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET status = ?, updated_at = ?
		WHERE message_id = ? AND status < ?`,
		status, time.Now().UnixMilli(), messageID, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FetchUnreadCount counts messages addressed to userID in a conversation
// that have not been read.
func (db *DB) FetchUnreadCount(ctx context.Context, userID, conversationID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE receiver_id = ? AND conversation_id = ? AND status < ?`,
		userID, conversationID, StatusRead).Scan(&n)
	return n, err
}

// LoadMessage returns a single envelope by id.
func (db *DB) LoadMessage(ctx context.Context, messageID string) (*Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	var m Message
	err := row.Scan(&m.MessageID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PendingFor returns messages addressed to receiverID that were never
// delivered, oldest first.
func (db *DB) PendingFor(ctx context.Context, receiverID string) ([]Message, error) {
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE receiver_id = ? AND status = 1
		ORDER BY created_at ASC`, receiverID)
}

// UnreadIDs returns the ids of unread messages addressed to receiverID in a
// conversation.
func (db *DB) UnreadIDs(ctx context.Context, receiverID, conversationID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT message_id FROM messages
		WHERE receiver_id = ? AND conversation_id = ? AND status < ?
		ORDER BY created_at ASC`, receiverID, conversationID, StatusRead)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConversationStatuses returns the most recent messages of a conversation,
// newest first, used to reconcile a client against durable state.
func (db *DB) ConversationStatuses(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, limit)
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
