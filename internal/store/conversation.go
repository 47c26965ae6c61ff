package store

import (
	"context"
	"fmt"
	"time"
)

// AddParticipants records users as members of a conversation. Existing
// memberships are left untouched.
func (db *DB) AddParticipants(ctx context.Context, conversationID string, userIDs ...string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for _, u := range userIDs {
		if _, err := stmt.ExecContext(ctx, conversationID, u, now); err != nil {
			return fmt.Errorf("insert member %s: %w", u, err)
		}
	}
	return tx.Commit()
}

// Participants lists the members of a conversation.
func (db *DB) Participants(ctx context.Context, conversationID string) ([]string, error) {
	return db.queryStrings(ctx, `
		SELECT user_id FROM conversation_members
		WHERE conversation_id = ? ORDER BY joined_at, user_id`, conversationID)
}

// Conversations lists the conversations userID belongs to.
func (db *DB) Conversations(ctx context.Context, userID string) ([]string, error) {
	return db.queryStrings(ctx, `
		SELECT conversation_id FROM conversation_members
		WHERE user_id = ? ORDER BY conversation_id`, userID)
}

// Contacts lists every other user sharing at least one conversation with userID.
func (db *DB) Contacts(ctx context.Context, userID string) ([]string, error) {
	return db.queryStrings(ctx, `
		SELECT DISTINCT other.user_id
		FROM conversation_members mine
		JOIN conversation_members other ON other.conversation_id = mine.conversation_id
		WHERE mine.user_id = ? AND other.user_id != ?
		ORDER BY other.user_id`, userID, userID)
}

func (db *DB) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
