package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// DB wraps the SQLite database that holds message envelopes and
// conversation membership.
type DB struct {
	*sql.DB
}

// Open opens the database at path in WAL mode. Transactions take the write
// lock up front (_txlock=immediate) so concurrent membership inserts wait on
// busy_timeout instead of failing on lock upgrade.
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// Counts summarizes what the store holds.
type Counts struct {
	Messages      int `json:"messages"`
	Unread        int `json:"unread"`
	Conversations int `json:"conversations"`
}

// Counts returns row totals for the operator status view.
func (db *DB) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM messages WHERE status < ?),
			(SELECT COUNT(DISTINCT conversation_id) FROM conversation_members)`,
		StatusRead).Scan(&c.Messages, &c.Unread, &c.Conversations)
	if err != nil {
		return Counts{}, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}
