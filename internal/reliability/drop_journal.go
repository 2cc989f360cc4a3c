package reliability

import (
	"context"
	"database/sql"
	"time"

	"github.com/glimte/mqpool/mq"
	_ "modernc.org/sqlite"
)

const dropJournalSchema = `
CREATE TABLE IF NOT EXISTS dropped_messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	guid        TEXT    NOT NULL,
	consumer    TEXT    NOT NULL,
	queue       TEXT    NOT NULL,
	exchange    TEXT    NOT NULL,
	routing_key TEXT    NOT NULL,
	retry       INTEGER NOT NULL,
	reason      TEXT    NOT NULL,
	body        BLOB,
	dropped_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dropped_messages_dropped_at ON dropped_messages (dropped_at);
`

// DropJournal stores dropped deliveries in SQLite so they can be inspected
// and replayed by hand. It implements mq.DropRecorder.
type DropJournal struct {
	db *sql.DB
}

// OpenDropJournal opens or creates the journal at path. ":memory:" gives a
// private in-memory journal.
func OpenDropJournal(ctx context.Context, path string) (*DropJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, journalError("open", err)
	}
	// one connection: an in-memory database exists per connection, and
	// SQLite serializes writers anyway
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, dropJournalSchema); err != nil {
		db.Close()
		return nil, journalError("migrate", err)
	}
	return &DropJournal{db: db}, nil
}

// Record appends msg to the journal
func (j *DropJournal) Record(ctx context.Context, msg mq.DroppedMessage) error {
	droppedAt := msg.DroppedAt
	if droppedAt.IsZero() {
		droppedAt = time.Now()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO dropped_messages
			(guid, consumer, queue, exchange, routing_key, retry, reason, body, dropped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.GUID, msg.Consumer, msg.Queue, msg.Exchange, msg.RoutingKey,
		msg.Retry, msg.Reason, msg.Body, droppedAt.UnixMilli())
	if err != nil {
		return journalError("insert", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first
func (j *DropJournal) Recent(ctx context.Context, limit int) ([]mq.DroppedMessage, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT guid, consumer, queue, exchange, routing_key, retry, reason, body, dropped_at
		 FROM dropped_messages
		 ORDER BY id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, journalError("query", err)
	}
	defer rows.Close()

	var out []mq.DroppedMessage
	for rows.Next() {
		var (
			msg       mq.DroppedMessage
			droppedAt int64
		)
		if err := rows.Scan(&msg.GUID, &msg.Consumer, &msg.Queue, &msg.Exchange, &msg.RoutingKey,
			&msg.Retry, &msg.Reason, &msg.Body, &droppedAt); err != nil {
			return nil, journalError("scan", err)
		}
		msg.DroppedAt = time.UnixMilli(droppedAt)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, journalError("query", err)
	}
	return out, nil
}

// Purge deletes entries dropped before olderThan and returns how many went
func (j *DropJournal) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM dropped_messages WHERE dropped_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, journalError("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, journalError("purge", err)
	}
	return n, nil
}

// Close closes the database
func (j *DropJournal) Close() error {
	return j.db.Close()
}

func journalError(op string, err error) error {
	return &StoreError{Store: "drop journal", Op: op, Err: err}
}
