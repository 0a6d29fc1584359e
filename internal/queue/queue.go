// Package queue implements the durable on-disk FIFO behind the hybrid
// publisher's slow path: a single SQLite table with at-least-once
// semantics and periodic cleanup of processed rows.
package queue

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"flowtrace/internal/model"
)

// DefaultRetention is how long processed rows are kept before the
// cleanup sweep removes them.
const DefaultRetention = 24 * time.Hour

// Queue is a durable FIFO over one SQLite file. Enqueue is safe against
// concurrent readers; Dequeue is called from exactly one poller.
type Queue struct {
	db *sql.DB
}

// Open opens (or creates) the queue database with WAL mode.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("queue open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue (
			id           TEXT    PRIMARY KEY,
			type         TEXT    NOT NULL,
			payload      BLOB    NOT NULL,
			enqueued_at  INTEGER NOT NULL,
			processed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_queue_pending
			ON queue(enqueued_at) WHERE processed_at IS NULL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue schema: %w", err)
	}

	log.Printf("[queue] opened at %s", path)
	return &Queue{db: db}, nil
}

// DB exposes the handle for health checks.
func (q *Queue) DB() *sql.DB { return q.db }

// Enqueue appends one message in its own transaction.
func (q *Queue) Enqueue(msgType string, payload []byte) error {
	_, err := q.db.Exec(
		`INSERT INTO queue (id, type, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), msgType, payload, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Dequeue returns up to n oldest unprocessed messages in FIFO order.
// Messages stay pending until MarkProcessed, so a crash mid-handling
// replays them (at-least-once). Ordering is by rowid: enqueued_at has
// millisecond resolution, so burst enqueues share a timestamp and only
// insertion order preserves candle emission order on replay.
func (q *Queue) Dequeue(n int) ([]model.QueueMessage, error) {
	rows, err := q.db.Query(
		`SELECT id, type, payload, enqueued_at
		   FROM queue
		  WHERE processed_at IS NULL
		  ORDER BY rowid
		  LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	defer rows.Close()

	var msgs []model.QueueMessage
	for rows.Next() {
		var m model.QueueMessage
		if err := rows.Scan(&m.ID, &m.Type, &m.Payload, &m.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("queue scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkProcessed stamps one message as handled.
func (q *Queue) MarkProcessed(id string) error {
	_, err := q.db.Exec(
		`UPDATE queue SET processed_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("queue mark processed: %w", err)
	}
	return nil
}

// Cleanup deletes processed rows older than the retention window and
// returns how many were removed.
func (q *Queue) Cleanup(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := q.db.Exec(
		`DELETE FROM queue WHERE processed_at IS NOT NULL AND processed_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("queue cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Depth returns the number of unprocessed messages.
func (q *Queue) Depth() (int64, error) {
	var n int64
	err := q.db.QueryRow(`SELECT COUNT(*) FROM queue WHERE processed_at IS NULL`).Scan(&n)
	return n, err
}

// Close releases the database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}
