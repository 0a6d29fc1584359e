package model

import (
	"context"
	"time"
)

// ── Port interfaces ──
// These decouple the pipeline from concrete transports and storage
// (unix-socket IPC, SQLite, Redis). Each implementation satisfies one or
// more of these interfaces.

// CandlePublisher delivers completed candles, snapshots and gap records to
// the persistence process, at least once. Implementations must not block
// the trade path longer than one bounded socket write.
type CandlePublisher interface {
	// PublishCandle sends a completed candle.
	PublishCandle(c *Candle) error

	// PublishState sends one CandleGroup snapshot.
	PublishState(item SnapshotItem) error

	// PublishGap sends a gap payload (save or mark-synced).
	PublishGap(p GapPayload) error

	// PublishMetrics sends non-candle telemetry. Failures are logged,
	// never propagated.
	PublishMetrics(payload any)
}

// DurableQueue is the on-disk FIFO behind the publisher's slow path.
type DurableQueue interface {
	// Enqueue appends one message transactionally.
	Enqueue(msgType string, payload []byte) error

	// Dequeue returns up to n oldest unprocessed messages, FIFO.
	Dequeue(n int) ([]QueueMessage, error)

	// MarkProcessed stamps a message as handled.
	MarkProcessed(id string) error

	// Cleanup deletes processed messages older than the retention window.
	// Returns the number of rows removed.
	Cleanup(retention time.Duration) (int64, error)

	// Depth returns the number of unprocessed messages.
	Depth() (int64, error)

	Close() error
}

// SnapshotLoader fetches persisted CandleGroup snapshots over the IPC,
// used by workers on startup and on symbol assignment.
type SnapshotLoader interface {
	LoadSnapshots(ctx context.Context, refs []SymbolRef) ([]SnapshotItem, error)
}

// CandleStore persists completed candles and serves the read API.
type CandleStore interface {
	WriteCandle(c *Candle) error
	ReadCandles(exchange, symbol string, tf Timeframe, fromMS, toMS int64, limit int) ([]Candle, error)
	LatestCandle(exchange, symbol string, tf Timeframe) (*Candle, error)
	CountCandles(exchange, symbol string, tf Timeframe) (int64, error)
}

// StateStore persists CandleGroup snapshots.
type StateStore interface {
	SaveSnapshot(item SnapshotItem) error
	LoadSnapshot(exchange, symbol string) (*SnapshotItem, error)
	LoadSnapshots(refs []SymbolRef) ([]SnapshotItem, error)
	LoadAllSnapshots() ([]SnapshotItem, error)
}

// GapStore persists sequence-gap records.
type GapStore interface {
	SaveGap(g GapRecord) error
	SaveGaps(gs []GapRecord) error
	LoadUnsyncedGaps(exchange, symbol string, limit int) ([]GapRecord, error)
	MarkGapSynced(exchange, symbol string, fromID, toID int64) error
}
