package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope message types carried over the IPC socket and the durable queue.
const (
	MsgCandle         = "candle"
	MsgCandleComplete = "candle:complete"
	MsgState          = "state"
	MsgGap            = "gap"
	MsgMetrics        = "metrics"
)

// Envelope is the framed IPC message body: 4-byte big-endian length prefix,
// then this struct as UTF-8 JSON.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // ms
}

// NewEnvelope wraps a payload value in an envelope with a fresh uuid.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   body,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// State payload actions.
const (
	StateSave      = "save"
	StateSaveBatch = "save_batch"
	StateLoad      = "load"
	StateLoadBatch = "load_batch"
	StateLoadAll   = "load_all"
)

// SymbolRef identifies one candle group.
type SymbolRef struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

// SnapshotItem carries one serialised CandleGroup keyed by (exchange, symbol).
type SnapshotItem struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Data     json.RawMessage `json:"data"`
}

// StatePayload is the body of a MsgState envelope.
type StatePayload struct {
	Action    string         `json:"action"`
	Snapshot  *SnapshotItem  `json:"snapshot,omitempty"`  // save
	Snapshots []SnapshotItem `json:"snapshots,omitempty"` // save_batch
	Symbols   []SymbolRef    `json:"symbols,omitempty"`   // load / load_batch
}

// StateResult is the reply body for state load requests.
type StateResult struct {
	Snapshots []SnapshotItem `json:"snapshots"`
}

// Gap payload actions.
const (
	GapSave       = "gap_save"
	GapSaveBatch  = "gap_save_batch"
	GapLoad       = "gap_load"
	GapMarkSynced = "gap_mark_synced"
)

// GapRecord describes a detected discontinuity in a symbol's trade-id
// sequence: trades (FromTradeID..ToTradeID) inclusive were never seen.
type GapRecord struct {
	Symbol      string `json:"symbol"`
	Exchange    string `json:"exchange"`
	FromTradeID int64  `json:"from_trade_id"`
	ToTradeID   int64  `json:"to_trade_id"`
	GapSize     int64  `json:"gap_size"`
	DetectedAt  int64  `json:"detected_at"` // ms
	Synced      bool   `json:"synced"`
}

// GapPayload is the body of a MsgGap envelope.
type GapPayload struct {
	Action string      `json:"action"`
	Gap    *GapRecord  `json:"gap,omitempty"`
	Gaps   []GapRecord `json:"gaps,omitempty"`

	// gap_load / gap_mark_synced selectors
	Exchange    string `json:"exchange,omitempty"`
	Symbol      string `json:"symbol,omitempty"`
	FromTradeID int64  `json:"from_trade_id,omitempty"`
	ToTradeID   int64  `json:"to_trade_id,omitempty"`
}

// GapResult is the reply body for gap_load requests.
type GapResult struct {
	Gaps []GapRecord `json:"gaps"`
}

// QueueMessage is one durable-queue row. Payload is a full serialised
// Envelope so the consumer handles both channels uniformly.
type QueueMessage struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Payload     []byte `json:"payload"`
	EnqueuedAt  int64  `json:"enqueued_at"`            // ms
	ProcessedAt int64  `json:"processed_at,omitempty"` // ms, 0 = unprocessed
}
