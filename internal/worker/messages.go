package worker

import "flowtrace/internal/model"

// Control message types a worker handles, in arrival order, one at a time.
const (
	MsgWorkerInit       = "WORKER_INIT"
	MsgProcessTrades    = "PROCESS_TRADES"
	MsgSymbolAssignment = "SYMBOL_ASSIGNMENT"
	MsgHeartbeat        = "HEARTBEAT"
	MsgWorkerStatus     = "WORKER_STATUS"
	MsgSyncMetrics      = "SYNC_METRICS"
	MsgFlushSnapshots   = "FLUSH_SNAPSHOTS"
)

// Assignment adds or removes one symbol from a worker.
type Assignment struct {
	Exchange      string
	Symbol        string
	TickValue     float64
	BinMultiplier int // 0 = derive a nice multiplier from the first trade
	Remove        bool
}

// Message is one mailbox entry. Reply, when non-nil, receives exactly one
// Reply and is then closed by the worker.
type Message struct {
	Type       string
	Symbol     string
	Trades     []model.Trade
	Assignment *Assignment
	Symbols    []model.SymbolRef // WORKER_INIT: restore these groups
	Reply      chan Reply
}

// Reply carries liveness and resource metrics back to the sender.
type Reply struct {
	WorkerID  int
	Err       error
	Heartbeat bool
	Status    *Status
}

// Status is a point-in-time view of one worker.
type Status struct {
	WorkerID        int              `json:"worker_id"`
	UptimeMS        int64            `json:"uptime_ms"`
	HeapBytes       uint64           `json:"heap_bytes"`
	Goroutines      int              `json:"goroutines"`
	Symbols         int              `json:"symbols"`
	TradesProcessed int64            `json:"trades_processed"`
	TradesDropped   int64            `json:"trades_dropped"`
	GapsDetected    int64            `json:"gaps_detected"`
	CandlesClosed   int64            `json:"candles_closed"`
	SnapshotsSaved  int64            `json:"snapshots_saved"`
	PerSymbol       map[string]int64 `json:"per_symbol"` // trades per symbol key
}
