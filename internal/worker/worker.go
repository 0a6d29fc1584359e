// Package worker runs the per-symbol trade pipeline. Each worker owns a
// disjoint subset of symbols and processes its mailbox sequentially, so
// CandleGroup state needs no locking.
package worker

import (
	"context"
	"log"
	"runtime"
	"time"

	"flowtrace/internal/engine"
	"flowtrace/internal/model"
)

const defaultSnapshotInterval = 30 * time.Second

// Options tunes a worker.
type Options struct {
	SnapshotInterval time.Duration
	MailboxSize      int
}

// Worker owns CandleGroups for its assigned symbols and drives the trade
// state machine for each.
type Worker struct {
	id        int
	inbox     chan Message
	publisher model.CandlePublisher
	loader    model.SnapshotLoader // nil: start with empty state

	groups map[string]*engine.Machine // key = "exchange:symbol"

	snapshotInterval time.Duration
	started          time.Time
	initialized      bool

	// Counters, touched only from the worker goroutine.
	tradesProcessed int64
	tradesDropped   int64
	gapsDetected    int64
	candlesClosed   int64
	snapshotsSaved  int64
	perSymbol       map[string]int64

	// OnCandle, when set, observes every closed candle after it has been
	// handed to the publisher (live feed, metrics).
	OnCandle func(c *model.Candle)

	// OnGap, OnDuplicate and OnSnapshot observe the matching engine events,
	// for process-level metrics. All run on the worker goroutine.
	OnGap       func()
	OnDuplicate func()
	OnSnapshot  func()
}

// New creates a worker. The publisher receives closed candles, snapshots
// and gap records; the loader restores snapshots on init and assignment.
func New(id int, publisher model.CandlePublisher, loader model.SnapshotLoader, opts Options) *Worker {
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = defaultSnapshotInterval
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 4096
	}
	return &Worker{
		id:               id,
		inbox:            make(chan Message, opts.MailboxSize),
		publisher:        publisher,
		loader:           loader,
		groups:           make(map[string]*engine.Machine),
		snapshotInterval: opts.SnapshotInterval,
		perSymbol:        make(map[string]int64),
	}
}

// ID returns the worker id.
func (w *Worker) ID() int { return w.id }

// Send delivers a message to the worker's mailbox. Returns false when the
// mailbox is full; the caller decides whether dropping is acceptable.
func (w *Worker) Send(msg Message) bool {
	select {
	case w.inbox <- msg:
		return true
	default:
		return false
	}
}

// SendWait delivers a message, blocking until the mailbox accepts it or
// ctx expires. Used for control messages that must not be dropped.
func (w *Worker) SendWait(ctx context.Context, msg Message) error {
	select {
	case w.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MailboxDepth reports the current mailbox occupancy and capacity.
func (w *Worker) MailboxDepth() (int, int) {
	return len(w.inbox), cap(w.inbox)
}

// Run processes the mailbox until ctx is cancelled. Dirty groups are
// flushed as snapshots on a timer and once more on the way out.
func (w *Worker) Run(ctx context.Context) {
	w.started = time.Now()
	ticker := time.NewTicker(w.snapshotInterval)
	defer ticker.Stop()

	log.Printf("[worker %d] started", w.id)
	for {
		select {
		case <-ctx.Done():
			w.flushSnapshots(true)
			log.Printf("[worker %d] stopped, %d trades processed", w.id, w.tradesProcessed)
			return
		case msg := <-w.inbox:
			w.handle(msg)
		case <-ticker.C:
			w.flushSnapshots(false)
		}
	}
}

func (w *Worker) handle(msg Message) {
	switch msg.Type {
	case MsgWorkerInit:
		w.handleInit(msg)
	case MsgProcessTrades:
		w.handleTrades(msg)
	case MsgSymbolAssignment:
		w.handleAssignment(msg)
	case MsgHeartbeat:
		w.reply(msg, Reply{WorkerID: w.id, Heartbeat: true})
	case MsgWorkerStatus, MsgSyncMetrics:
		w.reply(msg, Reply{WorkerID: w.id, Status: w.status()})
	case MsgFlushSnapshots:
		w.flushSnapshots(true)
		w.reply(msg, Reply{WorkerID: w.id})
	default:
		log.Printf("[worker %d] unknown message type %q", w.id, msg.Type)
		w.reply(msg, Reply{WorkerID: w.id})
	}
}

// handleInit restores snapshots for the given symbols. Idempotent: symbols
// already owned are left alone.
func (w *Worker) handleInit(msg Message) {
	if w.initialized && len(msg.Symbols) == 0 {
		w.reply(msg, Reply{WorkerID: w.id})
		return
	}
	restored := 0
	if w.loader != nil && len(msg.Symbols) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		items, err := w.loader.LoadSnapshots(ctx, msg.Symbols)
		cancel()
		if err != nil {
			// Snapshot load failure means starting fresh, not failing boot.
			log.Printf("[worker %d] snapshot load failed, starting with empty state: %v", w.id, err)
		} else {
			for _, item := range items {
				if w.restoreGroup(item) {
					restored++
				}
			}
		}
	}
	w.initialized = true
	log.Printf("[worker %d] init complete, %d snapshots restored", w.id, restored)
	w.reply(msg, Reply{WorkerID: w.id})
}

func (w *Worker) restoreGroup(item model.SnapshotItem) bool {
	key := item.Exchange + ":" + item.Symbol
	if _, exists := w.groups[key]; exists {
		return false
	}
	g, err := model.RestoreCandleGroup(item.Data)
	if err != nil {
		log.Printf("[worker %d] bad snapshot for %s: %v", w.id, key, err)
		return false
	}
	w.groups[key] = w.newMachine(g)
	return true
}

func (w *Worker) newMachine(g *model.CandleGroup) *engine.Machine {
	m := engine.NewMachine(g, func(c *model.Candle) {
		w.candlesClosed++
		if err := w.publisher.PublishCandle(c); err != nil {
			log.Printf("[worker %d] publish candle %s: %v", w.id, c.Key(), err)
		}
		if w.OnCandle != nil {
			w.OnCandle(c)
		}
	})
	m.OnGap = func(gap model.GapRecord) {
		w.gapsDetected++
		if err := w.publisher.PublishGap(model.GapPayload{Action: model.GapSave, Gap: &gap}); err != nil {
			log.Printf("[worker %d] publish gap %s:%s: %v", w.id, gap.Exchange, gap.Symbol, err)
		}
		if w.OnGap != nil {
			w.OnGap()
		}
	}
	m.OnDuplicate = func() {
		w.tradesDropped++
		if w.OnDuplicate != nil {
			w.OnDuplicate()
		}
	}
	m.OnMalformed = func() { w.tradesDropped++ }
	return m
}

func (w *Worker) handleTrades(msg Message) {
	for _, t := range msg.Trades {
		key := t.Key()
		m, ok := w.groups[key]
		if !ok {
			// Symbol never assigned here; router and ring disagree.
			log.Printf("[worker %d] trade for unassigned symbol %s, dropping batch", w.id, key)
			w.tradesDropped += int64(len(msg.Trades))
			return
		}
		g := m.Group()
		if g.BinMultiplier <= 1 && g.TickValue > 0 && t.Price > 0 && g.LastTradeID == 0 {
			// First trade for a fresh group: derive the footprint resolution.
			g.BinMultiplier = engine.NiceMultiplier(g.TickValue, t.Price)
		}
		if t.TradeType == model.TradeTypeBackfill {
			if m.ProcessLate(t) == 0 {
				w.tradesDropped++
				continue
			}
		} else {
			m.ProcessTrade(t)
		}
		w.tradesProcessed++
		w.perSymbol[key]++
	}
}

func (w *Worker) handleAssignment(msg Message) {
	a := msg.Assignment
	if a == nil {
		w.reply(msg, Reply{WorkerID: w.id})
		return
	}
	key := a.Exchange + ":" + a.Symbol

	if a.Remove {
		if m, ok := w.groups[key]; ok {
			// Handoff: flush the group synchronously so the next owner can
			// restore it on first trade.
			w.saveSnapshot(m.Group())
			delete(w.groups, key)
			delete(w.perSymbol, key)
			log.Printf("[worker %d] released symbol %s", w.id, key)
		}
		w.reply(msg, Reply{WorkerID: w.id})
		return
	}

	if _, exists := w.groups[key]; exists {
		w.reply(msg, Reply{WorkerID: w.id})
		return
	}

	// Try to resume from a persisted snapshot first.
	if w.loader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		items, err := w.loader.LoadSnapshots(ctx, []model.SymbolRef{{Exchange: a.Exchange, Symbol: a.Symbol}})
		cancel()
		if err == nil {
			for _, item := range items {
				if len(item.Data) > 0 && w.restoreGroup(item) {
					log.Printf("[worker %d] assigned symbol %s (restored)", w.id, key)
					w.reply(msg, Reply{WorkerID: w.id})
					return
				}
			}
		} else {
			log.Printf("[worker %d] snapshot load for %s: %v", w.id, key, err)
		}
	}

	g := model.NewCandleGroup(a.Exchange, a.Symbol, a.TickValue, a.BinMultiplier)
	w.groups[key] = w.newMachine(g)
	log.Printf("[worker %d] assigned symbol %s (fresh)", w.id, key)
	w.reply(msg, Reply{WorkerID: w.id})
}

// flushSnapshots publishes snapshots for dirty groups (all groups when
// force is set) and clears their dirty flags.
func (w *Worker) flushSnapshots(force bool) {
	for _, m := range w.groups {
		g := m.Group()
		if g.Dirty || force {
			w.saveSnapshot(g)
		}
	}
}

func (w *Worker) saveSnapshot(g *model.CandleGroup) {
	data, err := g.Snapshot()
	if err != nil {
		log.Printf("[worker %d] snapshot %s: %v", w.id, g.Key(), err)
		return
	}
	item := model.SnapshotItem{Exchange: g.Exchange, Symbol: g.Symbol, Data: data}
	if err := w.publisher.PublishState(item); err != nil {
		log.Printf("[worker %d] publish snapshot %s: %v", w.id, g.Key(), err)
		return
	}
	g.Dirty = false
	w.snapshotsSaved++
	if w.OnSnapshot != nil {
		w.OnSnapshot()
	}
}

func (w *Worker) status() *Status {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	per := make(map[string]int64, len(w.perSymbol))
	for k, v := range w.perSymbol {
		per[k] = v
	}
	return &Status{
		WorkerID:        w.id,
		UptimeMS:        time.Since(w.started).Milliseconds(),
		HeapBytes:       mem.HeapAlloc,
		Goroutines:      runtime.NumGoroutine(),
		Symbols:         len(w.groups),
		TradesProcessed: w.tradesProcessed,
		TradesDropped:   w.tradesDropped,
		GapsDetected:    w.gapsDetected,
		CandlesClosed:   w.candlesClosed,
		SnapshotsSaved:  w.snapshotsSaved,
		PerSymbol:       per,
	}
}

func (w *Worker) reply(msg Message, r Reply) {
	if msg.Reply == nil {
		return
	}
	msg.Reply <- r
	close(msg.Reply)
}
