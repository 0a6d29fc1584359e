// Package router owns the symbol→worker assignment on the ingest main
// goroutine: it maintains the hash ring as workers come and go and
// forwards each inbound trade batch to the owning worker's mailbox.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"flowtrace/internal/hashring"
	"flowtrace/internal/model"
	"flowtrace/internal/worker"
)

// maxSymbolLen bounds accepted symbol names. Uppercase alphanumerics and
// underscore cover spot and perp pair formats across exchanges.
const maxSymbolLen = 30

var errInvalidSymbol = errors.New("router: invalid symbol")

// SymbolMeta carries per-symbol configuration handed to workers on
// assignment.
type SymbolMeta struct {
	Exchange      string
	TickValue     float64
	BinMultiplier int
}

// Router routes trades and assignments. All mutating calls happen on one
// goroutine (the ingest main loop); worker mailboxes do the cross-thread
// handoff.
type Router struct {
	ring    *hashring.Ring
	workers map[int]*worker.Worker
	meta    map[string]SymbolMeta // symbol → metadata
	owners  map[string]int        // symbol → current owner, for handoff

	// OnDrop is called when a batch is dropped (empty ring or full mailbox).
	OnDrop func(symbol string, n int)
}

// New creates an empty router.
func New() *Router {
	return &Router{
		ring:    hashring.New(),
		workers: make(map[int]*worker.Worker),
		meta:    make(map[string]SymbolMeta),
		owners:  make(map[string]int),
	}
}

// AddWorker registers a worker and rebalances existing symbols onto it.
func (r *Router) AddWorker(ctx context.Context, w *worker.Worker) error {
	r.workers[w.ID()] = w
	r.ring.AddWorker(w.ID())
	return r.rebalance(ctx)
}

// RemoveWorker drops a worker from the ring and reassigns its symbols.
// The worker's groups are flushed first so successors restore from
// snapshots.
func (r *Router) RemoveWorker(ctx context.Context, id int) error {
	w, ok := r.workers[id]
	if !ok {
		return nil
	}
	reply := make(chan worker.Reply, 1)
	if err := w.SendWait(ctx, worker.Message{Type: worker.MsgFlushSnapshots, Reply: reply}); err != nil {
		return fmt.Errorf("router: flush worker %d: %w", id, err)
	}
	select {
	case <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.ring.RemoveWorker(id)
	delete(r.workers, id)
	return r.rebalance(ctx)
}

// AssignSymbol validates the symbol, records its metadata and assigns it
// to the owning worker.
func (r *Router) AssignSymbol(ctx context.Context, symbol string, meta SymbolMeta) error {
	if !validSymbol(symbol) {
		return fmt.Errorf("%w: %q", errInvalidSymbol, symbol)
	}
	r.meta[symbol] = meta
	return r.assign(ctx, symbol)
}

func (r *Router) assign(ctx context.Context, symbol string) error {
	id, err := r.ring.WorkerFor(symbol)
	if err != nil {
		return fmt.Errorf("router: assign %s: %w", symbol, err)
	}
	meta := r.meta[symbol]

	if prev, ok := r.owners[symbol]; ok && prev != id {
		if pw, alive := r.workers[prev]; alive {
			// Old owner flushes the group synchronously before letting go.
			reply := make(chan worker.Reply, 1)
			if err := pw.SendWait(ctx, worker.Message{
				Type: worker.MsgSymbolAssignment,
				Assignment: &worker.Assignment{
					Exchange: meta.Exchange, Symbol: symbol, Remove: true,
				},
				Reply: reply,
			}); err != nil {
				return err
			}
			select {
			case <-reply:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	} else if ok && prev == id {
		return nil
	}

	w := r.workers[id]
	reply := make(chan worker.Reply, 1)
	if err := w.SendWait(ctx, worker.Message{
		Type: worker.MsgSymbolAssignment,
		Assignment: &worker.Assignment{
			Exchange:      meta.Exchange,
			Symbol:        symbol,
			TickValue:     meta.TickValue,
			BinMultiplier: meta.BinMultiplier,
		},
		Reply: reply,
	}); err != nil {
		return err
	}
	select {
	case <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.owners[symbol] = id
	return nil
}

// rebalance re-runs assignment for every known symbol after a membership
// change. Symbols whose owner did not change are untouched.
func (r *Router) rebalance(ctx context.Context) error {
	for symbol := range r.meta {
		if err := r.assign(ctx, symbol); err != nil {
			return err
		}
	}
	return nil
}

// Route forwards one trade batch to the owning worker. No queueing on the
// router side: an empty ring or a saturated mailbox drops the batch with
// a warning.
func (r *Router) Route(symbol string, trades []model.Trade) {
	if len(trades) == 0 {
		return
	}
	id, err := r.ring.WorkerFor(symbol)
	if err != nil {
		log.Printf("[router] no workers in ring, dropping %d trades for %s", len(trades), symbol)
		r.drop(symbol, len(trades))
		return
	}
	w, ok := r.workers[id]
	if !ok {
		log.Printf("[router] ring returned unknown worker %d for %s", id, symbol)
		r.drop(symbol, len(trades))
		return
	}
	if !w.Send(worker.Message{Type: worker.MsgProcessTrades, Symbol: symbol, Trades: trades}) {
		log.Printf("[router] worker %d mailbox full, dropping %d trades for %s", id, len(trades), symbol)
		r.drop(symbol, len(trades))
	}
}

func (r *Router) drop(symbol string, n int) {
	if r.OnDrop != nil {
		r.OnDrop(symbol, n)
	}
}

// Workers returns the registered workers keyed by id.
func (r *Router) Workers() map[int]*worker.Worker {
	return r.workers
}

// LoadDistribution reports how many known symbols each worker owns.
func (r *Router) LoadDistribution() map[int]int {
	symbols := make([]string, 0, len(r.meta))
	for s := range r.meta {
		symbols = append(symbols, s)
	}
	return r.ring.LoadDistribution(symbols)
}

// Heartbeat pings every worker and returns the ids that replied in time.
func (r *Router) Heartbeat(timeout time.Duration) []int {
	type pending struct {
		id int
		ch chan worker.Reply
	}
	var waits []pending
	for id, w := range r.workers {
		ch := make(chan worker.Reply, 1)
		if w.Send(worker.Message{Type: worker.MsgHeartbeat, Reply: ch}) {
			waits = append(waits, pending{id, ch})
		}
	}
	deadline := time.After(timeout)
	var alive []int
	for _, p := range waits {
		select {
		case <-p.ch:
			alive = append(alive, p.id)
		case <-deadline:
			return alive
		}
	}
	return alive
}

func validSymbol(s string) bool {
	if len(s) == 0 || len(s) > maxSymbolLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}
