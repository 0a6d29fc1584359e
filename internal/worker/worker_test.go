package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"flowtrace/internal/model"
)

// fakePublisher records everything published.
type fakePublisher struct {
	mu        sync.Mutex
	candles   []*model.Candle
	snapshots []model.SnapshotItem
	gaps      []model.GapPayload
}

func (p *fakePublisher) PublishCandle(c *model.Candle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles = append(p.candles, c)
	return nil
}

func (p *fakePublisher) PublishState(item model.SnapshotItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, item)
	return nil
}

func (p *fakePublisher) PublishGap(g model.GapPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gaps = append(p.gaps, g)
	return nil
}

func (p *fakePublisher) PublishMetrics(any) {}

// fakeLoader serves canned snapshots.
type fakeLoader struct {
	items map[string]model.SnapshotItem
}

func (l *fakeLoader) LoadSnapshots(_ context.Context, refs []model.SymbolRef) ([]model.SnapshotItem, error) {
	var out []model.SnapshotItem
	for _, r := range refs {
		if item, ok := l.items[r.Exchange+":"+r.Symbol]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func startWorker(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func assign(t *testing.T, w *Worker, symbol string) {
	t.Helper()
	reply := make(chan Reply, 1)
	w.Send(Message{Type: MsgSymbolAssignment, Assignment: &Assignment{
		Exchange: "BINANCE", Symbol: symbol, TickValue: 0.1, BinMultiplier: 1,
	}, Reply: reply})
	select {
	case <-reply:
	case <-time.After(2 * time.Second):
		t.Fatal("assignment timed out")
	}
}

func TestWorker_ProcessTradesInOrder(t *testing.T) {
	pub := &fakePublisher{}
	w := New(1, pub, nil, Options{SnapshotInterval: time.Hour})
	stop := startWorker(t, w)
	defer stop()

	assign(t, w, "BTCUSDT")

	trades := []model.Trade{
		{Exchange: "BINANCE", Symbol: "BTCUSDT", TradeID: 1, Price: 100, Quantity: 1, Timestamp: 1000},
		{Exchange: "BINANCE", Symbol: "BTCUSDT", TradeID: 2, Price: 101, Quantity: 1, Timestamp: 1500},
		{Exchange: "BINANCE", Symbol: "BTCUSDT", TradeID: 3, Price: 102, Quantity: 1, Timestamp: 2500},
	}
	w.Send(Message{Type: MsgProcessTrades, Symbol: "BTCUSDT", Trades: trades})

	reply := make(chan Reply, 1)
	w.Send(Message{Type: MsgWorkerStatus, Reply: reply})
	r := <-reply

	if r.Status.TradesProcessed != 3 {
		t.Errorf("trades processed %d, want 3", r.Status.TradesProcessed)
	}
	if r.Status.CandlesClosed != 1 {
		t.Errorf("candles closed %d, want 1 (the 1s bucket)", r.Status.CandlesClosed)
	}
	if r.Status.PerSymbol["BINANCE:BTCUSDT"] != 3 {
		t.Errorf("per-symbol count %v", r.Status.PerSymbol)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.candles) != 1 {
		t.Fatalf("published candles %d, want 1", len(pub.candles))
	}
	c := pub.candles[0]
	if c.Timeframe != model.TF1s || c.OpenTime != 1000 || !c.Closed {
		t.Errorf("published candle %+v", c)
	}
	if c.High != 101 || c.Open != 100 || c.Close != 101 {
		t.Errorf("published OHLC %v/%v/%v", c.Open, c.High, c.Close)
	}
}

func TestWorker_Heartbeat(t *testing.T) {
	w := New(2, &fakePublisher{}, nil, Options{SnapshotInterval: time.Hour})
	stop := startWorker(t, w)
	defer stop()

	reply := make(chan Reply, 1)
	w.Send(Message{Type: MsgHeartbeat, Reply: reply})
	select {
	case r := <-reply:
		if !r.Heartbeat || r.WorkerID != 2 {
			t.Errorf("heartbeat reply %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat timed out")
	}
}

func TestWorker_SnapshotFlushOnlyDirty(t *testing.T) {
	pub := &fakePublisher{}
	w := New(3, pub, nil, Options{SnapshotInterval: time.Hour})
	stop := startWorker(t, w)
	defer stop()

	assign(t, w, "BTCUSDT")
	assign(t, w, "ETHUSDT")

	// Only BTCUSDT sees a trade, so only it is dirty.
	w.Send(Message{Type: MsgProcessTrades, Symbol: "BTCUSDT", Trades: []model.Trade{
		{Exchange: "BINANCE", Symbol: "BTCUSDT", TradeID: 1, Price: 100, Quantity: 1, Timestamp: 1000},
	}})

	reply := make(chan Reply, 1)
	w.Send(Message{Type: MsgFlushSnapshots, Reply: reply})
	<-reply

	pub.mu.Lock()
	defer pub.mu.Unlock()
	// Forced flush writes everything; at minimum the dirty group is there.
	found := false
	for _, s := range pub.snapshots {
		if s.Symbol == "BTCUSDT" {
			found = true
			g, err := model.RestoreCandleGroup(s.Data)
			if err != nil {
				t.Fatal(err)
			}
			if g.LastTradeID != 1 {
				t.Errorf("snapshot last trade id %d, want 1", g.LastTradeID)
			}
		}
	}
	if !found {
		t.Error("no snapshot flushed for BTCUSDT")
	}
}

func TestWorker_RestoreFromSnapshotOnAssignment(t *testing.T) {
	g := model.NewCandleGroup("BINANCE", "BTCUSDT", 0.1, 1)
	g.LastTradeID = 10
	data, err := g.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	loader := &fakeLoader{items: map[string]model.SnapshotItem{
		"BINANCE:BTCUSDT": {Exchange: "BINANCE", Symbol: "BTCUSDT", Data: data},
	}}

	pub := &fakePublisher{}
	w := New(4, pub, loader, Options{SnapshotInterval: time.Hour})
	stop := startWorker(t, w)
	defer stop()

	assign(t, w, "BTCUSDT")

	// A replayed trade with id <= 10 must be deduped against restored state.
	w.Send(Message{Type: MsgProcessTrades, Symbol: "BTCUSDT", Trades: []model.Trade{
		{Exchange: "BINANCE", Symbol: "BTCUSDT", TradeID: 9, Price: 100, Quantity: 1, Timestamp: 1000},
		{Exchange: "BINANCE", Symbol: "BTCUSDT", TradeID: 11, Price: 100, Quantity: 1, Timestamp: 1000},
	}})

	reply := make(chan Reply, 1)
	w.Send(Message{Type: MsgWorkerStatus, Reply: reply})
	r := <-reply
	if r.Status.TradesDropped != 1 {
		t.Errorf("dropped %d, want 1 (restored dedup)", r.Status.TradesDropped)
	}
}

func TestWorker_RemoveFlushesHandoffSnapshot(t *testing.T) {
	pub := &fakePublisher{}
	w := New(5, pub, nil, Options{SnapshotInterval: time.Hour})
	stop := startWorker(t, w)
	defer stop()

	assign(t, w, "BTCUSDT")
	w.Send(Message{Type: MsgProcessTrades, Symbol: "BTCUSDT", Trades: []model.Trade{
		{Exchange: "BINANCE", Symbol: "BTCUSDT", TradeID: 1, Price: 100, Quantity: 1, Timestamp: 1000},
	}})

	reply := make(chan Reply, 1)
	w.Send(Message{Type: MsgSymbolAssignment, Assignment: &Assignment{
		Exchange: "BINANCE", Symbol: "BTCUSDT", Remove: true,
	}, Reply: reply})
	<-reply

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.snapshots) == 0 {
		t.Fatal("remove did not flush a handoff snapshot")
	}
	last := pub.snapshots[len(pub.snapshots)-1]
	if last.Symbol != "BTCUSDT" {
		t.Errorf("handoff snapshot for %s", last.Symbol)
	}
}
