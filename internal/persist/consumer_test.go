package persist

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"flowtrace/internal/ipc"
	"flowtrace/internal/model"
	"flowtrace/internal/queue"
	"flowtrace/internal/store/sqlite"
)

func newTestConsumer(t *testing.T) (*Consumer, *sqlite.Store, *queue.Queue, *ipc.Server) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "candles.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	c := NewConsumer(store, store, store, q)
	srv := ipc.NewServer(filepath.Join(dir, "unused.sock"))
	c.Register(srv)
	return c, store, q, srv
}

func completedCandle() *model.Candle {
	c := model.NewCandle("BINANCE", "BTCUSDT", model.TF1m, 60000, 100)
	c.High = 101
	c.Low = 99
	c.Close = 100.5
	c.Volume = 2
	c.BuyVolume = 1.5
	c.SellVolume = 0.5
	c.QuoteVolume = 200
	c.BuyQuoteVolume = 150
	c.SellQuoteVolume = 50
	c.TradeCount = 4
	c.FirstTradeID = 1
	c.LastTradeID = 4
	c.Closed = true
	return c
}

func TestConsumer_CandleHandler(t *testing.T) {
	_, store, _, srv := newTestConsumer(t)

	env, err := model.NewEnvelope(model.MsgCandleComplete, completedCandle())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Dispatch(env); err != nil {
		t.Fatal(err)
	}

	got, err := store.LatestCandle("BINANCE", "BTCUSDT", model.TF1m)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.OpenTime != 60000 || got.TradeCount != 4 {
		t.Errorf("stored candle %+v", got)
	}
}

func TestConsumer_StateSaveAndLoadBatch(t *testing.T) {
	_, _, _, srv := newTestConsumer(t)

	save, _ := model.NewEnvelope(model.MsgState, model.StatePayload{
		Action: model.StateSave,
		Snapshot: &model.SnapshotItem{
			Exchange: "BINANCE", Symbol: "BTCUSDT",
			Data: json.RawMessage(`{"last_trade_id":7}`),
		},
	})
	if _, err := srv.Dispatch(save); err != nil {
		t.Fatal(err)
	}

	load, _ := model.NewEnvelope(model.MsgState, model.StatePayload{
		Action:  model.StateLoadBatch,
		Symbols: []model.SymbolRef{{Exchange: "BINANCE", Symbol: "BTCUSDT"}},
	})
	resp, err := srv.Dispatch(load)
	if err != nil {
		t.Fatal(err)
	}
	result, ok := resp.(model.StateResult)
	if !ok {
		t.Fatalf("response type %T", resp)
	}
	if len(result.Snapshots) != 1 || string(result.Snapshots[0].Data) != `{"last_trade_id":7}` {
		t.Errorf("load result %+v", result)
	}
}

func TestConsumer_GapSaveAndMarkSynced(t *testing.T) {
	_, store, _, srv := newTestConsumer(t)

	save, _ := model.NewEnvelope(model.MsgGap, model.GapPayload{
		Action: model.GapSave,
		Gap: &model.GapRecord{
			Exchange: "BINANCE", Symbol: "BTCUSDT",
			FromTradeID: 10, ToTradeID: 14, GapSize: 5, DetectedAt: 1000,
		},
	})
	if _, err := srv.Dispatch(save); err != nil {
		t.Fatal(err)
	}

	gaps, err := store.LoadUnsyncedGaps("BINANCE", "BTCUSDT", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 1 {
		t.Fatalf("gaps %d, want 1", len(gaps))
	}

	sync, _ := model.NewEnvelope(model.MsgGap, model.GapPayload{
		Action:   model.GapMarkSynced,
		Exchange: "BINANCE", Symbol: "BTCUSDT",
		FromTradeID: 10, ToTradeID: 14,
	})
	if _, err := srv.Dispatch(sync); err != nil {
		t.Fatal(err)
	}
	gaps, _ = store.LoadUnsyncedGaps("BINANCE", "BTCUSDT", 0)
	if len(gaps) != 0 {
		t.Errorf("gaps still unsynced after mark: %+v", gaps)
	}
}

func TestConsumer_PollerDrainsQueue(t *testing.T) {
	c, store, q, srv := newTestConsumer(t)

	// Candles that missed the fast channel sit in the queue as envelopes.
	for i := int64(1); i <= 3; i++ {
		candle := completedCandle()
		candle.OpenTime = i * 60000
		candle.CloseTime = candle.OpenTime + 59999
		env, _ := model.NewEnvelope(model.MsgCandleComplete, candle)
		body, _ := json.Marshal(env)
		if err := q.Enqueue(env.Type, body); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.pollOnce(srv); err != nil {
		t.Fatal(err)
	}

	n, err := store.CountCandles("BINANCE", "BTCUSDT", model.TF1m)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("stored %d candles from queue, want 3", n)
	}
	depth, _ := q.Depth()
	if depth != 0 {
		t.Errorf("queue depth %d after drain", depth)
	}
	if c.Stats().QueueDrained != 3 {
		t.Errorf("drained counter %d", c.Stats().QueueDrained)
	}
}

func TestConsumer_PollerAcksCorruptRows(t *testing.T) {
	c, _, q, srv := newTestConsumer(t)

	if err := q.Enqueue("candle:complete", []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if err := c.pollOnce(srv); err != nil {
		t.Fatal(err)
	}
	depth, _ := q.Depth()
	if depth != 0 {
		t.Errorf("corrupt row still pending, depth %d", depth)
	}
}

func TestConsumer_PollerKeepsFailedRows(t *testing.T) {
	c, _, q, srv := newTestConsumer(t)

	// A valid envelope whose handler rejects it stays pending for retry.
	bad := completedCandle()
	bad.High = 1 // below low, validation fails
	env, _ := model.NewEnvelope(model.MsgCandleComplete, bad)
	body, _ := json.Marshal(env)
	if err := q.Enqueue(env.Type, body); err != nil {
		t.Fatal(err)
	}

	if err := c.pollOnce(srv); err != nil {
		t.Fatal(err)
	}
	depth, _ := q.Depth()
	if depth != 1 {
		t.Errorf("failed row acked, depth %d want 1", depth)
	}
}

type stubSocket struct{ up bool }

func (s stubSocket) Listening() bool { return s.up }

func TestHealth_Statuses(t *testing.T) {
	c, store, q, _ := newTestConsumer(t)
	h := NewHealth(c, stubSocket{up: true}, store.DB(), q.DB())

	// No successful poll yet: degraded but still 200.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Errorf("status code %d, want 200", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "degraded" {
		t.Errorf("status %q, want degraded", resp.Status)
	}
	if resp.Timestamp == "" {
		t.Error("timestamp missing from health response")
	}
	for _, name := range []string{"socket", "poller", "storage", "queue"} {
		if _, ok := resp.Components[name]; !ok {
			t.Errorf("component %q missing from health response", name)
		}
	}

	// A recent poll flips it healthy.
	c.lastPollOK.Store(time.Now().UnixMilli())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "healthy" {
		t.Errorf("status %q, want healthy", resp.Status)
	}
	if resp.Components["socket"].Status != "healthy" {
		t.Errorf("socket component %+v, want healthy", resp.Components["socket"])
	}

	// Closed storage makes it unhealthy with a 503.
	store.Close()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 503 {
		t.Errorf("status code %d, want 503", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "unhealthy" {
		t.Errorf("status %q, want unhealthy", resp.Status)
	}
}

func TestHealth_SocketDownDegrades(t *testing.T) {
	c, store, q, _ := newTestConsumer(t)
	h := NewHealth(c, stubSocket{up: false}, store.DB(), q.DB())
	c.lastPollOK.Store(time.Now().UnixMilli())

	// Queue drain still works without the socket, so degraded, not 503.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Errorf("status code %d, want 200", rec.Code)
	}
	var resp healthResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "degraded" {
		t.Errorf("status %q, want degraded", resp.Status)
	}
	if resp.Components["socket"].Status != "degraded" {
		t.Errorf("socket component %+v, want degraded", resp.Components["socket"])
	}
}
