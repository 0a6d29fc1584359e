package exchange

import (
	"context"
	"fmt"
	"testing"

	"github.com/adshao/go-binance/v2"

	"flowtrace/internal/model"
)

func TestBinanceStream_URL(t *testing.T) {
	s := NewBinanceStream("wss://stream.binance.com:9443/", "BINANCE", []string{"BTCUSDT", "ETHUSDT"})
	want := "wss://stream.binance.com:9443/stream?streams=btcusdt@trade/ethusdt@trade"
	if got := s.URL(); got != want {
		t.Errorf("url %s, want %s", got, want)
	}
}

func TestParseCombinedTrade(t *testing.T) {
	msg := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":12345,"p":"42000.50","q":"0.01500000","T":1700000000095,"m":true}}`)
	raw, err := parseCombinedTrade("BINANCE", msg)
	if err != nil {
		t.Fatal(err)
	}
	if raw.Symbol != "BTCUSDT" || raw.TradeID != 12345 {
		t.Errorf("identity %s/%d", raw.Symbol, raw.TradeID)
	}
	if raw.Price != "42000.50" || raw.Quantity != "0.01500000" {
		t.Errorf("numerics %s %s", raw.Price, raw.Quantity)
	}
	if raw.TimestampMS != 1700000000095 || !raw.BuyerIsMaker {
		t.Errorf("timestamp %d maker %v", raw.TimestampMS, raw.BuyerIsMaker)
	}

	trade, err := model.ParseTrade(raw)
	if err != nil {
		t.Fatal(err)
	}
	if trade.Price != 42000.50 || trade.Quantity != 0.015 {
		t.Errorf("parsed %v %v", trade.Price, trade.Quantity)
	}
}

func TestParseCombinedTrade_Rejects(t *testing.T) {
	cases := []struct {
		name string
		msg  string
	}{
		{"broken json", `{"stream":`},
		{"wrong event type", `{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT"}}`},
		{"missing trade id", `{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","t":0}}`},
		{"missing symbol", `{"stream":"btcusdt@trade","data":{"e":"trade","t":5}}`},
	}
	for _, tc := range cases {
		if _, err := parseCombinedTrade("BINANCE", []byte(tc.msg)); err == nil {
			t.Errorf("%s: expected parse error", tc.name)
		}
	}
}

// fakeFetcher serves historical trades from an in-memory ledger.
type fakeFetcher struct {
	trades map[int64]*binance.Trade
	calls  int
}

func (f *fakeFetcher) fetch(_ context.Context, _ string, fromID int64, limit int) ([]*binance.Trade, error) {
	f.calls++
	var out []*binance.Trade
	for id := fromID; len(out) < limit; id++ {
		t, ok := f.trades[id]
		if !ok {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

type fakeGapSource struct {
	gaps   []model.GapRecord
	synced []string
}

func (s *fakeGapSource) LoadUnsyncedGaps(_, _ string, _ int) ([]model.GapRecord, error) {
	return s.gaps, nil
}

func (s *fakeGapSource) MarkGapSynced(exchange, symbol string, fromID, toID int64) error {
	s.synced = append(s.synced, fmt.Sprintf("%s:%s:%d:%d", exchange, symbol, fromID, toID))
	return nil
}

func TestRecovery_RecoversGapAndMarksSynced(t *testing.T) {
	fetcher := &fakeFetcher{trades: map[int64]*binance.Trade{}}
	for id := int64(95); id <= 120; id++ {
		fetcher.trades[id] = &binance.Trade{
			ID:           id,
			Price:        "100.0",
			Quantity:     "1.0",
			Time:         1700000000000 + id,
			IsBuyerMaker: id%2 == 0,
		}
	}

	gaps := &fakeGapSource{gaps: []model.GapRecord{
		{Exchange: "BINANCE", Symbol: "BTCUSDT", FromTradeID: 100, ToTradeID: 110, GapSize: 11},
	}}

	var replayed []model.RawTrade
	r := &Recovery{
		exchange: "BINANCE",
		symbols:  []string{"BTCUSDT"},
		gaps:     gaps,
		sink:     func(raw model.RawTrade) { replayed = append(replayed, raw) },
		fetcher:  fetcher,
	}

	if err := r.recoverSymbol(context.Background(), "BTCUSDT"); err != nil {
		t.Fatal(err)
	}

	// Exactly the gap range, in order, nothing outside it.
	if len(replayed) != 11 {
		t.Fatalf("replayed %d trades, want 11", len(replayed))
	}
	for i, raw := range replayed {
		if raw.TradeID != 100+int64(i) {
			t.Errorf("replay %d trade id %d", i, raw.TradeID)
		}
		if raw.TradeType != "backfill" {
			t.Errorf("replay %d type %q", i, raw.TradeType)
		}
	}

	if len(gaps.synced) != 1 || gaps.synced[0] != "BINANCE:BTCUSDT:100:110" {
		t.Errorf("synced %v", gaps.synced)
	}
}

func TestRecovery_PaginatesLongGaps(t *testing.T) {
	fetcher := &fakeFetcher{trades: map[int64]*binance.Trade{}}
	for id := int64(1); id <= 2500; id++ {
		fetcher.trades[id] = &binance.Trade{ID: id, Price: "1", Quantity: "1", Time: id}
	}
	gaps := &fakeGapSource{gaps: []model.GapRecord{
		{Exchange: "BINANCE", Symbol: "BTCUSDT", FromTradeID: 1, ToTradeID: 2500, GapSize: 2500},
	}}

	count := 0
	r := &Recovery{
		exchange: "BINANCE",
		symbols:  []string{"BTCUSDT"},
		gaps:     gaps,
		sink:     func(model.RawTrade) { count++ },
		fetcher:  fetcher,
	}
	if err := r.recoverSymbol(context.Background(), "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	if count != 2500 {
		t.Errorf("replayed %d, want 2500", count)
	}
	if fetcher.calls != 3 {
		t.Errorf("fetch calls %d, want 3", fetcher.calls)
	}
}
