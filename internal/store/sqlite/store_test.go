package sqlite

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"flowtrace/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "candles.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func closedCandle(tf model.Timeframe, openTime int64) *model.Candle {
	c := model.NewCandle("BINANCE", "BTCUSDT", tf, openTime, 100)
	c.High = 110
	c.Low = 95
	c.Close = 105
	c.Volume = 12.5
	c.BuyVolume = 7.5
	c.SellVolume = 5
	c.QuoteVolume = 1250
	c.BuyQuoteVolume = 750
	c.SellQuoteVolume = 500
	c.TradeCount = 42
	c.Delta = 2.5
	c.DeltaMax = 3
	c.DeltaMin = -1
	c.FirstTradeID = 1000
	c.LastTradeID = 1041
	c.Closed = true
	c.Bins = []model.FootprintBin{
		{TickPrice: 95, BuyVolume: 2, SellVolume: 3, BuyQuoteVolume: 190, SellQuoteVolume: 285},
		{TickPrice: 105, BuyVolume: 5.5, SellVolume: 2, BuyQuoteVolume: 560, SellQuoteVolume: 215},
	}
	return c
}

func TestWriteCandle_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	c := closedCandle(model.TF1m, 60000)

	if err := s.WriteCandle(c); err != nil {
		t.Fatal(err)
	}

	got, err := s.LatestCandle("BINANCE", "BTCUSDT", model.TF1m)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("candle not found after write")
	}
	if got.Key() != c.Key() {
		t.Errorf("key %s, want %s", got.Key(), c.Key())
	}
	if got.Open != 100 || got.High != 110 || got.Low != 95 || got.Close != 105 {
		t.Errorf("OHLC %v/%v/%v/%v", got.Open, got.High, got.Low, got.Close)
	}
	if got.TradeCount != 42 || got.FirstTradeID != 1000 || got.LastTradeID != 1041 {
		t.Errorf("trade fields %d %d %d", got.TradeCount, got.FirstTradeID, got.LastTradeID)
	}
	if len(got.Bins) != 2 || got.Bins[0].TickPrice != 95 || got.Bins[1].BuyVolume != 5.5 {
		t.Errorf("bins %+v", got.Bins)
	}
	if !got.Closed {
		t.Error("read candle not marked closed")
	}
}

func TestWriteCandle_Idempotent(t *testing.T) {
	s := openTestStore(t)
	c := closedCandle(model.TF5m, 300000)

	// Redelivery from the durable queue writes the same key repeatedly.
	for i := 0; i < 3; i++ {
		if err := s.WriteCandle(c); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.CountCandles("BINANCE", "BTCUSDT", model.TF5m)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count %d after 3 identical writes, want 1", n)
	}

	// A newer version of the same bucket replaces the row.
	c.Close = 108
	c.TradeCount = 50
	c.LastTradeID = 1049
	if err := s.WriteCandle(c); err != nil {
		t.Fatal(err)
	}
	got, _ := s.LatestCandle("BINANCE", "BTCUSDT", model.TF5m)
	if got.Close != 108 || got.TradeCount != 50 {
		t.Errorf("replaced candle close=%v count=%d", got.Close, got.TradeCount)
	}
}

func TestWriteCandle_DiscardsSubMinute(t *testing.T) {
	s := openTestStore(t)
	c := closedCandle(model.TF1s, 61000)

	if err := s.WriteCandle(c); err != nil {
		t.Fatalf("1s candle should be silently discarded, got %v", err)
	}
	n, _ := s.CountCandles("BINANCE", "BTCUSDT", model.TF1s)
	if n != 0 {
		t.Errorf("1s candle reached storage")
	}
}

func TestWriteCandle_RejectsCorruptBins(t *testing.T) {
	s := openTestStore(t)

	// A mangled queue payload can decode into a structurally broken bin
	// array; the writer must refuse it rather than persist it.
	c := closedCandle(model.TF1m, 60000)
	c.Bins = []model.FootprintBin{
		{TickPrice: 105, BuyVolume: 5.5, SellVolume: 2},
		{TickPrice: 95, BuyVolume: 2, SellVolume: -3},
	}
	if err := s.WriteCandle(c); err == nil {
		t.Fatal("corrupt bins accepted by writer")
	}
	n, _ := s.CountCandles("BINANCE", "BTCUSDT", model.TF1m)
	if n != 0 {
		t.Errorf("corrupt candle reached storage")
	}
}

func TestValidateCandle_Rejections(t *testing.T) {
	base := func() *model.Candle { return closedCandle(model.TF1m, 60000) }

	cases := []struct {
		name   string
		mutate func(*model.Candle)
	}{
		{"missing symbol", func(c *model.Candle) { c.Symbol = "" }},
		{"unknown timeframe", func(c *model.Candle) { c.Timeframe = "7m" }},
		{"misaligned open", func(c *model.Candle) { c.OpenTime = 61000; c.CloseTime = 120999 }},
		{"inconsistent close_time", func(c *model.Candle) { c.CloseTime = c.OpenTime + 1000 }},
		{"high below low", func(c *model.Candle) { c.High = 90 }},
		{"zero price", func(c *model.Candle) { c.Open = 0 }},
		{"negative volume", func(c *model.Candle) { c.BuyVolume = -1 }},
		{"no trades", func(c *model.Candle) { c.TradeCount = 0 }},
		{"unsorted bins", func(c *model.Candle) {
			c.Bins[0].TickPrice, c.Bins[1].TickPrice = c.Bins[1].TickPrice, c.Bins[0].TickPrice
		}},
		{"duplicate bin price", func(c *model.Candle) { c.Bins[1].TickPrice = c.Bins[0].TickPrice }},
		{"negative bin volume", func(c *model.Candle) { c.Bins[1].SellVolume = -0.5 }},
	}
	for _, tc := range cases {
		c := base()
		tc.mutate(c)
		if err := ValidateCandle(c); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
	if err := ValidateCandle(base()); err != nil {
		t.Errorf("valid candle rejected: %v", err)
	}
}

func TestReadCandles_RangeAndOrder(t *testing.T) {
	s := openTestStore(t)
	for _, open := range []int64{180000, 60000, 120000, 240000} {
		if err := s.WriteCandle(closedCandle(model.TF1m, open)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ReadCandles("BINANCE", "BTCUSDT", model.TF1m, 60000, 180000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d candles, want 3", len(got))
	}
	for i, want := range []int64{60000, 120000, 180000} {
		if got[i].OpenTime != want {
			t.Errorf("candle %d open_time %d, want %d", i, got[i].OpenTime, want)
		}
	}

	limited, err := s.ReadCandles("BINANCE", "BTCUSDT", model.TF1m, 0, 300000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limit ignored, got %d", len(limited))
	}
}

func TestSnapshots_SaveLoad(t *testing.T) {
	s := openTestStore(t)

	item := model.SnapshotItem{
		Exchange: "BINANCE",
		Symbol:   "BTCUSDT",
		Data:     json.RawMessage(`{"last_trade_id":99}`),
	}
	if err := s.SaveSnapshot(item); err != nil {
		t.Fatal(err)
	}

	// Last writer wins.
	item.Data = json.RawMessage(`{"last_trade_id":150}`)
	if err := s.SaveSnapshot(item); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadSnapshot("BINANCE", "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || string(got.Data) != `{"last_trade_id":150}` {
		t.Errorf("snapshot data %s", got.Data)
	}

	missing, err := s.LoadSnapshot("BINANCE", "NOPEUSDT")
	if err != nil || missing != nil {
		t.Errorf("missing snapshot: got %v, %v", missing, err)
	}

	if err := s.SaveSnapshot(model.SnapshotItem{Exchange: "BINANCE", Symbol: "ETHUSDT", Data: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}
	batch, err := s.LoadSnapshots([]model.SymbolRef{
		{Exchange: "BINANCE", Symbol: "BTCUSDT"},
		{Exchange: "BINANCE", Symbol: "NOPEUSDT"},
		{Exchange: "BINANCE", Symbol: "ETHUSDT"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 {
		t.Errorf("batch load returned %d, want 2 (missing key skipped)", len(batch))
	}

	all, err := s.LoadAllSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("load all returned %d, want 2", len(all))
	}
}

func TestSnapshots_RejectInvalid(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveSnapshot(model.SnapshotItem{Symbol: "BTCUSDT"}); err == nil {
		t.Error("snapshot without exchange accepted")
	}
	if err := s.SaveSnapshot(model.SnapshotItem{
		Exchange: "BINANCE", Symbol: "BTCUSDT", Data: json.RawMessage(`{broken`),
	}); err == nil {
		t.Error("invalid snapshot JSON accepted")
	}
}

func TestGaps_SaveLoadMarkSynced(t *testing.T) {
	s := openTestStore(t)

	gaps := []model.GapRecord{
		{Exchange: "BINANCE", Symbol: "BTCUSDT", FromTradeID: 100, ToTradeID: 104, GapSize: 5, DetectedAt: 1000},
		{Exchange: "BINANCE", Symbol: "BTCUSDT", FromTradeID: 300, ToTradeID: 300, GapSize: 1, DetectedAt: 2000},
		{Exchange: "BINANCE", Symbol: "ETHUSDT", FromTradeID: 50, ToTradeID: 59, GapSize: 10, DetectedAt: 3000},
	}
	if err := s.SaveGaps(gaps); err != nil {
		t.Fatal(err)
	}

	// Re-detection of the same gap does not duplicate.
	if err := s.SaveGap(gaps[0]); err != nil {
		t.Fatal(err)
	}

	btc, err := s.LoadUnsyncedGaps("BINANCE", "BTCUSDT", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(btc) != 2 {
		t.Fatalf("got %d unsynced gaps, want 2", len(btc))
	}
	if btc[0].FromTradeID != 100 || btc[1].FromTradeID != 300 {
		t.Errorf("gap order %d, %d", btc[0].FromTradeID, btc[1].FromTradeID)
	}

	if err := s.MarkGapSynced("BINANCE", "BTCUSDT", 100, 104); err != nil {
		t.Fatal(err)
	}
	btc, _ = s.LoadUnsyncedGaps("BINANCE", "BTCUSDT", 0)
	if len(btc) != 1 || btc[0].FromTradeID != 300 {
		t.Errorf("after sync: %+v", btc)
	}

	// Other symbols untouched.
	eth, _ := s.LoadUnsyncedGaps("BINANCE", "ETHUSDT", 0)
	if len(eth) != 1 {
		t.Errorf("eth gaps %d, want 1", len(eth))
	}
}

func TestGaps_RejectBadRange(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveGap(model.GapRecord{
		Exchange: "BINANCE", Symbol: "BTCUSDT", FromTradeID: 10, ToTradeID: 5,
	}); err == nil {
		t.Error("inverted gap range accepted")
	}
}
