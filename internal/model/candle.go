package model

import (
	"encoding/json"
	"sort"
)

// FootprintBin aggregates buy/sell volume at one discretised price level.
// Bins inside a candle are uniquely keyed by TickPrice, sorted ascending.
type FootprintBin struct {
	TickPrice       float64 `json:"tick_price"`
	BuyVolume       float64 `json:"buy_volume"`
	SellVolume      float64 `json:"sell_volume"`
	BuyQuoteVolume  float64 `json:"buy_quote_volume"`
	SellQuoteVolume float64 `json:"sell_quote_volume"`
}

// Candle is one OHLCV candle with footprint bins for a
// (exchange, symbol, timeframe, open_time) bucket.
// Once Closed flips true the candle must not be mutated again.
type Candle struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  int64     `json:"open_time"`  // ms, aligned to timeframe boundary
	CloseTime int64     `json:"close_time"` // open_time + duration - 1

	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`

	Volume     float64 `json:"volume"`
	BuyVolume  float64 `json:"buy_volume"`
	SellVolume float64 `json:"sell_volume"`

	QuoteVolume     float64 `json:"quote_volume"`
	BuyQuoteVolume  float64 `json:"buy_quote_volume"`
	SellQuoteVolume float64 `json:"sell_quote_volume"`

	TradeCount int64 `json:"trade_count"`

	Delta    float64 `json:"delta"` // buy_volume - sell_volume
	DeltaMax float64 `json:"delta_max"`
	DeltaMin float64 `json:"delta_min"`

	FirstTradeID int64 `json:"first_trade_id"`
	LastTradeID  int64 `json:"last_trade_id"`

	Closed bool `json:"closed"`

	Bins []FootprintBin `json:"bins"`
}

// NewCandle initialises a candle at the given bucket from the first trade price.
func NewCandle(exchange, symbol string, tf Timeframe, openTime int64, price float64) *Candle {
	return &Candle{
		Exchange:  exchange,
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  openTime,
		CloseTime: openTime + tf.DurationMS() - 1,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
	}
}

// Key returns "exchange:symbol:timeframe:open_time" — the natural key.
func (c *Candle) Key() string {
	return c.Exchange + ":" + c.Symbol + ":" + string(c.Timeframe) + ":" + itoa64(c.OpenTime)
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Clone returns a deep copy, bins included. Emitted candles are clones so
// the live state can keep mutating without aliasing.
func (c *Candle) Clone() *Candle {
	cp := *c
	if c.Bins != nil {
		cp.Bins = make([]FootprintBin, len(c.Bins))
		copy(cp.Bins, c.Bins)
	}
	return &cp
}

// UpsertBin adds trade volume to the bin at binPrice, inserting the bin at
// its sorted position if absent. The linear scan is fine at bounded bin
// counts. Returns the resulting bin count.
func (c *Candle) UpsertBin(binPrice, price, qty float64, buy bool) int {
	i := sort.Search(len(c.Bins), func(i int) bool {
		return c.Bins[i].TickPrice >= binPrice
	})
	if i == len(c.Bins) || c.Bins[i].TickPrice != binPrice {
		c.Bins = append(c.Bins, FootprintBin{})
		copy(c.Bins[i+1:], c.Bins[i:])
		c.Bins[i] = FootprintBin{TickPrice: binPrice}
	}
	b := &c.Bins[i]
	if buy {
		b.BuyVolume = RoundBase(b.BuyVolume + qty)
		b.BuyQuoteVolume = RoundQuote(b.BuyQuoteVolume + price*qty)
	} else {
		b.SellVolume = RoundBase(b.SellVolume + qty)
		b.SellQuoteVolume = RoundQuote(b.SellQuoteVolume + price*qty)
	}
	return len(c.Bins)
}

// MergeBins folds the bins of src into c, keyed by tick price, keeping the
// ascending order.
func (c *Candle) MergeBins(src []FootprintBin) {
	for _, sb := range src {
		i := sort.Search(len(c.Bins), func(i int) bool {
			return c.Bins[i].TickPrice >= sb.TickPrice
		})
		if i == len(c.Bins) || c.Bins[i].TickPrice != sb.TickPrice {
			c.Bins = append(c.Bins, FootprintBin{})
			copy(c.Bins[i+1:], c.Bins[i:])
			c.Bins[i] = sb
			continue
		}
		b := &c.Bins[i]
		b.BuyVolume = RoundBase(b.BuyVolume + sb.BuyVolume)
		b.SellVolume = RoundBase(b.SellVolume + sb.SellVolume)
		b.BuyQuoteVolume = RoundQuote(b.BuyQuoteVolume + sb.BuyQuoteVolume)
		b.SellQuoteVolume = RoundQuote(b.SellQuoteVolume + sb.SellQuoteVolume)
	}
}

// itoa64 is a minimal int64-to-string without strconv in the hot path.
func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
