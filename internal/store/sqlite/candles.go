package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"

	"flowtrace/internal/model"
)

// ErrSubMinute marks 1s candles, which are aggregation scaffolding and
// never stored.
var ErrSubMinute = errors.New("store: sub-minute candles are not persisted")

// ValidateCandle rejects candles that must never reach the candles table.
func ValidateCandle(c *model.Candle) error {
	if c == nil {
		return errors.New("store: nil candle")
	}
	if c.Exchange == "" || c.Symbol == "" {
		return errors.New("store: candle missing exchange or symbol")
	}
	if !c.Timeframe.Valid() {
		return fmt.Errorf("store: unknown timeframe %q", c.Timeframe)
	}
	if c.Timeframe == model.TF1s {
		return ErrSubMinute
	}
	d := c.Timeframe.DurationMS()
	if c.OpenTime <= 0 || c.OpenTime%d != 0 {
		return fmt.Errorf("store: open_time %d not aligned to %s", c.OpenTime, c.Timeframe)
	}
	if c.CloseTime != c.OpenTime+d-1 {
		return fmt.Errorf("store: close_time %d inconsistent with open_time %d", c.CloseTime, c.OpenTime)
	}
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close} {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("store: bad price in candle %s", c.Key())
		}
	}
	if c.High < c.Low || c.High < c.Open || c.High < c.Close || c.Low > c.Open || c.Low > c.Close {
		return fmt.Errorf("store: inconsistent OHLC in candle %s", c.Key())
	}
	if c.Volume < 0 || c.BuyVolume < 0 || c.SellVolume < 0 || c.QuoteVolume < 0 {
		return fmt.Errorf("store: negative volume in candle %s", c.Key())
	}
	if c.TradeCount <= 0 {
		return fmt.Errorf("store: candle %s has no trades", c.Key())
	}
	for i, b := range c.Bins {
		if b.BuyVolume < 0 || b.SellVolume < 0 ||
			math.IsNaN(b.BuyVolume) || math.IsNaN(b.SellVolume) {
			return fmt.Errorf("store: bad bin volume at tick %v in candle %s", b.TickPrice, c.Key())
		}
		if i > 0 && c.Bins[i-1].TickPrice >= b.TickPrice {
			return fmt.Errorf("store: bins not strictly ascending in candle %s", c.Key())
		}
	}
	return nil
}

// WriteCandle upserts one completed candle on its natural key, so redelivery
// from the durable queue is harmless.
func (s *Store) WriteCandle(c *model.Candle) error {
	if err := ValidateCandle(c); err != nil {
		if errors.Is(err, ErrSubMinute) {
			return nil
		}
		return err
	}

	bins, err := json.Marshal(c.Bins)
	if err != nil {
		return fmt.Errorf("store: marshal bins: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO candles (
			exchange, symbol, timeframe, open_time, close_time,
			open, high, low, close,
			volume, buy_volume, sell_volume,
			quote_volume, buy_quote_volume, sell_quote_volume,
			trade_count, delta, delta_max, delta_min,
			first_trade_id, last_trade_id, bins
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.Exchange, c.Symbol, string(c.Timeframe), c.OpenTime, c.CloseTime,
		c.Open, c.High, c.Low, c.Close,
		c.Volume, c.BuyVolume, c.SellVolume,
		c.QuoteVolume, c.BuyQuoteVolume, c.SellQuoteVolume,
		c.TradeCount, c.Delta, c.DeltaMax, c.DeltaMin,
		c.FirstTradeID, c.LastTradeID, string(bins),
	)
	if err != nil {
		return fmt.Errorf("store: write candle %s: %w", c.Key(), err)
	}
	return nil
}

const candleColumns = `
	exchange, symbol, timeframe, open_time, close_time,
	open, high, low, close,
	volume, buy_volume, sell_volume,
	quote_volume, buy_quote_volume, sell_quote_volume,
	trade_count, delta, delta_max, delta_min,
	first_trade_id, last_trade_id, bins`

// ReadCandles returns candles in [fromMS, toMS] by ascending open time.
func (s *Store) ReadCandles(exchange, symbol string, tf model.Timeframe, fromMS, toMS int64, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(`
		SELECT `+candleColumns+`
		  FROM candles
		 WHERE exchange = ? AND symbol = ? AND timeframe = ?
		   AND open_time >= ? AND open_time <= ?
		 ORDER BY open_time
		 LIMIT ?`,
		exchange, symbol, string(tf), fromMS, toMS, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: read candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// LatestCandle returns the most recent candle for the key, nil if none.
func (s *Store) LatestCandle(exchange, symbol string, tf model.Timeframe) (*model.Candle, error) {
	row := s.db.QueryRow(`
		SELECT `+candleColumns+`
		  FROM candles
		 WHERE exchange = ? AND symbol = ? AND timeframe = ?
		 ORDER BY open_time DESC
		 LIMIT 1`,
		exchange, symbol, string(tf),
	)
	c, err := scanCandle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// CountCandles returns the number of stored candles for the key.
func (s *Store) CountCandles(exchange, symbol string, tf model.Timeframe) (int64, error) {
	var n int64
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM candles
		 WHERE exchange = ? AND symbol = ? AND timeframe = ?`,
		exchange, symbol, string(tf),
	).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(r rowScanner) (*model.Candle, error) {
	var c model.Candle
	var tf, bins string
	err := r.Scan(
		&c.Exchange, &c.Symbol, &tf, &c.OpenTime, &c.CloseTime,
		&c.Open, &c.High, &c.Low, &c.Close,
		&c.Volume, &c.BuyVolume, &c.SellVolume,
		&c.QuoteVolume, &c.BuyQuoteVolume, &c.SellQuoteVolume,
		&c.TradeCount, &c.Delta, &c.DeltaMax, &c.DeltaMin,
		&c.FirstTradeID, &c.LastTradeID, &bins,
	)
	if err != nil {
		return nil, err
	}
	c.Timeframe = model.Timeframe(tf)
	c.Closed = true
	if err := json.Unmarshal([]byte(bins), &c.Bins); err != nil {
		log.Printf("[store] corrupt bins for %s: %v", c.Key(), err)
		c.Bins = nil
	}
	return &c, nil
}
