package engine

import (
	"log"
	"math"

	"flowtrace/internal/model"
)

// binWarnThreshold is the footprint bin count above which a candle is
// logged as suspiciously wide. Bins are never truncated.
const binWarnThreshold = 500

// Emitter receives completed candles. The machine hands over clones, so
// the receiver may retain them.
type Emitter func(c *model.Candle)

// Machine is the per-symbol trade-processing state machine: dedup, gap
// detection, 1s candle update and rollup trigger. It runs single-threaded
// inside the worker that owns the CandleGroup, so it takes no locks.
type Machine struct {
	group *model.CandleGroup

	emit Emitter

	// OnGap is called when a trade-id discontinuity is detected.
	OnGap func(g model.GapRecord)
	// OnDuplicate is called when a trade is dropped as duplicate/out-of-order.
	OnDuplicate func()
	// OnMalformed is called when a trade is dropped as malformed.
	OnMalformed func()

	warnedBins bool
}

// NewMachine creates a machine over the given group. emit receives every
// candle the machine closes (the 1s base candle and rollup candles).
func NewMachine(group *model.CandleGroup, emit Emitter) *Machine {
	if emit == nil {
		emit = func(*model.Candle) {}
	}
	return &Machine{group: group, emit: emit}
}

// Group returns the machine's candle group.
func (m *Machine) Group() *model.CandleGroup {
	return m.group
}

// ProcessTrade runs one trade through the state machine.
func (m *Machine) ProcessTrade(t model.Trade) {
	g := m.group

	// Malformed numerics never touch state.
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price < 0 ||
		math.IsNaN(t.Quantity) || math.IsInf(t.Quantity, 0) || t.Quantity < 0 {
		log.Printf("[engine] %s: dropping malformed trade id=%d price=%v qty=%v",
			g.Key(), t.TradeID, t.Price, t.Quantity)
		if m.OnMalformed != nil {
			m.OnMalformed()
		}
		return
	}

	// Dedup / order guard.
	if g.LastTradeID != 0 && t.TradeID <= g.LastTradeID {
		if m.OnDuplicate != nil {
			m.OnDuplicate()
		}
		return
	}

	// Gap detection. The live path continues; repair happens out-of-band.
	if g.LastTradeID != 0 && t.TradeID > g.LastTradeID+1 {
		gap := model.GapRecord{
			Symbol:      g.Symbol,
			Exchange:    g.Exchange,
			FromTradeID: g.LastTradeID + 1,
			ToTradeID:   t.TradeID - 1,
			GapSize:     t.TradeID - g.LastTradeID - 1,
			DetectedAt:  t.Timestamp,
		}
		log.Printf("[engine] %s: trade-id gap %d..%d (size %d)",
			g.Key(), gap.FromTradeID, gap.ToTradeID, gap.GapSize)
		if m.OnGap != nil {
			m.OnGap(gap)
		}
	}

	// Zero-price zero-quantity metadata trades only advance the sequence.
	if t.Price == 0 && t.Quantity == 0 {
		g.LastTradeID = t.TradeID
		g.LastTimestamp = t.Timestamp
		g.Dirty = true
		return
	}

	m.updateBase(t)

	g.LastTradeID = t.TradeID
	g.LastTimestamp = t.Timestamp
	g.Dirty = true
}

// ProcessLate merges a recovered trade into every still-forming candle
// whose bucket contains its timestamp. The sequence position is not
// touched, and closed candles are never reopened; trades older than every
// forming bucket are dropped. Returns how many candles absorbed the trade.
func (m *Machine) ProcessLate(t model.Trade) int {
	g := m.group

	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 ||
		math.IsNaN(t.Quantity) || math.IsInf(t.Quantity, 0) || t.Quantity <= 0 {
		return 0
	}

	merged := 0
	for _, tf := range model.Timeframes {
		cur := g.Candles[tf]
		if cur == nil || cur.Closed || tf.BucketOpen(t.Timestamp) != cur.OpenTime {
			continue
		}
		prevFirst, prevLast := cur.FirstTradeID, cur.LastTradeID
		m.mergeTrade(cur, t)
		// A recovered trade carries an old id; LastTradeID stays at the
		// live stream's frontier.
		if prevLast > t.TradeID {
			cur.LastTradeID = prevLast
		}
		if prevFirst != 0 && t.TradeID < prevFirst {
			cur.FirstTradeID = t.TradeID
		}
		merged++
	}
	if merged > 0 {
		g.Dirty = true
	}
	return merged
}

// updateBase merges the trade into the 1s candle, closing and rolling up
// the previous one when the second boundary was crossed.
func (m *Machine) updateBase(t model.Trade) {
	g := m.group
	bucket := model.TF1s.BucketOpen(t.Timestamp)

	cur := g.Candles[model.TF1s]
	if cur != nil && cur.OpenTime != bucket {
		cur.Closed = true
		m.emit(cur.Clone())
		RollupBase(g, cur, t.Timestamp, m.emit)
		cur = nil
	}
	if cur == nil {
		cur = model.NewCandle(g.Exchange, g.Symbol, model.TF1s, bucket, t.Price)
		cur.FirstTradeID = t.TradeID
		g.Candles[model.TF1s] = cur
	}

	m.mergeTrade(cur, t)
}

// mergeTrade folds one trade into an open candle.
func (m *Machine) mergeTrade(c *model.Candle, t model.Trade) {
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.TradeCount++
	if c.FirstTradeID == 0 {
		c.FirstTradeID = t.TradeID
	}
	c.LastTradeID = t.TradeID

	quote := t.Price * t.Quantity
	c.Volume = model.RoundBase(c.Volume + t.Quantity)
	c.QuoteVolume = model.RoundQuote(c.QuoteVolume + quote)
	if t.BuyerIsMaker {
		c.SellVolume = model.RoundBase(c.SellVolume + t.Quantity)
		c.SellQuoteVolume = model.RoundQuote(c.SellQuoteVolume + quote)
	} else {
		c.BuyVolume = model.RoundBase(c.BuyVolume + t.Quantity)
		c.BuyQuoteVolume = model.RoundQuote(c.BuyQuoteVolume + quote)
	}

	binPrice := BinPrice(t.Price, m.group.TickValue, m.group.BinMultiplier)
	n := c.UpsertBin(binPrice, t.Price, t.Quantity, !t.BuyerIsMaker)
	if n > binWarnThreshold && !m.warnedBins {
		log.Printf("[engine] %s: candle at %d has %d footprint bins (tick=%v mult=%d)",
			m.group.Key(), c.OpenTime, n, m.group.TickValue, m.group.BinMultiplier)
		m.warnedBins = true
	}

	updateDelta(c)
}

// updateDelta recomputes delta from the volume totals and tracks extrema.
// Recomputing (instead of accumulating) keeps delta free of float drift.
func updateDelta(c *model.Candle) {
	c.Delta = round8(c.BuyVolume - c.SellVolume)
	if c.TradeCount <= 1 {
		c.DeltaMax = c.Delta
		c.DeltaMin = c.Delta
		return
	}
	if c.Delta > c.DeltaMax {
		c.DeltaMax = c.Delta
	}
	if c.Delta < c.DeltaMin {
		c.DeltaMin = c.Delta
	}
}

// round8 rounds to 8 decimals without clamping; deltas are signed.
func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
