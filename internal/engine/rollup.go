package engine

import (
	"log"

	"flowtrace/internal/model"
)

// RollupBase merges a completed 1s candle into every rollup timeframe of
// the group. refTS is the timestamp of the trade that closed the base
// candle; when it falls past a timeframe's bucket, that bucket closes and
// the candle is emitted. Exactly one candle is emitted per timeframe per
// bucket boundary crossed.
func RollupBase(g *model.CandleGroup, base *model.Candle, refTS int64, emit Emitter) {
	for _, tf := range model.RollupTimeframes {
		d := tf.DurationMS()
		bucketOpen := base.OpenTime - base.OpenTime%d
		checkBucket := refTS - refTS%d

		cur := g.Candles[tf]

		switch {
		case cur == nil || bucketOpen > cur.OpenTime:
			// A new bucket has started. Normally the previous candle was
			// already closed and emitted when its boundary was crossed; if
			// it is still forming (state restored mid-bucket), finalize it
			// now so its bucket is not silently lost.
			if cur != nil && !cur.Closed {
				cur.Closed = true
				emit(cur.Clone())
			}
			cur = initFromBase(g, tf, bucketOpen, base)
			g.Candles[tf] = cur

		case bucketOpen == cur.OpenTime:
			if cur.Closed {
				// A base candle for an already-closed bucket means the feed
				// went backwards; never mutate a closed candle.
				log.Printf("[engine] %s: dropping base candle %d into closed %s bucket %d",
					g.Key(), base.OpenTime, tf, cur.OpenTime)
				continue
			}
			mergeBase(cur, base)

		default:
			// Base candle older than the forming bucket: stale, skip.
			log.Printf("[engine] %s: stale base candle %d behind %s bucket %d",
				g.Key(), base.OpenTime, tf, cur.OpenTime)
			continue
		}

		if checkBucket != bucketOpen {
			cur.Closed = true
			emit(cur.Clone())
		}
	}
}

// initFromBase starts a new timeframe candle seeded from a completed 1s candle.
func initFromBase(g *model.CandleGroup, tf model.Timeframe, bucketOpen int64, base *model.Candle) *model.Candle {
	c := base.Clone()
	c.Timeframe = tf
	c.OpenTime = bucketOpen
	c.CloseTime = bucketOpen + tf.DurationMS() - 1
	c.Closed = false
	c.DeltaMax = c.Delta
	c.DeltaMin = c.Delta
	return c
}

// mergeBase folds a completed 1s candle into a forming timeframe candle.
func mergeBase(c *model.Candle, base *model.Candle) {
	if base.High > c.High {
		c.High = base.High
	}
	if base.Low < c.Low {
		c.Low = base.Low
	}
	c.Close = base.Close

	c.Volume = model.RoundBase(c.Volume + base.Volume)
	c.BuyVolume = model.RoundBase(c.BuyVolume + base.BuyVolume)
	c.SellVolume = model.RoundBase(c.SellVolume + base.SellVolume)
	c.QuoteVolume = model.RoundQuote(c.QuoteVolume + base.QuoteVolume)
	c.BuyQuoteVolume = model.RoundQuote(c.BuyQuoteVolume + base.BuyQuoteVolume)
	c.SellQuoteVolume = model.RoundQuote(c.SellQuoteVolume + base.SellQuoteVolume)
	c.TradeCount += base.TradeCount
	if base.LastTradeID != 0 {
		c.LastTradeID = base.LastTradeID
	}
	if c.FirstTradeID == 0 {
		c.FirstTradeID = base.FirstTradeID
	}

	// Delta is recomputed from the totals, not accumulated, to avoid drift.
	c.Delta = round8(c.BuyVolume - c.SellVolume)
	if c.Delta > c.DeltaMax {
		c.DeltaMax = c.Delta
	}
	if c.Delta < c.DeltaMin {
		c.DeltaMin = c.Delta
	}

	c.MergeBins(base.Bins)
}
