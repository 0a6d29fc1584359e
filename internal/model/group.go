package model

import (
	"encoding/json"
	"fmt"
)

// CandleGroup holds the live candle at every timeframe for one symbol.
// A group is owned exclusively by the worker the symbol is assigned to;
// no other goroutine may touch it.
type CandleGroup struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`

	// TickValue is the exchange's minimum price increment.
	// BinMultiplier scales it to the effective footprint bin width.
	TickValue     float64 `json:"tick_value"`
	BinMultiplier int     `json:"bin_multiplier"`

	LastTradeID   int64 `json:"last_trade_id"`
	LastTimestamp int64 `json:"last_timestamp"`

	Candles map[Timeframe]*Candle `json:"candles"`

	// Dirty marks the group for the next snapshot flush. Not serialised:
	// a restored group has, by definition, nothing new to flush.
	Dirty bool `json:"-"`
}

// NewCandleGroup creates an empty group for one symbol.
func NewCandleGroup(exchange, symbol string, tickValue float64, binMultiplier int) *CandleGroup {
	if binMultiplier < 1 {
		binMultiplier = 1
	}
	return &CandleGroup{
		Exchange:      exchange,
		Symbol:        symbol,
		TickValue:     tickValue,
		BinMultiplier: binMultiplier,
		Candles:       make(map[Timeframe]*Candle, len(Timeframes)),
	}
}

// Key returns "exchange:symbol".
func (g *CandleGroup) Key() string {
	return g.Exchange + ":" + g.Symbol
}

// BinSize returns the effective footprint bin width.
func (g *CandleGroup) BinSize() float64 {
	return g.TickValue * float64(g.BinMultiplier)
}

// Snapshot serialises the group for crash recovery.
func (g *CandleGroup) Snapshot() ([]byte, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", g.Key(), err)
	}
	return b, nil
}

// RestoreCandleGroup rebuilds a group from a snapshot image. The restored
// group is not dirty.
func RestoreCandleGroup(data []byte) (*CandleGroup, error) {
	var g CandleGroup
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("restore candle group: %w", err)
	}
	if g.Candles == nil {
		g.Candles = make(map[Timeframe]*Candle, len(Timeframes))
	}
	if g.BinMultiplier < 1 {
		g.BinMultiplier = 1
	}
	g.Dirty = false
	return &g, nil
}
