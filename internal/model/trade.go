package model

import (
	"fmt"
	"math"
	"strconv"
)

// TradeTypeBackfill marks trades replayed by gap recovery. They merge
// into still-forming candles instead of running the sequence guard.
const TradeTypeBackfill = "backfill"

// Trade is a single executed trade, normalized from the exchange feed.
// TradeID is exchange-assigned and monotonic per symbol. BuyerIsMaker
// true means the aggressor sold. Zero-quantity trades are valid metadata
// trades that only advance the trade-id sequence.
type Trade struct {
	Exchange     string  `json:"exchange"`
	Symbol       string  `json:"symbol"`
	TradeID      int64   `json:"trade_id"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	Timestamp    int64   `json:"timestamp"` // ms
	BuyerIsMaker bool    `json:"buyer_is_maker"`
	TradeType    string  `json:"trade_type,omitempty"`
}

// Key returns "exchange:symbol".
func (t *Trade) Key() string {
	return t.Exchange + ":" + t.Symbol
}

// RawTrade is the wire form delivered by an exchange adapter, with
// string-decimal numerics as exchanges send them.
type RawTrade struct {
	Exchange     string `json:"exchange"`
	Symbol       string `json:"symbol"`
	TradeID      int64  `json:"trade_id"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	TimestampMS  int64  `json:"timestamp_ms"`
	BuyerIsMaker bool   `json:"buyer_is_maker"`
	TradeType    string `json:"trade_type,omitempty"`
}

// ParseTrade converts a RawTrade into a Trade. This is the single point
// where string decimals become numbers; malformed numerics are rejected
// here so the state machine never sees NaN.
func ParseTrade(r RawTrade) (Trade, error) {
	price, err := strconv.ParseFloat(r.Price, 64)
	if err != nil {
		return Trade{}, fmt.Errorf("parse trade %s/%d price %q: %w", r.Symbol, r.TradeID, r.Price, err)
	}
	qty, err := strconv.ParseFloat(r.Quantity, 64)
	if err != nil {
		return Trade{}, fmt.Errorf("parse trade %s/%d quantity %q: %w", r.Symbol, r.TradeID, r.Quantity, err)
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return Trade{}, fmt.Errorf("parse trade %s/%d: invalid price %v", r.Symbol, r.TradeID, price)
	}
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty < 0 {
		return Trade{}, fmt.Errorf("parse trade %s/%d: invalid quantity %v", r.Symbol, r.TradeID, qty)
	}
	return Trade{
		Exchange:     r.Exchange,
		Symbol:       r.Symbol,
		TradeID:      r.TradeID,
		Price:        price,
		Quantity:     qty,
		Timestamp:    r.TimestampMS,
		BuyerIsMaker: r.BuyerIsMaker,
		TradeType:    r.TradeType,
	}, nil
}
