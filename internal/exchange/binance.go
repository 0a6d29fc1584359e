// Package exchange adapts exchange market-data feeds into normalized raw
// trades. The Binance adapter subscribes to the combined trade stream and
// reconnects forever; downstream dedup makes replayed trades harmless.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"flowtrace/internal/model"
)

const (
	reconnectInitial = 1 * time.Second
	reconnectCap     = 30 * time.Second
	readLimit        = 1 << 20
)

// binanceCombinedFrame wraps every message on the combined stream.
type binanceCombinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// binanceTradeEvent is one @trade stream payload.
type binanceTradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

// BinanceStream streams raw trades for a set of symbols into TradeChan.
type BinanceStream struct {
	baseURL   string // e.g. "wss://stream.binance.com:9443"
	exchange  string
	symbols   []string
	TradeChan chan model.RawTrade

	// OnReconnect observes reconnect attempts, for metrics.
	OnReconnect func()
}

// NewBinanceStream builds a streamer for the combined @trade streams.
func NewBinanceStream(baseURL, exchange string, symbols []string) *BinanceStream {
	return &BinanceStream{
		baseURL:   strings.TrimRight(baseURL, "/"),
		exchange:  exchange,
		symbols:   symbols,
		TradeChan: make(chan model.RawTrade, 8192),
	}
}

// URL returns the combined-stream endpoint for the configured symbols.
func (s *BinanceStream) URL() string {
	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@trade")
	}
	return s.baseURL + "/stream?streams=" + strings.Join(streams, "/")
}

// Run connects and streams until ctx is cancelled. The channel stays open
// across reconnects and closes only on shutdown.
func (s *BinanceStream) Run(ctx context.Context) {
	defer close(s.TradeChan)

	url := s.URL()
	delay := reconnectInitial
	for {
		if ctx.Err() != nil {
			return
		}

		log.Printf("[exchange] connecting to %s", url)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			log.Printf("[exchange] dial: %v (retry in %v)", err, delay)
			if s.OnReconnect != nil {
				s.OnReconnect()
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > reconnectCap {
				delay = reconnectCap
			}
			continue
		}
		delay = reconnectInitial
		conn.SetReadLimit(readLimit)
		log.Printf("[exchange] connected, %d streams", len(s.symbols))

		// ctx cancellation unblocks the blocking read below.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		s.readLoop(ctx, conn)
		close(done)
		conn.Close()
	}
}

func (s *BinanceStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[exchange] read: %v", err)
			}
			return
		}

		raw, err := parseCombinedTrade(s.exchange, message)
		if err != nil {
			log.Printf("[exchange] parse: %v", err)
			continue
		}

		select {
		case s.TradeChan <- raw:
		default:
			log.Printf("[exchange] trade channel full, dropping %s/%d", raw.Symbol, raw.TradeID)
		}
	}
}

// parseCombinedTrade unwraps a combined-stream frame into a RawTrade.
func parseCombinedTrade(exchange string, message []byte) (model.RawTrade, error) {
	var frame binanceCombinedFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return model.RawTrade{}, fmt.Errorf("combined frame: %w", err)
	}
	var ev binanceTradeEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		return model.RawTrade{}, fmt.Errorf("trade event: %w", err)
	}
	if ev.EventType != "trade" {
		return model.RawTrade{}, fmt.Errorf("unexpected event type %q on %s", ev.EventType, frame.Stream)
	}
	if ev.Symbol == "" || ev.TradeID <= 0 {
		return model.RawTrade{}, fmt.Errorf("incomplete trade event on %s", frame.Stream)
	}
	return model.RawTrade{
		Exchange:     exchange,
		Symbol:       ev.Symbol,
		TradeID:      ev.TradeID,
		Price:        ev.Price,
		Quantity:     ev.Quantity,
		TimestampMS:  ev.TradeTime,
		BuyerIsMaker: ev.BuyerIsMaker,
	}, nil
}
