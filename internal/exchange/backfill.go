package exchange

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/adshao/go-binance/v2"

	"flowtrace/internal/model"
)

const (
	backfillBatch     = 1000 // Binance historicalTrades max per call
	backfillRateDelay = 150 * time.Millisecond
	recoveryInterval  = 1 * time.Minute
	recoveryGapLimit  = 20
)

// TradeSink re-injects recovered trades into the normal processing path.
type TradeSink func(model.RawTrade)

// GapSource lists unrecovered gaps and acknowledges recovered ones.
type GapSource interface {
	LoadUnsyncedGaps(exchange, symbol string, limit int) ([]model.GapRecord, error)
	MarkGapSynced(exchange, symbol string, fromID, toID int64) error
}

// historicalTradeFetcher is the slice of the Binance REST client the
// recovery worker uses.
type historicalTradeFetcher interface {
	fetch(ctx context.Context, symbol string, fromID int64, limit int) ([]*binance.Trade, error)
}

type binanceFetcher struct {
	client *binance.Client
}

func (f binanceFetcher) fetch(ctx context.Context, symbol string, fromID int64, limit int) ([]*binance.Trade, error) {
	return f.client.NewHistoricalTradesService().
		Symbol(symbol).
		FromID(fromID).
		Limit(limit).
		Do(ctx)
}

// Recovery backfills missed trade ranges from the Binance REST API and
// replays them through the sink. Replayed trades older than the symbol's
// current sequence position are deduplicated downstream.
type Recovery struct {
	exchange string
	symbols  []string
	gaps     GapSource
	sink     TradeSink
	fetcher  historicalTradeFetcher

	// OnRecovered observes each fully recovered gap, for metrics.
	OnRecovered func(g model.GapRecord)
}

// NewRecovery builds a recovery worker over the public Binance REST API.
func NewRecovery(exchange string, symbols []string, gaps GapSource, sink TradeSink) *Recovery {
	return &Recovery{
		exchange: exchange,
		symbols:  symbols,
		gaps:     gaps,
		sink:     sink,
		fetcher:  binanceFetcher{client: binance.NewClient("", "")},
	}
}

// Run sweeps all symbols for unsynced gaps once a minute.
func (r *Recovery) Run(ctx context.Context) {
	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, sym := range r.symbols {
			if err := r.recoverSymbol(ctx, sym); err != nil {
				log.Printf("[recovery] %s: %v", sym, err)
			}
		}
	}
}

func (r *Recovery) recoverSymbol(ctx context.Context, symbol string) error {
	gaps, err := r.gaps.LoadUnsyncedGaps(r.exchange, symbol, recoveryGapLimit)
	if err != nil {
		return fmt.Errorf("load gaps: %w", err)
	}
	for _, g := range gaps {
		if err := r.recoverGap(ctx, g); err != nil {
			return fmt.Errorf("gap %d..%d: %w", g.FromTradeID, g.ToTradeID, err)
		}
	}
	return nil
}

// recoverGap fetches the gap's trade range and replays it in order. The
// gap is only acknowledged once every trade in the range was fetched.
func (r *Recovery) recoverGap(ctx context.Context, g model.GapRecord) error {
	next := g.FromTradeID
	for next <= g.ToTradeID {
		limit := backfillBatch
		if remaining := g.ToTradeID - next + 1; remaining < int64(limit) {
			limit = int(remaining)
		}

		trades, err := r.fetcher.fetch(ctx, g.Symbol, next, limit)
		if err != nil {
			return err
		}
		if len(trades) == 0 {
			return fmt.Errorf("exchange returned no trades from id %d", next)
		}

		for _, t := range trades {
			if t.ID < next || t.ID > g.ToTradeID {
				continue
			}
			r.sink(model.RawTrade{
				Exchange:     g.Exchange,
				Symbol:       g.Symbol,
				TradeID:      t.ID,
				Price:        t.Price,
				Quantity:     t.Quantity,
				TimestampMS:  t.Time,
				BuyerIsMaker: t.IsBuyerMaker,
				TradeType:    model.TradeTypeBackfill,
			})
		}
		next = trades[len(trades)-1].ID + 1

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backfillRateDelay):
		}
	}

	if err := r.gaps.MarkGapSynced(g.Exchange, g.Symbol, g.FromTradeID, g.ToTradeID); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	log.Printf("[recovery] %s:%s recovered trades %d..%d", g.Exchange, g.Symbol, g.FromTradeID, g.ToTradeID)
	if r.OnRecovered != nil {
		r.OnRecovered(g)
	}
	return nil
}
