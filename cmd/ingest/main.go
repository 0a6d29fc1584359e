package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"flowtrace/config"
	"flowtrace/internal/exchange"
	"flowtrace/internal/ipc"
	"flowtrace/internal/livefeed"
	"flowtrace/internal/logger"
	"flowtrace/internal/metrics"
	"flowtrace/internal/model"
	"flowtrace/internal/publish"
	"flowtrace/internal/queue"
	"flowtrace/internal/router"
	"flowtrace/internal/worker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("flowtrace-ingest", slog.LevelInfo)
	log.Println("[ingest] starting...")

	cfg := config.LoadIngest()
	symbols := cfg.ParseSymbols()
	if len(symbols) == 0 {
		log.Fatal("[ingest] no symbols to subscribe")
	}
	log.Printf("[ingest] subscribing to %d symbols on %s", len(symbols), cfg.ExchangeName)

	// ---- Metrics & health ----
	prom := metrics.New()
	health := metrics.NewHealthStatus()
	health.SetWorkers(cfg.Workers)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Durable queue + hybrid publisher ----
	os.MkdirAll(filepath.Dir(cfg.QueueDBPath), 0o755)
	q, err := queue.Open(cfg.QueueDBPath)
	if err != nil {
		log.Fatalf("[ingest] queue init failed: %v", err)
	}
	defer q.Close()

	pub := publish.New(cfg.IPCSocketPath, q, publish.Options{})
	pub.OnStateChange = func(up bool) {
		health.SetFastChannelUp(up)
		if up {
			prom.FastChannelUp.Set(1)
		} else {
			prom.FastChannelUp.Set(0)
		}
	}
	pub.OnFastSend = func() { prom.FastSends.Inc() }
	pub.OnFallback = func() { prom.FallbackSends.Inc() }
	go pub.Run(ctx)

	// ---- Snapshot loader / gap source over the IPC socket ----
	ipcClient := ipc.NewClient(cfg.IPCSocketPath, 5*time.Second)
	defer ipcClient.Close()

	// ---- Optional Redis livefeed ----
	var feed *livefeed.Feed
	if cfg.RedisAddr != "" {
		feed, err = livefeed.New(livefeed.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[ingest] WARNING: livefeed init failed: %v (continuing without redis)", err)
		} else {
			go feed.Run(ctx)
			health.StartLivenessChecker(ctx, feed.Client(), 10*time.Second)
		}
	}

	// ---- Workers + router ----
	rt := router.New()
	rt.OnDrop = func(_ string, n int) { prom.TradesDropped.Add(float64(n)) }

	snapshotInterval := time.Duration(cfg.SnapshotIntervalSec) * time.Second
	for i := 0; i < cfg.Workers; i++ {
		w := worker.New(i, pub, ipcClient, worker.Options{SnapshotInterval: snapshotInterval})
		w.OnCandle = func(c *model.Candle) {
			prom.CandlesEmitted.WithLabelValues(string(c.Timeframe)).Inc()
			if feed != nil && c.Timeframe != model.TF1s {
				feed.Offer(c)
			}
		}
		w.OnGap = func() { prom.GapsDetected.Inc() }
		w.OnDuplicate = func() { prom.TradesDuplicate.Inc() }
		w.OnSnapshot = func() { prom.SnapshotsSaved.Inc() }
		go w.Run(ctx)
		if err := rt.AddWorker(ctx, w); err != nil {
			log.Fatalf("[ingest] add worker %d: %v", i, err)
		}
	}
	for _, spec := range symbols {
		err := rt.AssignSymbol(ctx, spec.Name, router.SymbolMeta{
			Exchange:      cfg.ExchangeName,
			TickValue:     spec.TickValue,
			BinMultiplier: spec.BinMultiplier,
		})
		if err != nil {
			log.Fatalf("[ingest] assign %s: %v", spec.Name, err)
		}
	}
	log.Printf("[ingest] %d workers ready, distribution %v", cfg.Workers, rt.LoadDistribution())

	// ---- Mailbox gauges ----
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		var lastDrops uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for id, w := range rt.Workers() {
					n, _ := w.MailboxDepth()
					prom.WorkerMailboxes.WithLabelValues(strconv.Itoa(id)).Set(float64(n))
				}
				if feed != nil {
					if d := feed.Dropped(); d > lastDrops {
						prom.LivefeedDrops.Add(float64(d - lastDrops))
						lastDrops = d
					}
				}
			}
		}
	}()

	// ---- Exchange stream ----
	stream := exchange.NewBinanceStream(cfg.ExchangeWSURL, cfg.ExchangeName, cfg.SymbolNames())
	stream.OnReconnect = func() {
		prom.WSReconnects.Inc()
		health.SetWSConnected(false)
	}
	go stream.Run(ctx)

	// ---- Gap recovery ----
	if cfg.EnableBackfill {
		rec := exchange.NewRecovery(cfg.ExchangeName, cfg.SymbolNames(), ipcClient, func(raw model.RawTrade) {
			t, err := model.ParseTrade(raw)
			if err != nil {
				return
			}
			rt.Route(t.Symbol, []model.Trade{t})
		})
		rec.OnRecovered = func(model.GapRecord) { prom.GapsRecovered.Inc() }
		go rec.Run(ctx)
		log.Println("[ingest] gap recovery worker enabled")
	}

	// ---- Main consume loop: batch per symbol, route to workers ----
	go func() {
		batch := make(map[string][]model.Trade)
		for {
			raw, ok := <-stream.TradeChan
			if !ok {
				return
			}
			health.SetWSConnected(true)

			// Drain whatever else is ready before routing.
			for {
				add(batch, raw, prom)
				select {
				case raw, ok = <-stream.TradeChan:
					if !ok {
						flush(rt, batch)
						return
					}
					continue
				default:
				}
				break
			}
			health.SetLastTradeTime(time.Now())
			flush(rt, batch)
		}
	}()

	log.Printf("[ingest] pipeline ready: [%s WS] -> [router] -> [%d workers] -> [publisher]",
		cfg.ExchangeName, cfg.Workers)

	// ---- Wait for shutdown ----
	<-sigCh
	log.Println("[ingest] shutdown signal received, flushing...")
	cancel()
	go func() {
		<-sigCh
		log.Println("[ingest] second signal, forcing exit")
		os.Exit(1)
	}()

	// Give workers time to flush their final snapshots.
	time.Sleep(2 * time.Second)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	if feed != nil {
		feed.Close()
	}
	log.Println("[ingest] shutdown complete.")
}

// add parses one raw trade into the per-symbol batch.
func add(batch map[string][]model.Trade, raw model.RawTrade, prom *metrics.Metrics) {
	prom.TradesTotal.Inc()
	t, err := model.ParseTrade(raw)
	if err != nil {
		log.Printf("[ingest] %v", err)
		prom.TradesMalformed.Inc()
		return
	}
	batch[t.Symbol] = append(batch[t.Symbol], t)
}

// flush routes the batched trades and resets the batch in place.
func flush(rt *router.Router, batch map[string][]model.Trade) {
	for symbol, trades := range batch {
		rt.Route(symbol, trades)
		delete(batch, symbol)
	}
}
