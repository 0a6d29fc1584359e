package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"flowtrace/config"
	"flowtrace/internal/ipc"
	"flowtrace/internal/logger"
	"flowtrace/internal/persist"
	"flowtrace/internal/queue"
	"flowtrace/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("flowtrace-persist", slog.LevelInfo)
	log.Println("[persist] starting...")

	cfg := config.LoadPersist()

	os.MkdirAll(filepath.Dir(cfg.CandleDBPath), 0o755)
	os.MkdirAll(filepath.Dir(cfg.QueueDBPath), 0o755)

	store, err := sqlite.Open(cfg.CandleDBPath)
	if err != nil {
		log.Fatalf("[persist] storage init failed: %v", err)
	}
	defer store.Close()
	log.Printf("[persist] candle store ready at %s", cfg.CandleDBPath)

	q, err := queue.Open(cfg.QueueDBPath)
	if err != nil {
		log.Fatalf("[persist] queue init failed: %v", err)
	}
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := persist.NewConsumer(store, store, store, q)
	srv := ipc.NewServer(cfg.IPCSocketPath)
	consumer.Register(srv)
	go consumer.RunPoller(ctx, srv)

	health := persist.NewHealth(consumer, srv, store.DB(), q.DB())
	go func() {
		if err := persist.RunHealthServer(ctx, cfg.HealthAddr, health); err != nil {
			log.Printf("[persist] health server: %v", err)
		}
	}()
	log.Printf("[persist] health endpoint on %s", cfg.HealthAddr)

	// ---- Signal handling: first signal drains, second forces exit ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[persist] shutdown signal received, draining...")
		cancel()
		go func() {
			<-sigCh
			log.Println("[persist] second signal, forcing exit")
			os.Exit(1)
		}()
	}()

	// Blocks until ctx is cancelled; in-flight envelopes finish first.
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("[persist] ipc server: %v", err)
	}

	// Final drain window for the queue poller.
	time.Sleep(1 * time.Second)
	stats := consumer.Stats()
	log.Printf("[persist] shutdown complete: %d candles, %d snapshots, %d gaps written",
		stats.CandlesWritten, stats.StatesWritten, stats.GapsWritten)
}
