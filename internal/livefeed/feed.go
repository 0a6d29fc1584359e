// Package livefeed mirrors completed candles to Redis for dashboards and
// other live subscribers. Delivery is best effort: the durable path to
// SQLite never waits on Redis.
package livefeed

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"flowtrace/internal/model"
)

const (
	defaultLatestTTL = 30 * time.Minute
	defaultRingSize  = 4096
	// Stream trimming: ~3h of 1m candles + buffer.
	streamMaxLen = 300

	breakerMaxFailures  = 5
	breakerResetTimeout = 10 * time.Second
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Feed publishes completed candles to Redis: SET latest with TTL, XADD to
// a trimmed stream, and PUBLISH for subscribers.
type Feed struct {
	client  *goredis.Client
	ring    *Ring
	notify  chan struct{}
	breaker *Breaker
	skipped atomic.Uint64
}

// New connects to Redis and pings the server.
func New(cfg Config) (*Feed, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	breaker := NewBreaker(breakerMaxFailures, breakerResetTimeout)
	breaker.OnStateChange = func(from, to BreakerState) {
		log.Printf("[livefeed] breaker %s -> %s", from, to)
	}

	log.Printf("[livefeed] connected to %s", cfg.Addr)
	return &Feed{
		client:  client,
		ring:    NewRing(defaultRingSize),
		notify:  make(chan struct{}, 1),
		breaker: breaker,
	}, nil
}

// Client returns the underlying Redis client for health checks.
func (f *Feed) Client() *goredis.Client { return f.client }

// Offer hands a candle to the feed without blocking; a full ring drops it.
func (f *Feed) Offer(c *model.Candle) {
	f.ring.Push(c)
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Dropped returns how many candles were lost to a full ring or an open
// breaker.
func (f *Feed) Dropped() uint64 {
	return f.ring.Overflow() + f.skipped.Load()
}

// Run drains the ring and writes to Redis until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.notify:
		}
		for {
			c, ok := f.ring.Pop()
			if !ok {
				break
			}
			f.publish(ctx, c)
		}
	}
}

// publish performs pipelined writes for one candle.
func (f *Feed) publish(ctx context.Context, c *model.Candle) {
	tf := string(c.Timeframe)
	latestKey := "candle:" + tf + ":latest:" + c.Exchange + ":" + c.Symbol
	streamKey := "candle:" + tf + ":" + c.Exchange + ":" + c.Symbol
	pubsubCh := "pub:candle:" + tf + ":" + c.Exchange + ":" + c.Symbol
	jsonData := string(c.JSON())

	err := f.breaker.Execute(func() error {
		pipe := f.client.Pipeline()
		pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: streamKey,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
		pipe.Publish(ctx, pubsubCh, jsonData)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		f.skipped.Add(1)
		if err != ErrBreakerOpen {
			log.Printf("[livefeed] pipeline error for %s: %v", c.Key(), err)
		}
	}
}

// Close closes the Redis client.
func (f *Feed) Close() error {
	return f.client.Close()
}
