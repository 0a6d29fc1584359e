// Package metrics exposes Prometheus metrics and the /healthz endpoint
// for the ingest process.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ingest process.
type Metrics struct {
	TradesTotal     prometheus.Counter
	TradesDropped   prometheus.Counter
	TradesDuplicate prometheus.Counter
	TradesMalformed prometheus.Counter
	WSReconnects    prometheus.Counter

	CandlesEmitted *prometheus.CounterVec // labels: timeframe
	GapsDetected   prometheus.Counter
	GapsRecovered  prometheus.Counter

	FastSends     prometheus.Counter
	FallbackSends prometheus.Counter
	FastChannelUp prometheus.Gauge

	SnapshotsSaved  prometheus.Counter
	WorkerMailboxes *prometheus.GaugeVec // labels: worker

	LivefeedDrops prometheus.Counter
}

// New registers and returns the ingest metric set.
func New() *Metrics {
	m := &Metrics{
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtrace_trades_total",
			Help: "Total trades received from the exchange stream",
		}),
		TradesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtrace_trades_dropped_total",
			Help: "Trades dropped before processing (full mailbox, invalid symbol)",
		}),
		TradesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtrace_trades_duplicate_total",
			Help: "Trades skipped as duplicates of the per-symbol sequence",
		}),
		TradesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtrace_trades_malformed_total",
			Help: "Trades discarded for unparseable or non-finite numerics",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtrace_ws_reconnects_total",
			Help: "Exchange WebSocket reconnection attempts",
		}),

		CandlesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtrace_candles_emitted_total",
			Help: "Completed candles emitted (by timeframe)",
		}, []string{"timeframe"}),
		GapsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtrace_gaps_detected_total",
			Help: "Trade-id sequence gaps detected",
		}),
		GapsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtrace_gaps_recovered_total",
			Help: "Gaps backfilled from the exchange REST API",
		}),

		FastSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtrace_publish_fast_total",
			Help: "Messages delivered over the fast socket channel",
		}),
		FallbackSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtrace_publish_fallback_total",
			Help: "Messages diverted to the durable queue",
		}),
		FastChannelUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowtrace_publish_fast_channel_up",
			Help: "Fast channel connection state (0=down, 1=up)",
		}),

		SnapshotsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtrace_snapshots_saved_total",
			Help: "Candle-group snapshots published",
		}),
		WorkerMailboxes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowtrace_worker_mailbox_len",
			Help: "Pending messages per worker mailbox",
		}, []string{"worker"}),

		LivefeedDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtrace_livefeed_drops_total",
			Help: "Candles dropped by the Redis livefeed ring",
		}),
	}

	prometheus.MustRegister(
		m.TradesTotal,
		m.TradesDropped,
		m.TradesDuplicate,
		m.TradesMalformed,
		m.WSReconnects,
		m.CandlesEmitted,
		m.GapsDetected,
		m.GapsRecovered,
		m.FastSends,
		m.FallbackSends,
		m.FastChannelUp,
		m.SnapshotsSaved,
		m.WorkerMailboxes,
		m.LivefeedDrops,
	)

	return m
}

// HealthStatus represents the ingest process health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastTradeTime  time.Time `json:"last_trade_time"`
	FastChannelUp  bool      `json:"fast_channel_up"`
	RedisConnected bool      `json:"redis_connected"`
	RedisEnabled   bool      `json:"redis_enabled"`
	Workers        int       `json:"workers"`

	RedisLatencyMs float64   `json:"redis_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTradeTime(t time.Time) {
	h.mu.Lock()
	h.LastTradeTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetFastChannelUp(v bool) {
	h.mu.Lock()
	h.FastChannelUp = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetWorkers(n int) {
	h.mu.Lock()
	h.Workers = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if rdb != nil {
					probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					h.CheckRedis(probeCtx, rdb)
					cancel()
				}
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.WSConnected || !h.FastChannelUp || (h.RedisEnabled && !h.RedisConnected) {
		overallStatus = "degraded"
	}
	if !h.WSConnected && !h.FastChannelUp {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	tradeAge := ""
	if !h.LastTradeTime.IsZero() {
		tradeAge = time.Since(h.LastTradeTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status         string  `json:"status"`
		Uptime         string  `json:"uptime"`
		WSConnected    bool    `json:"ws_connected"`
		LastTradeTime  string  `json:"last_trade_time"`
		TradeAge       string  `json:"trade_age"`
		FastChannelUp  bool    `json:"fast_channel_up"`
		RedisEnabled   bool    `json:"redis_enabled"`
		RedisConnected bool    `json:"redis_connected"`
		RedisLatencyMs float64 `json:"redis_latency_ms"`
		Workers        int     `json:"workers"`
		LastCheckAt    string  `json:"last_check_at"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:    h.WSConnected,
		LastTradeTime:  h.LastTradeTime.Format(time.RFC3339),
		TradeAge:       tradeAge,
		FastChannelUp:  h.FastChannelUp,
		RedisEnabled:   h.RedisEnabled,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		Workers:        h.Workers,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
