// Package config loads process configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Ingest holds the ingest process configuration.
type Ingest struct {
	// Exchange feed
	ExchangeName   string
	ExchangeWSURL  string
	Symbols        string // comma-separated, e.g. "BTCUSDT,ETHUSDT"
	EnableBackfill bool

	// Processing
	Workers             int
	SnapshotIntervalSec int

	// Delivery
	IPCSocketPath string
	QueueDBPath   string

	// Livefeed (optional; empty addr disables)
	RedisAddr     string
	RedisPassword string

	// Observability
	MetricsAddr string
}

// Persist holds the persistence process configuration.
type Persist struct {
	IPCSocketPath string
	QueueDBPath   string
	CandleDBPath  string
	HealthAddr    string
}

// LoadIngest reads the ingest configuration with sensible defaults.
func LoadIngest() *Ingest {
	loadDotEnv()
	return &Ingest{
		ExchangeName:   getEnv("EXCHANGE_NAME", "BINANCE"),
		ExchangeWSURL:  getEnv("EXCHANGE_WS_URL", "wss://stream.binance.com:9443"),
		Symbols:        mustEnv("SUBSCRIBE_SYMBOLS"),
		EnableBackfill: getEnv("ENABLE_BACKFILL", "true") == "true",

		Workers:             getEnvInt("WORKERS", 4),
		SnapshotIntervalSec: getEnvInt("SNAPSHOT_INTERVAL_SEC", 30),

		IPCSocketPath: getEnv("IPC_SOCKET_PATH", "/tmp/flowtrace.sock"),
		QueueDBPath:   getEnv("QUEUE_DB_PATH", "data/queue.db"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
	}
}

// LoadPersist reads the persistence configuration with sensible defaults.
func LoadPersist() *Persist {
	loadDotEnv()
	return &Persist{
		IPCSocketPath: getEnv("IPC_SOCKET_PATH", "/tmp/flowtrace.sock"),
		QueueDBPath:   getEnv("QUEUE_DB_PATH", "data/queue.db"),
		CandleDBPath:  getEnv("CANDLE_DB_PATH", "data/candles.db"),
		HealthAddr:    getEnv("HEALTH_ADDR", ":8081"),
	}
}

// defaultTickValue is used when a symbol entry carries no explicit tick.
const defaultTickValue = 0.01

// SymbolSpec is one parsed subscription entry.
type SymbolSpec struct {
	Name          string
	TickValue     float64
	BinMultiplier int // 0: derived from the first trade price
}

// ParseSymbols parses the SUBSCRIBE_SYMBOLS list. Entries are
// "BTCUSDT", "BTCUSDT:0.1" with an explicit tick value, or
// "BTCUSDT:0.1:10" pinning the footprint bin multiplier.
func (c *Ingest) ParseSymbols() []SymbolSpec {
	parts := strings.Split(c.Symbols, ",")
	specs := make([]SymbolSpec, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		fields := strings.Split(p, ":")
		spec := SymbolSpec{Name: fields[0], TickValue: defaultTickValue}
		if len(fields) > 1 {
			tick, err := strconv.ParseFloat(fields[1], 64)
			if err != nil || tick <= 0 {
				log.Printf("[config] invalid tick value in %q, using %v", p, defaultTickValue)
			} else {
				spec.TickValue = tick
			}
		}
		if len(fields) > 2 {
			mult, err := strconv.Atoi(fields[2])
			if err != nil || mult <= 0 {
				log.Printf("[config] invalid bin multiplier in %q, deriving from price", p)
			} else {
				spec.BinMultiplier = mult
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

// SymbolNames returns just the symbol names from ParseSymbols.
func (c *Ingest) SymbolNames() []string {
	specs := c.ParseSymbols()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env: %v", err)
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
