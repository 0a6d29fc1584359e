// Package sqlite is the persistence process's storage layer: completed
// candles, candle-group snapshots and trade-id gap records, each in its
// own table inside one WAL-mode database file.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS candles (
	exchange       TEXT    NOT NULL,
	symbol         TEXT    NOT NULL,
	timeframe      TEXT    NOT NULL,
	open_time      INTEGER NOT NULL,
	close_time     INTEGER NOT NULL,
	open           REAL    NOT NULL,
	high           REAL    NOT NULL,
	low            REAL    NOT NULL,
	close          REAL    NOT NULL,
	volume         REAL    NOT NULL,
	buy_volume     REAL    NOT NULL,
	sell_volume    REAL    NOT NULL,
	quote_volume   REAL    NOT NULL,
	buy_quote_volume  REAL NOT NULL,
	sell_quote_volume REAL NOT NULL,
	trade_count    INTEGER NOT NULL,
	delta          REAL    NOT NULL,
	delta_max      REAL    NOT NULL,
	delta_min      REAL    NOT NULL,
	first_trade_id INTEGER NOT NULL,
	last_trade_id  INTEGER NOT NULL,
	bins           TEXT    NOT NULL,
	PRIMARY KEY (exchange, symbol, timeframe, open_time)
);
CREATE INDEX IF NOT EXISTS idx_candles_lookup
	ON candles(symbol, timeframe, open_time);

CREATE TABLE IF NOT EXISTS candle_state (
	exchange   TEXT    NOT NULL,
	symbol     TEXT    NOT NULL,
	data       TEXT    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (exchange, symbol)
);

CREATE TABLE IF NOT EXISTS gap_records (
	exchange      TEXT    NOT NULL,
	symbol        TEXT    NOT NULL,
	from_trade_id INTEGER NOT NULL,
	to_trade_id   INTEGER NOT NULL,
	gap_size      INTEGER NOT NULL,
	detected_at   INTEGER NOT NULL,
	synced        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (exchange, symbol, from_trade_id)
);
CREATE INDEX IF NOT EXISTS idx_gaps_unsynced
	ON gap_records(exchange, symbol) WHERE synced = 0;
`

// Store implements the candle, state and gap stores over one SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}

	log.Printf("[store] opened at %s", path)
	return &Store{db: db}, nil
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
