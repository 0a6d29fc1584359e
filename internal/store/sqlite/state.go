package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowtrace/internal/model"
)

// SaveSnapshot upserts one CandleGroup snapshot keyed by (exchange, symbol).
// Snapshots are last-writer-wins; each save replaces the previous state.
func (s *Store) SaveSnapshot(item model.SnapshotItem) error {
	if item.Exchange == "" || item.Symbol == "" {
		return errors.New("store: snapshot missing exchange or symbol")
	}
	if len(item.Data) == 0 || !json.Valid(item.Data) {
		return fmt.Errorf("store: snapshot %s:%s has invalid data", item.Exchange, item.Symbol)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO candle_state (exchange, symbol, data, updated_at)
		VALUES (?, ?, ?, ?)`,
		item.Exchange, item.Symbol, string(item.Data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: save snapshot %s:%s: %w", item.Exchange, item.Symbol, err)
	}
	return nil
}

// LoadSnapshot returns the snapshot for one key, nil if none exists.
func (s *Store) LoadSnapshot(exchange, symbol string) (*model.SnapshotItem, error) {
	var data string
	err := s.db.QueryRow(`
		SELECT data FROM candle_state WHERE exchange = ? AND symbol = ?`,
		exchange, symbol,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load snapshot %s:%s: %w", exchange, symbol, err)
	}
	return &model.SnapshotItem{
		Exchange: exchange,
		Symbol:   symbol,
		Data:     json.RawMessage(data),
	}, nil
}

// LoadSnapshots returns the snapshots that exist for the given refs.
// Missing keys are simply absent from the result.
func (s *Store) LoadSnapshots(refs []model.SymbolRef) ([]model.SnapshotItem, error) {
	items := make([]model.SnapshotItem, 0, len(refs))
	for _, ref := range refs {
		item, err := s.LoadSnapshot(ref.Exchange, ref.Symbol)
		if err != nil {
			return nil, err
		}
		if item != nil {
			items = append(items, *item)
		}
	}
	return items, nil
}

// LoadAllSnapshots returns every stored snapshot.
func (s *Store) LoadAllSnapshots() ([]model.SnapshotItem, error) {
	rows, err := s.db.Query(`SELECT exchange, symbol, data FROM candle_state`)
	if err != nil {
		return nil, fmt.Errorf("store: load all snapshots: %w", err)
	}
	defer rows.Close()

	var items []model.SnapshotItem
	for rows.Next() {
		var item model.SnapshotItem
		var data string
		if err := rows.Scan(&item.Exchange, &item.Symbol, &data); err != nil {
			return nil, err
		}
		item.Data = json.RawMessage(data)
		items = append(items, item)
	}
	return items, rows.Err()
}
