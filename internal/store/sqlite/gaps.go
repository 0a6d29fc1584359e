package sqlite

import (
	"errors"
	"fmt"

	"flowtrace/internal/model"
)

// SaveGap records one detected trade-id gap. Re-detections of the same gap
// replace the row rather than duplicating it.
func (s *Store) SaveGap(g model.GapRecord) error {
	if g.Exchange == "" || g.Symbol == "" {
		return errors.New("store: gap missing exchange or symbol")
	}
	if g.FromTradeID <= 0 || g.ToTradeID < g.FromTradeID {
		return fmt.Errorf("store: bad gap range %d..%d for %s:%s",
			g.FromTradeID, g.ToTradeID, g.Exchange, g.Symbol)
	}
	synced := 0
	if g.Synced {
		synced = 1
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO gap_records
			(exchange, symbol, from_trade_id, to_trade_id, gap_size, detected_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.Exchange, g.Symbol, g.FromTradeID, g.ToTradeID, g.GapSize, g.DetectedAt, synced,
	)
	if err != nil {
		return fmt.Errorf("store: save gap %s:%s %d..%d: %w",
			g.Exchange, g.Symbol, g.FromTradeID, g.ToTradeID, err)
	}
	return nil
}

// SaveGaps records a batch inside one transaction.
func (s *Store) SaveGaps(gs []model.GapRecord) error {
	if len(gs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: gap batch begin: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO gap_records
			(exchange, symbol, from_trade_id, to_trade_id, gap_size, detected_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: gap batch prepare: %w", err)
	}
	defer stmt.Close()
	for _, g := range gs {
		if g.Exchange == "" || g.Symbol == "" || g.FromTradeID <= 0 || g.ToTradeID < g.FromTradeID {
			tx.Rollback()
			return fmt.Errorf("store: bad gap %s:%s %d..%d in batch",
				g.Exchange, g.Symbol, g.FromTradeID, g.ToTradeID)
		}
		synced := 0
		if g.Synced {
			synced = 1
		}
		if _, err := stmt.Exec(g.Exchange, g.Symbol, g.FromTradeID, g.ToTradeID,
			g.GapSize, g.DetectedAt, synced); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: gap batch insert: %w", err)
		}
	}
	return tx.Commit()
}

// LoadUnsyncedGaps returns gaps not yet recovered, oldest first.
func (s *Store) LoadUnsyncedGaps(exchange, symbol string, limit int) ([]model.GapRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT exchange, symbol, from_trade_id, to_trade_id, gap_size, detected_at, synced
		  FROM gap_records
		 WHERE exchange = ? AND symbol = ? AND synced = 0
		 ORDER BY from_trade_id
		 LIMIT ?`,
		exchange, symbol, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: load gaps: %w", err)
	}
	defer rows.Close()

	var out []model.GapRecord
	for rows.Next() {
		var g model.GapRecord
		var synced int
		if err := rows.Scan(&g.Exchange, &g.Symbol, &g.FromTradeID, &g.ToTradeID,
			&g.GapSize, &g.DetectedAt, &synced); err != nil {
			return nil, err
		}
		g.Synced = synced != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkGapSynced flips gaps fully inside [fromID, toID] to synced.
func (s *Store) MarkGapSynced(exchange, symbol string, fromID, toID int64) error {
	_, err := s.db.Exec(`
		UPDATE gap_records SET synced = 1
		 WHERE exchange = ? AND symbol = ?
		   AND from_trade_id >= ? AND to_trade_id <= ?`,
		exchange, symbol, fromID, toID,
	)
	if err != nil {
		return fmt.Errorf("store: mark gap synced %s:%s: %w", exchange, symbol, err)
	}
	return nil
}
