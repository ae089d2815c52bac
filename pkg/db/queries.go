package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrSymbolRequired = errors.New("symbol and timeframe are required")
	ErrNotFound       = errors.New("record not found")
)

// FinstoreRow is one timestamped record for (symbol, timeframe). Fields is
// an opaque JSON document.
type FinstoreRow struct {
	Symbol    string
	Timeframe string
	TsMs      int64
	Fields    string
}

// UpsertFinstore writes rows in one transaction. A row with an existing
// (symbol, timeframe, ts) replaces the old one.
func (d *Database) UpsertFinstore(ctx context.Context, rows []FinstoreRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finstore tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO finstore_rows (symbol, timeframe, ts, fields)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare finstore insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if r.Symbol == "" || r.Timeframe == "" {
			_ = tx.Rollback()
			return ErrSymbolRequired
		}
		if _, err := stmt.ExecContext(ctx, r.Symbol, r.Timeframe, r.TsMs, r.Fields); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert finstore %s/%s@%d: %w", r.Symbol, r.Timeframe, r.TsMs, err)
		}
	}
	return tx.Commit()
}

// RangeFinstore returns rows with fromMs <= ts < toMs in time order.
// toMs <= 0 means no upper bound.
func (d *Database) RangeFinstore(ctx context.Context, symbol, timeframe string, fromMs, toMs int64) ([]FinstoreRow, error) {
	if symbol == "" || timeframe == "" {
		return nil, ErrSymbolRequired
	}
	query := `SELECT symbol, timeframe, ts, fields FROM finstore_rows WHERE symbol = ? AND timeframe = ? AND ts >= ?`
	args := []any{symbol, timeframe, fromMs}
	if toMs > 0 {
		query += ` AND ts < ?`
		args = append(args, toMs)
	}
	query += ` ORDER BY ts`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query finstore: %w", err)
	}
	defer rows.Close()

	var out []FinstoreRow
	for rows.Next() {
		var r FinstoreRow
		if err := rows.Scan(&r.Symbol, &r.Timeframe, &r.TsMs, &r.Fields); err != nil {
			return nil, fmt.Errorf("scan finstore: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestFinstore returns the newest row for (symbol, timeframe).
func (d *Database) LatestFinstore(ctx context.Context, symbol, timeframe string) (FinstoreRow, error) {
	if symbol == "" || timeframe == "" {
		return FinstoreRow{}, ErrSymbolRequired
	}
	var r FinstoreRow
	err := d.DB.QueryRowContext(ctx, `
		SELECT symbol, timeframe, ts, fields FROM finstore_rows
		WHERE symbol = ? AND timeframe = ?
		ORDER BY ts DESC LIMIT 1`, symbol, timeframe).Scan(&r.Symbol, &r.Timeframe, &r.TsMs, &r.Fields)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FinstoreRow{}, ErrNotFound
		}
		return FinstoreRow{}, fmt.Errorf("latest finstore: %w", err)
	}
	return r, nil
}
