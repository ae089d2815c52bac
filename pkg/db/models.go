package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LedgerRow is the stored form of one execution outcome. Money values are
// kept as decimal strings.
type LedgerRow struct {
	ID         string    `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	IntentID   string    `json:"intent_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side,omitempty"`
	Size       string    `json:"size"`
	Filled     string    `json:"filled"`
	Price      string    `json:"price"`
	Attempts   int       `json:"attempts"`
	Leverage   int       `json:"leverage,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// InsertLedgerQuery is idempotent on the entry id.
const InsertLedgerQuery = `
	INSERT OR IGNORE INTO ledger_entries
		(id, recorded_at, action, status, intent_id, source, symbol, side, size, filled, price, attempts, leverage, error, duration_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Args returns the bind values for InsertLedgerQuery.
func (r LedgerRow) Args() []any {
	return []any{
		r.ID, r.RecordedAt.UnixMilli(), r.Action, r.Status, r.IntentID, r.Source, r.Symbol, r.Side,
		orZero(r.Size), orZero(r.Filled), orZero(r.Price), r.Attempts, r.Leverage, r.Error, r.DurationMs,
	}
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// InsertLedger stores one row.
func (d *Database) InsertLedger(ctx context.Context, r LedgerRow) error {
	_, err := d.DB.ExecContext(ctx, InsertLedgerQuery, r.Args()...)
	if err != nil {
		return fmt.Errorf("insert ledger %s: %w", r.ID, err)
	}
	return nil
}

// ListLedger returns the newest rows first; symbol filters when non-empty.
func (d *Database) ListLedger(ctx context.Context, symbol string, limit int) ([]LedgerRow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, recorded_at, action, status, COALESCE(intent_id, ''), COALESCE(source, ''), symbol,
			COALESCE(side, ''), size, filled, price, attempts, COALESCE(leverage, 0), COALESCE(error, ''),
			COALESCE(duration_ms, 0)
		FROM ledger_entries`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY recorded_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []LedgerRow
	for rows.Next() {
		var (
			r  LedgerRow
			ms int64
		)
		if err := rows.Scan(&r.ID, &ms, &r.Action, &r.Status, &r.IntentID, &r.Source, &r.Symbol,
			&r.Side, &r.Size, &r.Filled, &r.Price, &r.Attempts, &r.Leverage, &r.Error, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		r.RecordedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// LedgerCounts groups stored rows by status.
func (d *Database) LedgerCounts(ctx context.Context) (map[string]int, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM ledger_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count ledger: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      sql.NullInt64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = int(n.Int64)
	}
	return out, rows.Err()
}
