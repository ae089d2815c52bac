package finstore

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"trading-pipeline/pkg/db"
)

// SQLiteAppender stores records in the finstore_rows table; a repeated
// timestamp replaces the earlier row.
type SQLiteAppender struct {
	db *db.Database
}

func NewSQLiteAppender(database *db.Database) *SQLiteAppender {
	return &SQLiteAppender{db: database}
}

func (a *SQLiteAppender) Append(ctx context.Context, symbol, timeframe string, records []Record) error {
	rows := make([]db.FinstoreRow, 0, len(records))
	for _, r := range records {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("encode %s/%s@%d: %w", symbol, timeframe, r.TimestampMs, err)
		}
		rows = append(rows, db.FinstoreRow{Symbol: symbol, Timeframe: timeframe, TsMs: r.TimestampMs, Fields: string(fields)})
	}
	return a.db.UpsertFinstore(ctx, rows)
}

// Range reads records back in time order.
func (a *SQLiteAppender) Range(ctx context.Context, symbol, timeframe string, fromMs, toMs int64) ([]Record, error) {
	rows, err := a.db.RangeFinstore(ctx, symbol, timeframe, fromMs, toMs)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		r := Record{TimestampMs: row.TsMs}
		if err := json.Unmarshal([]byte(row.Fields), &r.Fields); err != nil {
			return nil, fmt.Errorf("decode %s/%s@%d: %w", symbol, timeframe, row.TsMs, err)
		}
		out = append(out, r)
	}
	return out, nil
}
