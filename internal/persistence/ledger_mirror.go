// Package persistence mirrors in-memory execution state into SQLite on a
// best-effort basis.
package persistence

import (
	"trading-pipeline/internal/execution"
	"trading-pipeline/pkg/db"
)

// LedgerMirror copies ledger entries into the ledger_entries table.
type LedgerMirror struct {
	w *BatchWriter
}

func NewLedgerMirror(w *BatchWriter) *LedgerMirror {
	return &LedgerMirror{w: w}
}

// Observe is an execution.Ledger observer; it never blocks on the database.
func (m *LedgerMirror) Observe(e execution.LedgerEntry) {
	m.w.WriteQuery(db.InsertLedgerQuery, RowFromEntry(e).Args()...)
}

// RowFromEntry converts an outcome to its stored form.
func RowFromEntry(e execution.LedgerEntry) db.LedgerRow {
	return db.LedgerRow{
		ID:         e.ID,
		RecordedAt: e.Time,
		Action:     string(e.Action),
		Status:     string(e.Status),
		IntentID:   e.IntentID,
		Source:     e.Source,
		Symbol:     e.Symbol,
		Side:       string(e.Side),
		Size:       e.Size.String(),
		Filled:     e.Filled.String(),
		Price:      e.Price.String(),
		Attempts:   e.Attempts,
		Leverage:   e.Leverage,
		Error:      e.Error,
		DurationMs: e.Duration.Milliseconds(),
	}
}
