package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS ledger_entries (
    id TEXT PRIMARY KEY,
    recorded_at INTEGER NOT NULL,
    action TEXT NOT NULL,
    status TEXT NOT NULL,
    intent_id TEXT,
    source TEXT,
    symbol TEXT NOT NULL,
    side TEXT,
    size TEXT NOT NULL DEFAULT '0',
    filled TEXT NOT NULL DEFAULT '0',
    price TEXT NOT NULL DEFAULT '0',
    attempts INTEGER NOT NULL DEFAULT 0,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_ledger_symbol ON ledger_entries(symbol, recorded_at);

CREATE TABLE IF NOT EXISTS finstore_rows (
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    ts INTEGER NOT NULL,
    fields TEXT NOT NULL,
    PRIMARY KEY (symbol, timeframe, ts)
);
`

// ApplyMigrations creates the schema and adds columns introduced later.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if err := ensureColumn(d.DB, "ledger_entries", "leverage", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ledger_entries", "duration_ms", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
