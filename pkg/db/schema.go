package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    client_request_id TEXT NOT NULL,
    contract_id TEXT NOT NULL DEFAULT '',
    contract_type TEXT NOT NULL,
    symbol TEXT NOT NULL,
    stake TEXT NOT NULL,
    duration INTEGER NOT NULL,
    duration_unit TEXT NOT NULL,
    barrier TEXT NOT NULL DEFAULT '',
    prediction TEXT NOT NULL DEFAULT '',
    strategy_id TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    ambiguous INTEGER NOT NULL DEFAULT 0,
    buy_price TEXT NOT NULL DEFAULT '0',
    payout TEXT NOT NULL DEFAULT '0',
    pnl TEXT,
    note TEXT NOT NULL DEFAULT '',
    opened_at DATETIME NOT NULL,
    settled_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_trades_user_opened ON trades(user_id, opened_at);

CREATE TABLE IF NOT EXISTS order_intents (
    client_request_id TEXT PRIMARY KEY,
    trade_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    request TEXT NOT NULL,
    outcome TEXT NOT NULL DEFAULT '',
    contract_id TEXT NOT NULL DEFAULT '',
    submitted_at DATETIME NOT NULL,
    resolved_at DATETIME
);

CREATE TABLE IF NOT EXISTS credentials (
    user_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    token_encrypted TEXT NOT NULL,
    key_version INTEGER NOT NULL DEFAULT 1,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, mode)
);

CREATE TABLE IF NOT EXISTS ticks (
    symbol TEXT NOT NULL,
    epoch_ms INTEGER NOT NULL,
    price TEXT NOT NULL,
    digit INTEGER NOT NULL,
    PRIMARY KEY (symbol, epoch_ms)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "trades", "barrier2", "TEXT NOT NULL DEFAULT ''"); err != nil {
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
