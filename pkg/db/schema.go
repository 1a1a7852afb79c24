package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS price_ticks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    price REAL NOT NULL,
    bid REAL,
    ask REAL,
    volume REAL,
    source TEXT,
    ts DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_ticks_symbol_ts ON price_ticks(symbol, ts);

CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    instrument TEXT NOT NULL,
    underlying TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    price REAL NOT NULL,
    theo REAL NOT NULL,
    edge REAL NOT NULL,
    latency_us INTEGER DEFAULT 0,
    ts DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_instrument_ts ON executions(instrument, ts);
CREATE INDEX IF NOT EXISTS idx_executions_underlying_ts ON executions(underlying, ts);

CREATE TABLE IF NOT EXISTS positions (
    instrument TEXT PRIMARY KEY,
    qty REAL NOT NULL,
    avg_price REAL NOT NULL,
    realized_pnl REAL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS control_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    state TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
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
	return nil
}
