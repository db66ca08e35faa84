// Package db provides the SQLite connection and schema shared by the daemon.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	dsn := dbPath
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		dsn = dbPath + "?_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Command history - append-only audit log of executed commands and started transitions
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS command_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			channel INTEGER,
			param INTEGER,
			ok INTEGER NOT NULL DEFAULT 1,
			transition TEXT,
			duration_ms INTEGER,
			source TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_history_ts ON command_history(timestamp);
		CREATE INDEX IF NOT EXISTS idx_history_channel_ts ON command_history(channel, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create command_history table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
