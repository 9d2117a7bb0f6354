package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"bmustore/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// schemaVersion is bumped whenever the on-disk layout changes incompatibly.
// Opening a file written by another generation wipes it.
const schemaVersion = 2

var ErrNotFound = errors.New("queue item not found")

// DB is the durable queue store. It owns the offline queue, the router's
// read cache and the interception layer's response cache.
type DB struct {
	*sql.DB
	logger     *zerolog.Logger
	maxRetries int
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection serializes every statement, so each store operation
	// is a single atomic step. It also keeps :memory: databases alive.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	if err := createTables(sqlDB, logger); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if logger != nil {
		logger.Info().Str("path", path).Msg("Queue store initialized")
	}
	return &DB{DB: sqlDB, logger: logger, maxRetries: models.MaxRetries}, nil
}

// SetMaxRetries changes the failure ceiling. Values below 1 are ignored.
func (db *DB) SetMaxRetries(n int) {
	if n > 0 {
		db.maxRetries = n
	}
}

func (db *DB) MaxRetries() int {
	return db.maxRetries
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func createTables(db *sql.DB, logger *zerolog.Logger) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version != 0 && version != schemaVersion {
		if logger != nil {
			logger.Warn().Int("found", version).Int("want", schemaVersion).Msg("Dropping incompatible store generation")
		}
		for _, table := range []string{"offline_queue", "cache_entries", "response_cache", "sync_lease"} {
			if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
				return fmt.Errorf("drop %s: %w", table, err)
			}
		}
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS offline_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            client_id TEXT NOT NULL,
            endpoint TEXT NOT NULL,
            url TEXT NOT NULL,
            method TEXT NOT NULL,
            headers TEXT NOT NULL DEFAULT '{}',
            body BLOB,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME NOT NULL,
            last_attempt DATETIME,
            synced_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
            endpoint TEXT PRIMARY KEY,
            data BLOB NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS response_cache (
            generation TEXT NOT NULL,
            cache_name TEXT NOT NULL,
            url TEXT NOT NULL,
            status INTEGER NOT NULL,
            header TEXT NOT NULL DEFAULT '{}',
            body BLOB,
            stored_at DATETIME NOT NULL,
            PRIMARY KEY (generation, cache_name, url)
        )`,
		`CREATE TABLE IF NOT EXISTS sync_lease (
            id INTEGER PRIMARY KEY CHECK (id = 1),
            owner TEXT NOT NULL,
            expires_at INTEGER NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_offline_queue_status ON offline_queue(status, id)`,
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion),
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}
