package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bmustore/internal/models"
)

// CachePut overwrites the cached payload for endpoint.
func (db *DB) CachePut(ctx context.Context, endpoint string, data []byte) error {
	query := `INSERT INTO cache_entries (endpoint, data, updated_at) VALUES (?, ?, ?)
              ON CONFLICT(endpoint) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, query, endpoint, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to cache %s: %w", endpoint, err)
	}
	return nil
}

// CacheGet returns nil without error when nothing is cached for endpoint.
func (db *DB) CacheGet(ctx context.Context, endpoint string) (*models.CacheEntry, error) {
	query := `SELECT endpoint, data, updated_at FROM cache_entries WHERE endpoint = ?`
	var (
		entry models.CacheEntry
		data  []byte
	)
	err := db.QueryRowContext(ctx, query, endpoint).Scan(&entry.Endpoint, &data, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache for %s: %w", endpoint, err)
	}
	entry.Data = data
	return &entry, nil
}
