package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bmustore/internal/models"

	json "github.com/goccy/go-json"
)

// PutResponse stores resp under its generation, cache name and URL,
// replacing any earlier copy.
func (db *DB) PutResponse(ctx context.Context, resp *models.CachedResponse) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now().UTC()
	}

	query := `INSERT INTO response_cache (generation, cache_name, url, status, header, body, stored_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(generation, cache_name, url) DO UPDATE SET
                  status = excluded.status,
                  header = excluded.header,
                  body = excluded.body,
                  stored_at = excluded.stored_at`
	_, err = db.ExecContext(ctx, query,
		resp.Generation,
		resp.CacheName,
		resp.URL,
		resp.Status,
		string(header),
		resp.Body,
		resp.StoredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store response for %s: %w", resp.URL, err)
	}
	return nil
}

// GetResponse returns nil without error on a cache miss.
func (db *DB) GetResponse(ctx context.Context, generation, cacheName, url string) (*models.CachedResponse, error) {
	query := `SELECT generation, cache_name, url, status, header, body, stored_at
              FROM response_cache WHERE generation = ? AND cache_name = ? AND url = ?`
	var (
		resp   models.CachedResponse
		header string
	)
	err := db.QueryRowContext(ctx, query, generation, cacheName, url).Scan(
		&resp.Generation, &resp.CacheName, &resp.URL, &resp.Status, &header, &resp.Body, &resp.StoredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached response for %s: %w", url, err)
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode cached header for %s: %w", url, err)
	}
	return &resp, nil
}

func (db *DB) ListGenerations(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT generation FROM response_cache ORDER BY generation`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache generations: %w", err)
	}
	defer rows.Close()

	var generations []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		generations = append(generations, g)
	}
	return generations, rows.Err()
}

// DropGeneration deletes every response stored under generation.
func (db *DB) DropGeneration(ctx context.Context, generation string) (int, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM response_cache WHERE generation = ?`, generation)
	if err != nil {
		return 0, fmt.Errorf("failed to drop cache generation %s: %w", generation, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
