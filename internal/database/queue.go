package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bmustore/internal/models"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

const queueColumns = `id, client_id, endpoint, url, method, headers, body, status, retry_count, last_error, created_at, last_attempt, synced_at`

// Enqueue appends item as a pending write and fills in its ID.
// Storage errors are returned as-is; nothing is reported as queued unless
// the row was committed.
func (db *DB) Enqueue(ctx context.Context, item *models.QueueItem) error {
	if !models.IsWriteMethod(item.Method) {
		return fmt.Errorf("enqueue %s %s: method is not a write", item.Method, item.URL)
	}
	if item.ClientID == "" {
		item.ClientID = uuid.NewString()
	}
	if item.Endpoint == "" {
		item.Endpoint = item.URL
	}
	headers, err := json.Marshal(item.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}

	now := time.Now().UTC()
	query := `INSERT INTO offline_queue (client_id, endpoint, url, method, headers, body, status, retry_count, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`
	result, err := db.ExecContext(ctx, query,
		item.ClientID,
		item.Endpoint,
		item.URL,
		item.Method,
		string(headers),
		item.Body,
		models.StatusPending,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue request: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	item.ID = id
	item.Status = models.StatusPending
	item.RetryCount = 0
	item.CreatedAt = now
	return nil
}

// ListPending returns every pending item in insertion order.
func (db *DB) ListPending(ctx context.Context) ([]*models.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM offline_queue WHERE status = ? ORDER BY id ASC`
	return db.listQueue(ctx, query, models.StatusPending)
}

// ListFailed returns terminal failures, oldest first.
func (db *DB) ListFailed(ctx context.Context) ([]*models.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM offline_queue WHERE status = ? ORDER BY id ASC`
	return db.listQueue(ctx, query, models.StatusFailed)
}

func (db *DB) GetQueueItem(ctx context.Context, id int64) (*models.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM offline_queue WHERE id = ?`
	item, err := scanQueueItem(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %d: %w", id, err)
	}
	return item, nil
}

// MarkSynced is idempotent and ignores unknown ids.
func (db *DB) MarkSynced(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	query := `UPDATE offline_queue SET status = ?, synced_at = ?, last_attempt = ?, last_error = NULL
              WHERE id = ? AND status != ?`
	if _, err := db.ExecContext(ctx, query, models.StatusSynced, now, now, id, models.StatusSynced); err != nil {
		return fmt.Errorf("failed to mark item %d synced: %w", id, err)
	}
	return nil
}

// MarkFailed records one failed replay. The item becomes terminally failed
// once its retry count reaches the ceiling; the resulting status is returned.
func (db *DB) MarkFailed(ctx context.Context, id int64, reason string) (models.QueueStatus, error) {
	query := `UPDATE offline_queue
              SET retry_count = retry_count + 1,
                  last_error = ?,
                  last_attempt = ?,
                  status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END
              WHERE id = ? AND status = ?
              RETURNING status`
	var status models.QueueStatus
	err := db.QueryRowContext(ctx, query,
		reason,
		time.Now().UTC(),
		db.maxRetries,
		models.StatusFailed,
		models.StatusPending,
		id,
		models.StatusPending,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark item %d failed: %w", id, err)
	}
	return status, nil
}

// MarkPermanentFailure moves a pending item straight to failed.
func (db *DB) MarkPermanentFailure(ctx context.Context, id int64, reason string) error {
	query := `UPDATE offline_queue SET status = ?, retry_count = retry_count + 1, last_error = ?, last_attempt = ?
              WHERE id = ? AND status = ?`
	result, err := db.ExecContext(ctx, query, models.StatusFailed, reason, time.Now().UTC(), id, models.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark item %d permanently failed: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue hands a failed item back to the reconciler with a fresh budget.
func (db *DB) Requeue(ctx context.Context, id int64) error {
	query := `UPDATE offline_queue SET status = ?, retry_count = 0 WHERE id = ? AND status = ?`
	result, err := db.ExecContext(ctx, query, models.StatusPending, id, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue item %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) CountPending(ctx context.Context) (int, error) {
	return db.countByStatus(ctx, models.StatusPending)
}

func (db *DB) CountFailed(ctx context.Context) (int, error) {
	return db.countByStatus(ctx, models.StatusFailed)
}

// ClearSynced deletes synced items and reports how many were removed.
func (db *DB) ClearSynced(ctx context.Context) (int, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM offline_queue WHERE status = ?`, models.StatusSynced)
	if err != nil {
		return 0, fmt.Errorf("failed to clear synced items: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (db *DB) countByStatus(ctx context.Context, status models.QueueStatus) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s items: %w", status, err)
	}
	return count, nil
}

func (db *DB) listQueue(ctx context.Context, query string, args ...interface{}) ([]*models.QueueItem, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueItem(row rowScanner) (*models.QueueItem, error) {
	var (
		item        models.QueueItem
		headers     string
		lastError   sql.NullString
		lastAttempt sql.NullTime
		syncedAt    sql.NullTime
	)
	err := row.Scan(
		&item.ID, &item.ClientID, &item.Endpoint, &item.URL, &item.Method, &headers, &item.Body,
		&item.Status, &item.RetryCount, &lastError, &item.CreatedAt, &lastAttempt, &syncedAt,
	)
	if err != nil {
		return nil, err
	}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &item.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of item %d: %w", item.ID, err)
		}
	}
	if lastError.Valid {
		item.LastError = &lastError.String
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		item.LastAttempt = &t
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		item.SyncedAt = &t
	}
	return &item, nil
}
