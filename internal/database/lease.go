package database

import (
	"context"
	"fmt"
	"time"
)

// AcquireSyncLease claims the store-wide drain lease for owner until ttl
// elapses. It succeeds when the lease is free, expired or already held by
// owner, in which case the expiry is extended. The claim is one statement,
// so two processes sharing the file cannot both win.
func (db *DB) AcquireSyncLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	query := `INSERT INTO sync_lease (id, owner, expires_at) VALUES (1, ?, ?)
              ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
              WHERE sync_lease.owner = excluded.owner OR sync_lease.expires_at <= ?`
	result, err := db.ExecContext(ctx, query, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseSyncLease drops the lease if owner still holds it.
func (db *DB) ReleaseSyncLease(ctx context.Context, owner string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM sync_lease WHERE id = 1 AND owner = ?`, owner); err != nil {
		return fmt.Errorf("failed to release sync lease: %w", err)
	}
	return nil
}
