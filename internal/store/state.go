package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SyncState is the per-user sync bookkeeping row.
type SyncState struct {
	UserID           string
	LastSeq          int64
	LastSnapshotSeq  int64
	Snapshot         []byte
	SnapshotAt       int64
	StorageUsedBytes int64
}

// EnsureUser creates the user row if it does not exist.
func EnsureUser(ctx context.Context, q Querier, userID string, now, quotaBytes int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO users (id, created_at, quota_bytes) VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		userID, now, quotaBytes)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// UserQuota returns the user's storage quota in bytes, or ErrNotFound.
func UserQuota(ctx context.Context, q Querier, userID string) (int64, error) {
	var quota int64
	err := q.QueryRowContext(ctx,
		`SELECT quota_bytes FROM users WHERE id = ?`, userID).Scan(&quota)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("user quota: %w", err)
	}
	return quota, nil
}

// EnsureSyncState creates the user's sync state row if it does not
// exist. Must run inside the upload transaction before NextSeq.
func EnsureSyncState(ctx context.Context, q Querier, userID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO user_sync_state (user_id) VALUES (?)
		ON CONFLICT (user_id) DO NOTHING`,
		userID)
	if err != nil {
		return fmt.Errorf("ensure sync state: %w", err)
	}
	return nil
}

// GetSyncState returns the user's sync state, or ErrNotFound.
func GetSyncState(ctx context.Context, q Querier, userID string) (SyncState, error) {
	st := SyncState{UserID: userID}
	err := q.QueryRowContext(ctx, `
		SELECT last_seq, last_snapshot_seq, snapshot, snapshot_at, storage_used_bytes
		FROM user_sync_state WHERE user_id = ?`,
		userID).Scan(&st.LastSeq, &st.LastSnapshotSeq, &st.Snapshot, &st.SnapshotAt, &st.StorageUsedBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("get sync state: %w", err)
	}
	return st, nil
}

// NextSeq atomically increments and returns the user's sequence
// counter. Must run inside the same transaction as the insert that
// consumes the sequence; a failed insert leaves a gap, which readers
// tolerate.
func NextSeq(ctx context.Context, q Querier, userID string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `
		UPDATE user_sync_state SET last_seq = last_seq + 1
		WHERE user_id = ? RETURNING last_seq`,
		userID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return seq, nil
}

// SaveSnapshot stores the compressed snapshot cache. A nil blob clears
// the cache while still recording the generation watermark.
func SaveSnapshot(ctx context.Context, q Querier, userID string, blob []byte, atSeq, now int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE user_sync_state
		SET snapshot = ?, last_snapshot_seq = ?, snapshot_at = ?
		WHERE user_id = ?`,
		blob, atSeq, now, userID)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// SetStorageUsed records the recomputed payload footprint.
func SetStorageUsed(ctx context.Context, q Querier, userID string, bytes int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE user_sync_state SET storage_used_bytes = ? WHERE user_id = ?`,
		bytes, userID)
	if err != nil {
		return fmt.Errorf("set storage used: %w", err)
	}
	return nil
}

// AddStorageUsed bumps the payload footprint by delta. Uploads apply
// the bytes they insert so quota checks see usage without waiting for
// a retention recompute.
func AddStorageUsed(ctx context.Context, q Querier, userID string, delta int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE user_sync_state SET storage_used_bytes = storage_used_bytes + ? WHERE user_id = ?`,
		delta, userID)
	if err != nil {
		return fmt.Errorf("add storage used: %w", err)
	}
	return nil
}

// SnapshottedUsers lists users whose snapshot is at least as fresh as
// cutoff and covers at least one operation. Only their logs are safe to
// compact.
func SnapshottedUsers(ctx context.Context, q Querier, cutoff int64) ([]SyncState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, last_seq, last_snapshot_seq, snapshot_at, storage_used_bytes
		FROM user_sync_state
		WHERE snapshot_at >= ? AND last_snapshot_seq > 0`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("snapshotted users: %w", err)
	}
	defer rows.Close()

	var states []SyncState
	for rows.Next() {
		var st SyncState
		if err := rows.Scan(&st.UserID, &st.LastSeq, &st.LastSnapshotSeq, &st.SnapshotAt, &st.StorageUsedBytes); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}
