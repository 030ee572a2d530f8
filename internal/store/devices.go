package store

import (
	"context"
	"fmt"
)

// Device is one registered sync client of a user.
type Device struct {
	UserID       string
	ClientID     string
	LastSeenAt   int64
	LastAckedSeq int64
}

// TouchDevice registers the device or refreshes its last-seen time.
func TouchDevice(ctx context.Context, q Querier, userID, clientID string, now int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_devices (user_id, client_id, last_seen_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id, client_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		userID, clientID, now)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// AckDevice records the highest server_seq the device has applied.
// Acks never move backwards.
func AckDevice(ctx context.Context, q Querier, userID, clientID string, seq, now int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_devices (user_id, client_id, last_seen_at, last_acked_seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, client_id) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			last_acked_seq = MAX(last_acked_seq, excluded.last_acked_seq)`,
		userID, clientID, now, seq)
	if err != nil {
		return fmt.Errorf("ack device: %w", err)
	}
	return nil
}

// ListDevices returns the user's devices, most recently seen first.
func ListDevices(ctx context.Context, q Querier, userID string) ([]Device, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, client_id, last_seen_at, last_acked_seq
		FROM sync_devices WHERE user_id = ?
		ORDER BY last_seen_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.UserID, &d.ClientID, &d.LastSeenAt, &d.LastAckedSeq); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// OnlineDevices summarizes devices seen since the threshold: how many,
// and the lowest sequence any of them has acknowledged.
func OnlineDevices(ctx context.Context, q Querier, userID string, seenSince int64) (count int64, minAcked int64, err error) {
	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MIN(last_acked_seq), 0)
		FROM sync_devices WHERE user_id = ? AND last_seen_at >= ?`,
		userID, seenSince).Scan(&count, &minAcked)
	if err != nil {
		return 0, 0, fmt.Errorf("online devices: %w", err)
	}
	return count, minAcked, nil
}

// DeleteStaleDevices removes devices not seen since cutoff, across all
// users. Returns the number of rows deleted.
func DeleteStaleDevices(ctx context.Context, q Querier, cutoff int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM sync_devices WHERE last_seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale devices: %w", err)
	}
	return res.RowsAffected()
}
