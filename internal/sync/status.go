package sync

import (
	"context"
	"errors"

	"github.com/opsync/opsync/internal/store"
)

// Status is the per-user sync health summary.
type Status struct {
	LatestSeq         int64 `json:"latestSeq"`
	DevicesOnline     int64 `json:"devicesOnline"`
	PendingOps        int64 `json:"pendingOps"`
	SnapshotAgeMs     int64 `json:"snapshotAgeMs,omitempty"`
	StorageUsedBytes  int64 `json:"storageUsedBytes"`
	StorageQuotaBytes int64 `json:"storageQuotaBytes"`
}

// Status reports the user's log head, online devices, and how far the
// slowest online device trails it.
func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	if userID == "" {
		return Status{}, ErrInvalidRequest
	}
	now := s.now()
	db := s.store.DB()

	used, quota, err := s.usage(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	st := Status{StorageUsedBytes: used, StorageQuotaBytes: quota}

	state, err := store.GetSyncState(ctx, db, userID)
	if errors.Is(err, store.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return Status{}, err
	}
	st.LatestSeq = state.LastSeq
	if state.SnapshotAt > 0 {
		st.SnapshotAgeMs = now.UnixMilli() - state.SnapshotAt
	}

	seenSince := now.Add(-s.cfg.OnlineWindow).UnixMilli()
	online, minAcked, err := store.OnlineDevices(ctx, db, userID, seenSince)
	if err != nil {
		return Status{}, err
	}
	st.DevicesOnline = online
	if online > 0 && state.LastSeq > minAcked {
		st.PendingOps = state.LastSeq - minAcked
	}
	return st, nil
}

// AckProgress records the highest sequence a device has applied and
// refreshes its presence.
func (s *Service) AckProgress(ctx context.Context, userID, clientID string, seq int64) error {
	if userID == "" || clientID == "" || seq < 0 {
		return ErrInvalidRequest
	}
	return store.AckDevice(ctx, s.store.DB(), userID, clientID, seq, s.nowMs())
}

// Devices lists the user's registered devices, most recent first.
func (s *Service) Devices(ctx context.Context, userID string) ([]store.Device, error) {
	if userID == "" {
		return nil, ErrInvalidRequest
	}
	return store.ListDevices(ctx, s.store.DB(), userID)
}
