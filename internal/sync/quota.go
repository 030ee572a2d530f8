package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsync/opsync/internal/store"
)

// ensureUploadCapacity rejects the batch up front when it would push
// the user over quota, after trying to compact superseded history.
func (s *Service) ensureUploadCapacity(ctx context.Context, req UploadRequest) error {
	var incoming int64
	for _, o := range req.Ops {
		incoming += int64(len(o.Payload))
	}

	used, quota, err := s.usage(ctx, req.UserID)
	if err != nil {
		return err
	}
	if used+incoming <= quota {
		return nil
	}

	s.log.Info("quota exceeded, compacting superseded history",
		"user", req.UserID, "used", used, "incoming", incoming, "quota", quota)
	used, err = s.FreeStorageForUpload(ctx, req.UserID, quota-incoming)
	if err != nil && !errors.Is(err, ErrQuotaExceeded) {
		return err
	}
	if used+incoming > quota {
		return fmt.Errorf("%w: %d used + %d incoming > %d", ErrQuotaExceeded, used, incoming, quota)
	}
	return nil
}

func (s *Service) usage(ctx context.Context, userID string) (used, quota int64, err error) {
	db := s.store.DB()
	quota, err = store.UserQuota(ctx, db, userID)
	if errors.Is(err, store.ErrNotFound) {
		// First upload for this user; nothing stored yet.
		return 0, s.cfg.QuotaBytes, nil
	}
	if err != nil {
		return 0, 0, err
	}
	if quota <= 0 {
		quota = s.cfg.QuotaBytes
	}
	st, err := store.GetSyncState(ctx, db, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, 0, err
	}
	return st.StorageUsedBytes, quota, nil
}

// RecomputeUsage refreshes the stored payload footprint and returns it.
func (s *Service) RecomputeUsage(ctx context.Context, userID string) (int64, error) {
	st, err := store.StatsForUser(ctx, s.store.DB(), userID)
	if err != nil {
		return 0, err
	}
	if err := store.SetStorageUsed(ctx, s.store.DB(), userID, st.PayloadBytes); err != nil {
		return 0, err
	}
	return st.PayloadBytes, nil
}

// FreeStorageForUpload deletes restore points oldest-first, each with
// the history it supersedes, until usage fits under target bytes. The
// newest restore point is never deleted; when only it remains, the
// operations strictly before it go and compaction stops. Returns the
// usage after compaction, with ErrQuotaExceeded when target was not
// reached.
func (s *Service) FreeStorageForUpload(ctx context.Context, userID string, target int64) (int64, error) {
	db := s.store.DB()
	used := int64(0)
	for {
		seqs, err := store.FullStateSeqs(ctx, db, userID)
		if err != nil {
			return used, err
		}
		if len(seqs) == 0 {
			used, err = s.RecomputeUsage(ctx, userID)
			if err != nil {
				return used, err
			}
			return used, fmt.Errorf("%w: no restore points to compact", ErrQuotaExceeded)
		}

		last := len(seqs) == 1
		var deleted int64
		if last {
			deleted, err = store.DeleteOpsBelow(ctx, db, userID, seqs[0])
		} else {
			// Oldest restore point goes too; the next one covers it.
			deleted, err = store.DeleteOpsBelow(ctx, db, userID, seqs[0]+1)
		}
		if err != nil {
			return used, err
		}

		used, err = s.RecomputeUsage(ctx, userID)
		if err != nil {
			return used, err
		}
		s.log.Info("freed storage", "user", userID, "deletedOps", deleted, "used", used)

		if used <= target {
			return used, nil
		}
		if last || deleted == 0 {
			return used, fmt.Errorf("%w: minimum restore point retained", ErrQuotaExceeded)
		}
	}
}
