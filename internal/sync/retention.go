package sync

import (
	"context"
	"time"

	"github.com/opsync/opsync/internal/store"
)

// RetentionReport summarizes one compaction run.
type RetentionReport struct {
	TotalDeleted    int64    `json:"totalDeleted"`
	AffectedUserIDs []string `json:"affectedUserIds"`
	StaleDevices    int64    `json:"staleDevices"`
}

// RunRetention deletes aged operations that a durable snapshot already
// covers, and prunes devices not seen for the stale window. Sub-task
// failures are logged and do not stop the remaining work; the report
// reflects whatever succeeded.
func (s *Service) RunRetention(ctx context.Context) RetentionReport {
	var report RetentionReport
	now := s.now()
	db := s.store.DB()
	cutoff := now.Add(-s.cfg.RetentionAge).UnixMilli()

	states, err := store.SnapshottedUsers(ctx, db, cutoff)
	if err != nil {
		s.log.Error("retention: list snapshotted users", "err", err)
	}
	for _, st := range states {
		// Only history both aged out and covered by the snapshot goes.
		deleted, err := store.DeleteOpsThrough(ctx, db, st.UserID, st.LastSnapshotSeq, cutoff)
		if err != nil {
			s.log.Error("retention: delete ops", "user", st.UserID, "err", err)
			continue
		}
		if deleted == 0 {
			continue
		}
		report.TotalDeleted += deleted
		report.AffectedUserIDs = append(report.AffectedUserIDs, st.UserID)
		if _, err := s.RecomputeUsage(ctx, st.UserID); err != nil {
			s.log.Error("retention: recompute usage", "user", st.UserID, "err", err)
		}
	}

	deviceCutoff := now.Add(-s.cfg.DeviceStaleAge).UnixMilli()
	stale, err := store.DeleteStaleDevices(ctx, db, deviceCutoff)
	if err != nil {
		s.log.Error("retention: delete stale devices", "err", err)
	}
	report.StaleDevices = stale

	s.RateLimit.Cleanup(now)
	s.Dedup.Cleanup(now)

	s.log.Info("retention run complete",
		"deletedOps", report.TotalDeleted,
		"affectedUsers", len(report.AffectedUserIDs),
		"staleDevices", report.StaleDevices)
	return report
}

// StartCompactor runs retention on a timer until ctx is cancelled. The
// first run happens after a short delay so a restart loop does not
// hammer the database.
func (s *Service) StartCompactor(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.CompactInitialDelay):
			s.RunRetention(ctx)
		}
		ticker := time.NewTicker(s.cfg.CompactInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunRetention(ctx)
			}
		}
	}()
}
