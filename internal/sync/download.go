package sync

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/opsync/opsync/internal/op"
	"github.com/opsync/opsync/internal/store"
)

// DownloadRequest asks for operations after SinceSeq. ExcludeClient
// suppresses the caller's own operations.
type DownloadRequest struct {
	UserID        string
	SinceSeq      int64
	Limit         int
	ExcludeClient string
}

// DownloadResponse carries one page of the log. GapDetected warns the
// client that retention removed history it never saw, or that it is
// ahead of the server; either way a full resync is required.
type DownloadResponse struct {
	Ops                 []op.ServerOperation `json:"ops"`
	HasMore             bool                 `json:"hasMore"`
	LatestSeq           int64                `json:"latestSeq"`
	GapDetected         bool                 `json:"gapDetected"`
	LatestSnapshotSeq   int64                `json:"latestSnapshotSeq,omitempty"`
	SnapshotVectorClock json.RawMessage      `json:"snapshotVectorClock,omitempty"`
}

// Download returns operations with server_seq > SinceSeq in order.
// When a full-state restore point supersedes history the client has not
// fetched yet, the start is raised so the client receives the restore
// point plus everything after it, never the dead pre-restore log.
func (s *Service) Download(ctx context.Context, req DownloadRequest) (DownloadResponse, error) {
	var resp DownloadResponse
	if req.UserID == "" || req.SinceSeq < 0 {
		return resp, ErrInvalidRequest
	}
	limit := req.Limit
	if limit <= 0 || limit > s.cfg.MaxOpsPerDownload {
		limit = s.cfg.MaxOpsPerDownload
	}

	db := s.store.DB()
	st, err := store.GetSyncState(ctx, db, req.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return resp, err
	}
	// A missing state row means nothing was ever synced; a client
	// claiming a nonzero cursor against it is ahead of the server,
	// which the gap check below reports.
	resp.LatestSeq = st.LastSeq

	effectiveSince := req.SinceSeq
	fullSeq, err := store.LatestFullStateSeq(ctx, db, req.UserID)
	if err != nil {
		return resp, err
	}
	if fullSeq > 0 && effectiveSince < fullSeq-1 {
		effectiveSince = fullSeq - 1
		resp.LatestSnapshotSeq = fullSeq
		if full, err := store.OpAtSeq(ctx, db, req.UserID, fullSeq); err == nil {
			resp.SnapshotVectorClock = full.Op.VectorClock
		}
		s.log.Debug("raised download start past superseded history",
			"user", req.UserID, "since", req.SinceSeq, "effective", effectiveSince)
	}

	if req.SinceSeq > 0 {
		gap, err := s.detectGap(ctx, req, st.LastSeq)
		if err != nil {
			return resp, err
		}
		resp.GapDetected = gap
	}

	ops, err := store.OpsSince(ctx, db, req.UserID, effectiveSince, limit+1, req.ExcludeClient)
	if err != nil {
		return resp, err
	}
	if len(ops) > limit {
		ops = ops[:limit]
		resp.HasMore = true
	}
	// A jump between the cursor and the first returned operation means
	// retention removed a run the client never saw. With ExcludeClient
	// set the missing rows may simply be the caller's own, so only the
	// head-of-log check above applies.
	if req.SinceSeq > 0 && req.ExcludeClient == "" && len(ops) > 0 &&
		ops[0].ServerSeq > effectiveSince+1 {
		resp.GapDetected = true
	}
	resp.Ops = ops
	return resp, nil
}

// NewOpsSince returns other clients' operations after sinceSeq and the
// current log head. Deduplicated uploads use it so a cached batch
// outcome still delivers fresh operations.
func (s *Service) NewOpsSince(ctx context.Context, userID, clientID string, sinceSeq int64) ([]op.ServerOperation, int64, error) {
	st, err := store.GetSyncState(ctx, s.store.DB(), userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if sinceSeq < 0 || sinceSeq >= st.LastSeq {
		return nil, st.LastSeq, nil
	}
	ops, err := store.OpsSince(ctx, s.store.DB(), userID, sinceSeq, s.cfg.MaxOpsPerDownload, clientID)
	if err != nil {
		return nil, 0, err
	}
	return ops, st.LastSeq, nil
}

// detectGap flags retention-induced holes. A fresh client (sinceSeq 0)
// can never have a gap; callers enforce that before calling here.
func (s *Service) detectGap(ctx context.Context, req DownloadRequest, latestSeq int64) (bool, error) {
	if req.SinceSeq > latestSeq {
		// Client is ahead of the server: data loss or a reset.
		return true, nil
	}

	// The minimum retained sequence is checked without the client
	// exclusion: a hole at the head of the log is real data loss even
	// when the missing rows include the caller's own operations.
	minSeq, err := store.MinSeqAfter(ctx, s.store.DB(), req.UserID, 0, "")
	if err != nil {
		return false, err
	}
	if minSeq == 0 {
		// Empty log with latestSeq > 0: everything was compacted away.
		return req.SinceSeq < latestSeq, nil
	}
	return minSeq > req.SinceSeq+1, nil
}
