package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opsync/opsync/internal/clock"
	"github.com/opsync/opsync/internal/op"
	"github.com/opsync/opsync/internal/store"
)

// Batch-level failures surfaced to the transport layer.
var (
	ErrBatchTooLarge  = errors.New("too many operations in one batch")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrUnknownUser    = errors.New("unknown user")
	ErrInvalidRequest = errors.New("invalid request")
)

// UploadRequest is one batch of operations from a single client.
// LastKnownServerSeq below zero disables piggybacked delivery.
type UploadRequest struct {
	UserID             string
	ClientID           string
	Ops                []op.Operation
	LastKnownServerSeq int64
	RequestID          string
}

// UploadResponse enumerates one result per submitted operation, plus
// any operations from other clients the uploader has not seen yet.
type UploadResponse struct {
	Results      []op.UploadResult    `json:"results"`
	NewOps       []op.ServerOperation `json:"newOps,omitempty"`
	LatestSeq    int64                `json:"latestSeq"`
	Deduplicated bool                 `json:"deduplicated,omitempty"`

	// TxFailed marks a whole-batch transaction failure. The outcome is
	// transient and must not be cached against the request id.
	TxFailed bool `json:"-"`
}

// Upload runs the batch protocol: one transaction per batch, each
// operation validated, conflict-checked, sequenced, conflict-checked
// again, deduplicated, and inserted. Per-operation failures reject
// only that operation; a transaction failure rejects the whole batch
// uniformly with a retryable code.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResponse, error) {
	var resp UploadResponse
	if req.UserID == "" || req.ClientID == "" {
		return resp, ErrInvalidRequest
	}
	if len(req.Ops) > s.cfg.MaxOpsPerUpload {
		return resp, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(req.Ops), s.cfg.MaxOpsPerUpload)
	}

	if err := s.ensureUploadCapacity(ctx, req); err != nil {
		return resp, err
	}

	results, err := s.uploadTx(ctx, req)
	if err != nil {
		// Transaction-level failure: every operation reports the same
		// transient code so the client retries the entire batch.
		s.log.Error("upload transaction failed", "user", req.UserID, "client", req.ClientID, "err", err)
		resp.TxFailed = true
		results = results[:0]
		for _, o := range req.Ops {
			results = append(results, op.UploadResult{
				OpID:      o.ID,
				Accepted:  false,
				Error:     "transaction failed, retry the batch",
				ErrorCode: op.CodeInternalError,
			})
		}
	}
	resp.Results = results

	st, err := store.GetSyncState(ctx, s.store.DB(), req.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return resp, err
	}
	resp.LatestSeq = st.LastSeq

	if req.LastKnownServerSeq >= 0 && st.LastSeq > req.LastKnownServerSeq {
		newOps, err := store.OpsSince(ctx, s.store.DB(), req.UserID,
			req.LastKnownServerSeq, s.cfg.MaxOpsPerDownload, req.ClientID)
		if err != nil {
			return resp, err
		}
		resp.NewOps = newOps
	}
	return resp, nil
}

// uploadTx applies the batch inside one transaction. The returned
// results are only meaningful when err is nil.
func (s *Service) uploadTx(ctx context.Context, req UploadRequest) ([]op.UploadResult, error) {
	now := s.now()
	nowMs := now.UnixMilli()

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin upload tx: %w", err)
	}
	defer tx.Rollback()

	if err := store.EnsureUser(ctx, tx, req.UserID, nowMs, s.cfg.QuotaBytes); err != nil {
		return nil, err
	}
	if err := store.EnsureSyncState(ctx, tx, req.UserID); err != nil {
		return nil, err
	}

	results := make([]op.UploadResult, 0, len(req.Ops))
	accepted := 0
	var insertedBytes int64
	for _, o := range req.Ops {
		res, err := s.applyOne(ctx, tx, req.UserID, req.ClientID, o, now)
		if err != nil {
			return nil, err
		}
		if res.Accepted {
			accepted++
			insertedBytes += int64(len(o.Payload))
		}
		results = append(results, res)
	}

	if insertedBytes > 0 {
		if err := store.AddStorageUsed(ctx, tx, req.UserID, insertedBytes); err != nil {
			return nil, err
		}
	}
	if err := store.TouchDevice(ctx, tx, req.UserID, req.ClientID, nowMs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upload tx: %w", err)
	}

	s.log.Info("batch processed",
		"user", req.UserID, "client", req.ClientID,
		"submitted", len(req.Ops), "accepted", accepted)
	return results, nil
}

// applyOne runs the per-operation pipeline. A returned error aborts the
// transaction; validation, conflict, and duplicate outcomes are folded
// into the result instead.
func (s *Service) applyOne(ctx context.Context, tx store.Querier, userID, clientID string, o op.Operation, now time.Time) (op.UploadResult, error) {
	reject := func(verr *op.ValidationError) op.UploadResult {
		return op.UploadResult{OpID: o.ID, Accepted: false, Error: verr.Message, ErrorCode: verr.Code}
	}

	n, verr := op.Validate(o, clientID, now, s.limits())
	if verr != nil {
		return reject(verr), nil
	}
	if n.TimestampClamped {
		s.log.Warn("clamped future timestamp", "user", userID, "op", o.ID, "claimed", o.Timestamp)
	}
	if n.StrippedClockEntries > 0 {
		s.log.Warn("stripped vector clock entries", "user", userID, "op", o.ID, "stripped", n.StrippedClockEntries)
	}

	if verr, err := s.detectConflict(ctx, tx, userID, n); err != nil {
		return op.UploadResult{}, err
	} else if verr != nil {
		return reject(verr), nil
	}

	seq, err := store.NextSeq(ctx, tx, userID)
	if err != nil {
		return op.UploadResult{}, err
	}

	// Second check: another transaction may have appended a competing
	// operation between the first check and the allocation. A rejection
	// here simply skips the allocated sequence number.
	if verr, err := s.detectConflict(ctx, tx, userID, n); err != nil {
		return op.UploadResult{}, err
	} else if verr != nil {
		return reject(verr), nil
	}

	exists, err := store.OperationExists(ctx, tx, userID, o.ID)
	if err != nil {
		return op.UploadResult{}, err
	}
	if exists {
		return reject(conflictErr(op.CodeDuplicateOperation, "operation %s was already applied", o.ID)), nil
	}

	stored := n.Operation
	stored.VectorClock = mustClockJSON(n.Clock)
	err = store.InsertOperation(ctx, tx, userID, op.ServerOperation{
		ServerSeq:  seq,
		Op:         stored,
		ReceivedAt: now.UnixMilli(),
	})
	if errors.Is(err, store.ErrDuplicateID) {
		// Fallback for a race the pre-check missed.
		return reject(conflictErr(op.CodeDuplicateOperation, "operation %s was already applied", o.ID)), nil
	}
	if err != nil {
		return op.UploadResult{}, err
	}

	return op.UploadResult{OpID: o.ID, Accepted: true, ServerSeq: seq}, nil
}

// mustClockJSON stores the sanitized clock, not the submitted bytes.
func mustClockJSON(c clock.VectorClock) json.RawMessage {
	b, err := json.Marshal(c)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
