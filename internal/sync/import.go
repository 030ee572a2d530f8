package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/opsync/opsync/internal/op"
)

// ImportState wraps a full-state payload as a synthetic SYNC_IMPORT
// operation and pushes it through the normal upload path, so it gets a
// sequence number and becomes a restore point like any client-submitted
// import. On acceptance the snapshot cache is refreshed immediately.
func (s *Service) ImportState(ctx context.Context, userID, clientID string, payload, vectorClock json.RawMessage) (Snapshot, op.UploadResult, error) {
	if userID == "" || clientID == "" {
		return Snapshot{}, op.UploadResult{}, ErrInvalidRequest
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Snapshot{}, op.UploadResult{}, fmt.Errorf("generate import id: %w", err)
	}
	imp := op.Operation{
		ID:            "imp-" + id.String(),
		ClientID:      clientID,
		ActionType:    "snapshot.import",
		OpType:        op.TypeSyncImport,
		EntityType:    "state",
		Payload:       payload,
		VectorClock:   vectorClock,
		Timestamp:     s.nowMs(),
		SchemaVersion: 1,
	}

	resp, err := s.Upload(ctx, UploadRequest{
		UserID:             userID,
		ClientID:           clientID,
		Ops:                []op.Operation{imp},
		LastKnownServerSeq: -1,
	})
	if err != nil {
		return Snapshot{}, op.UploadResult{}, err
	}
	result := resp.Results[0]
	if !result.Accepted {
		return Snapshot{}, result, nil
	}

	snap, err := s.Snapshot(ctx, userID)
	if err != nil {
		return Snapshot{}, result, err
	}
	return snap, result, nil
}
