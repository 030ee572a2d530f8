package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"

	"github.com/opsync/opsync/internal/op"
	"github.com/opsync/opsync/internal/store"
)

var (
	// ErrSeqOutOfRange is returned for snapshot targets outside
	// [1, lastSeq].
	ErrSeqOutOfRange = errors.New("sequence out of range")
	// ErrEncryptedOps is returned when the range to replay contains
	// encrypted payloads the server cannot materialize.
	ErrEncryptedOps = errors.New("cannot materialize encrypted operations")
	// ErrSnapshotTooLarge is returned when replay would exceed the
	// configured operation or entity ceilings.
	ErrSnapshotTooLarge = errors.New("snapshot too large to materialize")
)

// Projection is the replayed state: entityType -> entityId -> fields.
type Projection map[string]map[string]map[string]any

// Snapshot is a materialized projection of the log up to ServerSeq.
type Snapshot struct {
	State       Projection `json:"state"`
	ServerSeq   int64      `json:"serverSeq"`
	GeneratedAt int64      `json:"generatedAt"`
}

// RestorePoint names a full-state operation a client can roll back to.
type RestorePoint struct {
	ServerSeq  int64   `json:"serverSeq"`
	OpType     op.Type `json:"opType"`
	ActionType string  `json:"actionType"`
	ClientID   string  `json:"clientId"`
	Timestamp  int64   `json:"timestamp"`
}

// Snapshot materializes the current state, replaying only what the
// cached snapshot does not already cover. Concurrent calls for the same
// user share one replay.
func (s *Service) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	if userID == "" {
		return Snapshot{}, ErrInvalidRequest
	}
	v, err, _ := s.snapshots.Do(userID, func() (any, error) {
		return s.generate(ctx, userID)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (s *Service) generate(ctx context.Context, userID string) (Snapshot, error) {
	db := s.store.DB()
	st, err := store.GetSyncState(ctx, db, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{State: Projection{}, GeneratedAt: s.nowMs()}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}

	snap, baseSeq := s.cachedSnapshot(userID, st)
	if snap.State == nil {
		snap.State = Projection{}
	}

	if err := s.guardEncrypted(ctx, userID, baseSeq, st.LastSeq); err != nil {
		return Snapshot{}, err
	}
	if err := s.replayRange(ctx, userID, snap.State, baseSeq, st.LastSeq); err != nil {
		return Snapshot{}, err
	}
	snap.ServerSeq = st.LastSeq
	snap.GeneratedAt = s.nowMs()

	s.cacheSnapshot(ctx, userID, snap)
	return snap, nil
}

// SnapshotAtSeq materializes the state as of targetSeq. Historical
// snapshots are never cached.
func (s *Service) SnapshotAtSeq(ctx context.Context, userID string, targetSeq int64) (Snapshot, error) {
	if userID == "" {
		return Snapshot{}, ErrInvalidRequest
	}
	db := s.store.DB()
	st, err := store.GetSyncState(ctx, db, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Snapshot{}, ErrSeqOutOfRange
		}
		return Snapshot{}, err
	}
	if targetSeq < 1 || targetSeq > st.LastSeq {
		return Snapshot{}, fmt.Errorf("%w: %d not in [1, %d]", ErrSeqOutOfRange, targetSeq, st.LastSeq)
	}

	state := Projection{}
	baseSeq := int64(0)
	if cached, seq := s.cachedSnapshot(userID, st); cached.State != nil && seq <= targetSeq {
		state, baseSeq = cached.State, seq
	}

	if err := s.guardEncrypted(ctx, userID, baseSeq, targetSeq); err != nil {
		return Snapshot{}, err
	}
	if err := s.replayRange(ctx, userID, state, baseSeq, targetSeq); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{State: state, ServerSeq: targetSeq, GeneratedAt: s.nowMs()}, nil
}

// RestorePoints lists full-state operations, newest first.
func (s *Service) RestorePoints(ctx context.Context, userID string, limit int) ([]RestorePoint, error) {
	if limit <= 0 || limit > s.cfg.RestorePointLimit {
		limit = s.cfg.RestorePointLimit
	}
	ops, err := store.FullStateOps(ctx, s.store.DB(), userID, limit)
	if err != nil {
		return nil, err
	}
	points := make([]RestorePoint, 0, len(ops))
	for _, so := range ops {
		points = append(points, RestorePoint{
			ServerSeq:  so.ServerSeq,
			OpType:     so.Op.OpType,
			ActionType: so.Op.ActionType,
			ClientID:   so.Op.ClientID,
			Timestamp:  so.Op.Timestamp,
		})
	}
	return points, nil
}

// cachedSnapshot decodes the stored snapshot blob. Any decode failure
// falls back to a full rebuild.
func (s *Service) cachedSnapshot(userID string, st store.SyncState) (Snapshot, int64) {
	if len(st.Snapshot) == 0 || st.LastSnapshotSeq == 0 {
		return Snapshot{}, 0
	}
	raw, err := snappy.Decode(nil, st.Snapshot)
	if err != nil {
		s.log.Warn("discarding undecodable snapshot cache", "user", userID, "err", err)
		return Snapshot{}, 0
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil || snap.State == nil {
		s.log.Warn("discarding corrupt snapshot cache", "user", userID, "err", err)
		return Snapshot{}, 0
	}
	return snap, st.LastSnapshotSeq
}

// cacheSnapshot persists the snapshot compressed. Snapshots over the
// ceiling clear the cache instead; later calls rebuild from the log.
func (s *Service) cacheSnapshot(ctx context.Context, userID string, snap Snapshot) {
	now := s.nowMs()
	raw, err := json.Marshal(snap)
	if err != nil {
		s.log.Error("marshal snapshot", "user", userID, "err", err)
		return
	}
	blob := snappy.Encode(nil, raw)
	if len(blob) > s.cfg.SnapshotMaxBytes {
		s.log.Warn("snapshot over cache ceiling, not caching",
			"user", userID, "bytes", len(blob), "ceiling", s.cfg.SnapshotMaxBytes)
		if err := store.SaveSnapshot(ctx, s.store.DB(), userID, nil, 0, now); err != nil {
			s.log.Error("clear snapshot cache", "user", userID, "err", err)
		}
		return
	}
	if err := store.SaveSnapshot(ctx, s.store.DB(), userID, blob, snap.ServerSeq, now); err != nil {
		s.log.Error("save snapshot cache", "user", userID, "err", err)
	}
}

func (s *Service) guardEncrypted(ctx context.Context, userID string, lo, hi int64) error {
	n, err := store.CountEncryptedInRange(ctx, s.store.DB(), userID, lo, hi)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d in range", ErrEncryptedOps, n)
	}
	return nil
}

// sizeCheckEvery bounds how often replay re-counts entities.
const sizeCheckEvery = 1000

func (s *Service) replayRange(ctx context.Context, userID string, state Projection, lo, hi int64) error {
	if hi <= lo {
		return nil
	}
	if hi-lo > int64(s.cfg.SnapshotMaxOps) {
		return fmt.Errorf("%w: %d operations to replay (max %d)", ErrSnapshotTooLarge, hi-lo, s.cfg.SnapshotMaxOps)
	}
	ops, err := store.OpsInRange(ctx, s.store.DB(), userID, lo, hi)
	if err != nil {
		return err
	}
	for i, so := range ops {
		applyToProjection(state, so)
		if (i+1)%sizeCheckEvery == 0 && countEntities(state) > s.cfg.SnapshotMaxEntities {
			return fmt.Errorf("%w: over %d entities", ErrSnapshotTooLarge, s.cfg.SnapshotMaxEntities)
		}
	}
	if countEntities(state) > s.cfg.SnapshotMaxEntities {
		return fmt.Errorf("%w: over %d entities", ErrSnapshotTooLarge, s.cfg.SnapshotMaxEntities)
	}
	return nil
}

func countEntities(state Projection) int {
	n := 0
	for _, byID := range state {
		n += len(byID)
	}
	return n
}

// applyToProjection folds one operation into the state. Unparseable
// payloads are skipped; replay must never fail on a single bad op.
func applyToProjection(state Projection, so op.ServerOperation) {
	o := so.Op
	if o.OpType.FullState() {
		replaceProjection(state, o.Payload)
		return
	}

	switch o.OpType {
	case op.TypeDelete:
		if o.EntityID == op.EntityAll {
			delete(state, o.EntityType)
			return
		}
		for _, id := range targetIDs(o) {
			if m := state[o.EntityType]; m != nil {
				delete(m, id)
			}
		}
	case op.TypeBatch:
		var payload struct {
			Entities map[string]map[string]any `json:"entities"`
		}
		if json.Unmarshal(o.Payload, &payload) != nil {
			return
		}
		for id, fields := range payload.Entities {
			mergeEntity(state, o.EntityType, id, fields, false)
		}
	case op.TypeCreate:
		var fields map[string]any
		if json.Unmarshal(o.Payload, &fields) != nil {
			return
		}
		for _, id := range targetIDs(o) {
			mergeEntity(state, o.EntityType, id, fields, true)
		}
	case op.TypeUpdate, op.TypeMove:
		var fields map[string]any
		if json.Unmarshal(o.Payload, &fields) != nil {
			return
		}
		for _, id := range targetIDs(o) {
			mergeEntity(state, o.EntityType, id, fields, false)
		}
	}
}

// replaceProjection swaps the whole state for the payload of a
// full-state operation. Non-conforming branches are dropped.
func replaceProjection(state Projection, payload json.RawMessage) {
	var full map[string]map[string]map[string]any
	if json.Unmarshal(payload, &full) != nil {
		return
	}
	for k := range state {
		delete(state, k)
	}
	for entityType, entities := range full {
		byID := make(map[string]map[string]any, len(entities))
		for id, fields := range entities {
			byID[id] = fields
		}
		state[entityType] = byID
	}
}

func mergeEntity(state Projection, entityType, id string, fields map[string]any, replace bool) {
	byID := state[entityType]
	if byID == nil {
		byID = make(map[string]map[string]any)
		state[entityType] = byID
	}
	existing := byID[id]
	if replace || existing == nil {
		copied := make(map[string]any, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		byID[id] = copied
		return
	}
	for k, v := range fields {
		existing[k] = v
	}
}

func targetIDs(o op.Operation) []string {
	if len(o.EntityIDs) > 0 {
		return o.EntityIDs
	}
	if o.EntityID != "" && o.EntityID != op.EntityAll {
		return []string{o.EntityID}
	}
	return nil
}
