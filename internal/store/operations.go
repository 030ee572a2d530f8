package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opsync/opsync/internal/op"
)

const opColumns = `server_seq, id, client_id, action_type, op_type, entity_type,
	entity_id, entity_ids, payload, vector_clock, ts, schema_version, encrypted, received_at`

// InsertOperation appends an accepted operation to the user's log.
// Returns ErrDuplicateID when the operation id was already accepted.
func InsertOperation(ctx context.Context, q Querier, userID string, so op.ServerOperation) error {
	var entityID sql.NullString
	if so.Op.EntityID != "" {
		entityID = sql.NullString{String: so.Op.EntityID, Valid: true}
	}
	var entityIDs sql.NullString
	if len(so.Op.EntityIDs) > 0 {
		b, err := json.Marshal(so.Op.EntityIDs)
		if err != nil {
			return fmt.Errorf("marshal entity ids: %w", err)
		}
		entityIDs = sql.NullString{String: string(b), Valid: true}
	}
	clock := string(so.Op.VectorClock)
	if clock == "" {
		clock = "{}"
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO operations (user_id, `+opColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, so.ServerSeq, so.Op.ID, so.Op.ClientID, so.Op.ActionType,
		string(so.Op.OpType), so.Op.EntityType, entityID, entityIDs,
		[]byte(so.Op.Payload), clock, so.Op.Timestamp, so.Op.SchemaVersion,
		so.Op.IsPayloadEncrypted, so.ReceivedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// OperationExists reports whether an operation id was already accepted
// for the user.
func OperationExists(ctx context.Context, q Querier, userID, opID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM operations WHERE user_id = ? AND id = ?`, userID, opID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("operation exists: %w", err)
	}
	return true, nil
}

// EntityHead is the newest stored operation touching an entity, as far
// as conflict detection needs it.
type EntityHead struct {
	ServerSeq   int64
	ClientID    string
	VectorClock json.RawMessage
}

// LatestOpForEntity returns the newest operation for the entity, or
// ErrNotFound when the entity has no history.
func LatestOpForEntity(ctx context.Context, q Querier, userID, entityType, entityID string) (EntityHead, error) {
	var h EntityHead
	var clock string
	err := q.QueryRowContext(ctx, `
		SELECT server_seq, client_id, vector_clock
		FROM operations
		WHERE user_id = ? AND entity_type = ? AND entity_id = ?
		ORDER BY server_seq DESC LIMIT 1`,
		userID, entityType, entityID).Scan(&h.ServerSeq, &h.ClientID, &clock)
	if errors.Is(err, sql.ErrNoRows) {
		return h, ErrNotFound
	}
	if err != nil {
		return h, fmt.Errorf("latest op for entity: %w", err)
	}
	h.VectorClock = json.RawMessage(clock)
	return h, nil
}

// OpsSince returns up to limit operations with server_seq > sinceSeq in
// sequence order, skipping those authored by excludeClient when it is
// non-empty.
func OpsSince(ctx context.Context, q Querier, userID string, sinceSeq int64, limit int, excludeClient string) ([]op.ServerOperation, error) {
	query := `SELECT ` + opColumns + ` FROM operations WHERE user_id = ? AND server_seq > ?`
	args := []any{userID, sinceSeq}
	if excludeClient != "" {
		query += ` AND client_id != ?`
		args = append(args, excludeClient)
	}
	query += ` ORDER BY server_seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ops since: %w", err)
	}
	defer rows.Close()
	return scanOps(rows)
}

// OpsInRange returns operations with lo < server_seq <= hi in sequence
// order, without a limit. Used by snapshot replay.
func OpsInRange(ctx context.Context, q Querier, userID string, lo, hi int64) ([]op.ServerOperation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+opColumns+` FROM operations
		WHERE user_id = ? AND server_seq > ? AND server_seq <= ?
		ORDER BY server_seq ASC`,
		userID, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("ops in range: %w", err)
	}
	defer rows.Close()
	return scanOps(rows)
}

// MinSeqAfter returns the smallest stored server_seq greater than
// sinceSeq, optionally ignoring excludeClient's own operations.
// Returns 0 when no such operation exists.
func MinSeqAfter(ctx context.Context, q Querier, userID string, sinceSeq int64, excludeClient string) (int64, error) {
	query := `SELECT COALESCE(MIN(server_seq), 0) FROM operations WHERE user_id = ? AND server_seq > ?`
	args := []any{userID, sinceSeq}
	if excludeClient != "" {
		query += ` AND client_id != ?`
		args = append(args, excludeClient)
	}
	var seq int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		return 0, fmt.Errorf("min seq after: %w", err)
	}
	return seq, nil
}

// LatestFullStateSeq returns the server_seq of the newest full-state
// operation, or 0 when none exists.
func LatestFullStateSeq(ctx context.Context, q Querier, userID string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(server_seq), 0) FROM operations
		WHERE user_id = ? AND op_type IN ('SYNC_IMPORT', 'BACKUP_IMPORT', 'REPAIR')`,
		userID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest full-state seq: %w", err)
	}
	return seq, nil
}

// FullStateSeqs returns server_seqs of all full-state operations in
// ascending order.
func FullStateSeqs(ctx context.Context, q Querier, userID string) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT server_seq FROM operations
		WHERE user_id = ? AND op_type IN ('SYNC_IMPORT', 'BACKUP_IMPORT', 'REPAIR')
		ORDER BY server_seq ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("full-state seqs: %w", err)
	}
	defer rows.Close()
	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

// FullStateOps returns up to limit full-state operations, newest first.
func FullStateOps(ctx context.Context, q Querier, userID string, limit int) ([]op.ServerOperation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+opColumns+` FROM operations
		WHERE user_id = ? AND op_type IN ('SYNC_IMPORT', 'BACKUP_IMPORT', 'REPAIR')
		ORDER BY server_seq DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("full-state ops: %w", err)
	}
	defer rows.Close()
	return scanOps(rows)
}

// OpAtSeq returns the operation at exactly server_seq, or ErrNotFound.
func OpAtSeq(ctx context.Context, q Querier, userID string, serverSeq int64) (op.ServerOperation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+opColumns+` FROM operations WHERE user_id = ? AND server_seq = ?`,
		userID, serverSeq)
	if err != nil {
		return op.ServerOperation{}, fmt.Errorf("op at seq: %w", err)
	}
	defer rows.Close()
	ops, err := scanOps(rows)
	if err != nil {
		return op.ServerOperation{}, err
	}
	if len(ops) == 0 {
		return op.ServerOperation{}, ErrNotFound
	}
	return ops[0], nil
}

// DeleteOpsThrough deletes operations with server_seq <= maxSeq that
// were received before cutoff. Returns the number of rows deleted.
func DeleteOpsThrough(ctx context.Context, q Querier, userID string, maxSeq, cutoff int64) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM operations
		WHERE user_id = ? AND server_seq <= ? AND received_at < ?`,
		userID, maxSeq, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete ops through: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOpsBelow deletes operations with server_seq < seq regardless of
// age. Used when freeing storage ahead of an upload.
func DeleteOpsBelow(ctx context.Context, q Querier, userID string, seq int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM operations WHERE user_id = ? AND server_seq < ?`, userID, seq)
	if err != nil {
		return 0, fmt.Errorf("delete ops below: %w", err)
	}
	return res.RowsAffected()
}

// CountEncryptedInRange counts encrypted-payload operations with
// lo < server_seq <= hi.
func CountEncryptedInRange(ctx context.Context, q Querier, userID string, lo, hi int64) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations
		WHERE user_id = ? AND server_seq > ? AND server_seq <= ? AND encrypted != 0`,
		userID, lo, hi).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count encrypted: %w", err)
	}
	return n, nil
}

// OpStats reports the stored footprint of a user's log.
type OpStats struct {
	Count        int64
	PayloadBytes int64
}

// StatsForUser sums the user's stored operations.
func StatsForUser(ctx context.Context, q Querier, userID string) (OpStats, error) {
	var st OpStats
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0)
		FROM operations WHERE user_id = ?`,
		userID).Scan(&st.Count, &st.PayloadBytes)
	if err != nil {
		return st, fmt.Errorf("op stats: %w", err)
	}
	return st, nil
}

func scanOps(rows *sql.Rows) ([]op.ServerOperation, error) {
	var ops []op.ServerOperation
	for rows.Next() {
		var so op.ServerOperation
		var entityID, entityIDs sql.NullString
		var payload []byte
		var clock, opType string
		var encrypted bool
		err := rows.Scan(&so.ServerSeq, &so.Op.ID, &so.Op.ClientID,
			&so.Op.ActionType, &opType, &so.Op.EntityType,
			&entityID, &entityIDs, &payload, &clock,
			&so.Op.Timestamp, &so.Op.SchemaVersion, &encrypted, &so.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		so.Op.OpType = op.Type(opType)
		so.Op.EntityID = entityID.String
		if entityIDs.Valid {
			if err := json.Unmarshal([]byte(entityIDs.String), &so.Op.EntityIDs); err != nil {
				return nil, fmt.Errorf("decode entity ids: %w", err)
			}
		}
		so.Op.Payload = json.RawMessage(payload)
		so.Op.VectorClock = json.RawMessage(clock)
		so.Op.IsPayloadEncrypted = encrypted
		ops = append(ops, so)
	}
	return ops, rows.Err()
}
