// Package op defines the operation model shared by the sync engine and
// the HTTP layer, plus structural validation of incoming operations.
package op

import (
	"encoding/json"

	"github.com/opsync/opsync/internal/clock"
)

// Type is the mutation kind of an operation.
type Type string

const (
	TypeCreate       Type = "CRT"
	TypeUpdate       Type = "UPD"
	TypeDelete       Type = "DEL"
	TypeMove         Type = "MOV"
	TypeBatch        Type = "BATCH"
	TypeSyncImport   Type = "SYNC_IMPORT"
	TypeBackupImport Type = "BACKUP_IMPORT"
	TypeRepair       Type = "REPAIR"
)

// Known reports whether t is one of the defined operation types.
func (t Type) Known() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete, TypeMove, TypeBatch,
		TypeSyncImport, TypeBackupImport, TypeRepair:
		return true
	}
	return false
}

// FullState reports whether t replaces the entire projection on replay.
// Full-state operations also bypass conflict detection and payload
// complexity limits (they legitimately carry whole application exports).
func (t Type) FullState() bool {
	return t == TypeSyncImport || t == TypeBackupImport || t == TypeRepair
}

// EntityAll marks operations addressing the whole state rather than a
// single entity.
const EntityAll = "ALL"

// Operation is a client-submitted mutation record, immutable once
// accepted. Payload is opaque to the server; IsPayloadEncrypted is
// carried but never interpreted.
type Operation struct {
	ID                 string          `json:"id"`
	ClientID           string          `json:"clientId"`
	ActionType         string          `json:"actionType"`
	OpType             Type            `json:"opType"`
	EntityType         string          `json:"entityType"`
	EntityID           string          `json:"entityId,omitempty"`
	EntityIDs          []string        `json:"entityIds,omitempty"`
	Payload            json.RawMessage `json:"payload"`
	VectorClock        json.RawMessage `json:"vectorClock"`
	Timestamp          int64           `json:"timestamp"`
	SchemaVersion      int             `json:"schemaVersion"`
	IsPayloadEncrypted bool            `json:"isPayloadEncrypted,omitempty"`
}

// ServerOperation is an accepted operation with its server-assigned
// sequence number and receive time.
type ServerOperation struct {
	ServerSeq  int64     `json:"serverSeq"`
	Op         Operation `json:"op"`
	ReceivedAt int64     `json:"receivedAt"`
}

// Normalized is an operation whose union-shaped fields have been
// resolved once at the validation boundary: the vector clock is parsed
// and sanitized, and the addressed entity ids are collected into
// Targets (empty for bulk and full-state operations). Downstream
// components consume this single shape.
type Normalized struct {
	Operation

	Clock clock.VectorClock
	// Targets holds the entity ids conflict detection applies to.
	Targets []string
	// TimestampClamped is set when the client timestamp exceeded the
	// drift allowance and was pulled back; callers record an audit
	// event for it.
	TimestampClamped bool
	// StrippedClockEntries counts vector clock entries dropped during
	// sanitization.
	StrippedClockEntries int
}

// UploadResult reports the outcome for a single operation in a batch.
type UploadResult struct {
	OpID      string `json:"opId"`
	Accepted  bool   `json:"accepted"`
	ServerSeq int64  `json:"serverSeq,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// Error codes returned in UploadResult.ErrorCode and API error bodies.
const (
	CodeInvalidOpID          = "INVALID_OP_ID"
	CodeInvalidOpType        = "INVALID_OP_TYPE"
	CodeInvalidEntityType    = "INVALID_ENTITY_TYPE"
	CodeInvalidEntityID      = "INVALID_ENTITY_ID"
	CodeMissingEntityID      = "MISSING_ENTITY_ID"
	CodeClientIDMismatch     = "CLIENT_ID_MISMATCH"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeInvalidSchemaVersion = "INVALID_SCHEMA_VERSION"
	CodeInvalidVectorClock   = "INVALID_VECTOR_CLOCK"
	CodeInvalidTimestamp     = "INVALID_TIMESTAMP"
	CodeConflictConcurrent   = "CONFLICT_CONCURRENT"
	CodeConflictStale        = "CONFLICT_STALE"
	CodeDuplicateOperation   = "DUPLICATE_OPERATION"
	CodeRateLimited          = "RATE_LIMITED"
	CodeStorageQuotaExceeded = "STORAGE_QUOTA_EXCEEDED"
	CodeEncryptedOps         = "ENCRYPTED_OPS_NOT_SUPPORTED"
	CodeInternalError        = "INTERNAL_ERROR"
)

// ValidationError carries an error code alongside the message so the
// per-operation result can report both.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(code, msg string) *ValidationError {
	return &ValidationError{Code: code, Message: msg}
}
