package op

import (
	"fmt"
	"time"

	"github.com/opsync/opsync/internal/clock"
)

// Validation limits. Timestamps a little ahead of server time are
// expected (client clock skew) and get clamped rather than rejected;
// timestamps older than MaxAge indicate a corrupt client and fail.
type Limits struct {
	MaxPayloadBytes int
	MaxFutureDrift  time.Duration
	MaxAge          time.Duration
}

// DefaultLimits are used when a field is left zero.
var DefaultLimits = Limits{
	MaxPayloadBytes: DefaultMaxPayloadBytes,
	MaxFutureDrift:  5 * time.Minute,
	MaxAge:          2 * 365 * 24 * time.Hour,
}

const (
	maxIDLen = 128

	// MaxSchemaVersion is the newest payload schema the server accepts.
	MaxSchemaVersion = 100
)

// Validate checks a single operation from a batch submitted by
// batchClientID and resolves its union-shaped fields into a Normalized
// value. now is the server receive time. A non-nil error always carries
// an error code for the per-operation result.
func Validate(o Operation, batchClientID string, now time.Time, lim Limits) (Normalized, *ValidationError) {
	if lim.MaxFutureDrift == 0 {
		lim.MaxFutureDrift = DefaultLimits.MaxFutureDrift
	}
	if lim.MaxAge == 0 {
		lim.MaxAge = DefaultLimits.MaxAge
	}

	var n Normalized
	if o.ID == "" || len(o.ID) > maxIDLen {
		return n, invalid(CodeInvalidOpID, "operation id must be 1-128 characters")
	}
	if !o.OpType.Known() {
		return n, invalid(CodeInvalidOpType, fmt.Sprintf("unknown opType %q", o.OpType))
	}
	if o.EntityType == "" || len(o.EntityType) > maxIDLen {
		return n, invalid(CodeInvalidEntityType, "entityType must be 1-128 characters")
	}
	if o.ClientID == "" || o.ClientID != batchClientID {
		return n, invalid(CodeClientIDMismatch,
			fmt.Sprintf("operation %s does not belong to client %s", o.ID, batchClientID))
	}

	targets, verr := resolveTargets(o)
	if verr != nil {
		return n, verr
	}

	g := Guard{MaxPayloadBytes: lim.MaxPayloadBytes}
	if verr := g.Check(o.OpType, o.Payload); verr != nil {
		return n, verr
	}

	if o.SchemaVersion < 1 || o.SchemaVersion > MaxSchemaVersion {
		return n, invalid(CodeInvalidSchemaVersion,
			fmt.Sprintf("schemaVersion %d not in [1, %d]", o.SchemaVersion, MaxSchemaVersion))
	}

	vc, stripped, err := clock.Sanitize(o.VectorClock)
	if err != nil {
		return n, invalid(CodeInvalidVectorClock, err.Error())
	}

	clamped := false
	ts := o.Timestamp
	nowMs := now.UnixMilli()
	switch {
	case ts <= 0:
		return n, invalid(CodeInvalidTimestamp, "timestamp must be positive")
	case ts < nowMs-lim.MaxAge.Milliseconds():
		return n, invalid(CodeInvalidTimestamp,
			fmt.Sprintf("timestamp %d is older than the retention horizon", ts))
	case ts > nowMs+lim.MaxFutureDrift.Milliseconds():
		ts = nowMs + lim.MaxFutureDrift.Milliseconds()
		clamped = true
	}

	n = Normalized{
		Operation:            o,
		Clock:                vc,
		Targets:              targets,
		TimestampClamped:     clamped,
		StrippedClockEntries: stripped,
	}
	n.Timestamp = ts
	return n, nil
}

// resolveTargets collapses the entityId/entityIds union into the list
// of ids conflict detection applies to. Full-state operations and ops
// addressed to EntityAll affect the whole projection and return nil.
func resolveTargets(o Operation) ([]string, *ValidationError) {
	if o.OpType.FullState() {
		return nil, nil
	}
	if o.EntityID == EntityAll {
		return nil, nil
	}
	ids := o.EntityIDs
	if len(ids) == 0 && o.EntityID != "" {
		ids = []string{o.EntityID}
	}
	switch o.OpType {
	case TypeBatch, TypeMove:
		// Bulk operations may omit ids; the payload names the members.
		if len(ids) == 0 {
			return nil, nil
		}
	default:
		if len(ids) == 0 {
			return nil, invalid(CodeMissingEntityID,
				fmt.Sprintf("%s operation %s names no entity", o.OpType, o.ID))
		}
	}
	for _, id := range ids {
		if id == "" || len(id) > maxIDLen {
			return nil, invalid(CodeInvalidEntityID, "entity ids must be 1-128 characters")
		}
	}
	return ids, nil
}
