package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsync/opsync/internal/clock"
	"github.com/opsync/opsync/internal/op"
	"github.com/opsync/opsync/internal/store"
)

// detectConflict checks the incoming operation's clock against the
// newest stored operation for each target entity. Full-state and
// bulk/wildcard operations carry no targets and bypass detection.
// Returns nil when the operation may be applied.
func (s *Service) detectConflict(ctx context.Context, q store.Querier, userID string, n op.Normalized) (*op.ValidationError, error) {
	for _, entityID := range n.Targets {
		head, err := store.LatestOpForEntity(ctx, q, userID, n.EntityType, entityID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		stored, _, err := clock.Sanitize(head.VectorClock)
		if err != nil {
			// A stored clock that no longer parses is treated as
			// empty; the incoming op then dominates or ties it.
			stored = clock.VectorClock{}
		}

		switch clock.Compare(n.Clock, stored) {
		case clock.GreaterThan:
			// Valid causal successor.
		case clock.Equal:
			if head.ClientID == n.ClientID {
				continue // idempotent retry
			}
			return conflictErr(op.CodeConflictStale,
				"equal vector clocks from different clients for entity %s", entityID), nil
		case clock.Concurrent:
			return conflictErr(op.CodeConflictConcurrent,
				"concurrent modification of entity %s", entityID), nil
		case clock.LessThan:
			return conflictErr(op.CodeConflictStale,
				"stale operation for entity %s", entityID), nil
		default:
			// Fail closed on anything unexpected.
			return conflictErr(op.CodeConflictConcurrent,
				"unresolvable clock ordering for entity %s", entityID), nil
		}
	}
	return nil, nil
}

func conflictErr(code, format string, args ...any) *op.ValidationError {
	return &op.ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}
