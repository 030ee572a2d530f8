package op

import (
	"encoding/json"
	"fmt"
)

// Payload limits. Full-state operations carry whole application exports
// and skip the complexity checks; the byte ceiling applies to everything.
const (
	DefaultMaxPayloadBytes = 20 << 20
	maxPayloadDepth        = 20
	maxPayloadKeys         = 20000
)

// Guard validates payload shape and size per operation type. The
// payload itself stays opaque beyond these structural checks.
type Guard struct {
	MaxPayloadBytes int
}

// Check returns nil when the payload is acceptable for t.
func (g Guard) Check(t Type, payload json.RawMessage) *ValidationError {
	max := g.MaxPayloadBytes
	if max <= 0 {
		max = DefaultMaxPayloadBytes
	}
	if len(payload) > max {
		return invalid(CodePayloadTooLarge,
			fmt.Sprintf("payload is %d bytes, limit is %d", len(payload), max))
	}

	var v any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &v); err != nil {
			return invalid(CodeInvalidPayload, "payload is not valid JSON")
		}
	}

	if t.FullState() {
		// Restore points carry whole exports; any shape goes.
		return nil
	}

	switch t {
	case TypeDelete:
		// Deletes may carry nothing, a tombstone object, or a bare id.
		switch v.(type) {
		case nil, map[string]any, string:
		default:
			return invalid(CodeInvalidPayload, "DEL payload must be null, an object, or a string")
		}
	case TypeBatch:
		switch obj := v.(type) {
		case string:
			// Encrypted blob.
		case map[string]any:
			if entities, ok := obj["entities"]; ok {
				if _, ok := entities.(map[string]any); !ok {
					return invalid(CodeInvalidPayload, "BATCH entities must be an object")
				}
			}
		default:
			return invalid(CodeInvalidPayload, "BATCH payload must be an object or a string")
		}
	default:
		// Strings pass through as encrypted blobs.
		switch v.(type) {
		case map[string]any, string:
		default:
			return invalid(CodeInvalidPayload,
				fmt.Sprintf("%s payload must be an object or a string", t))
		}
	}

	return checkComplexity(v)
}

// checkComplexity bounds nesting depth and total key count so a single
// operation cannot make replay pathologically expensive.
func checkComplexity(v any) *ValidationError {
	keys := 0
	var walk func(v any, depth int) *ValidationError
	walk = func(v any, depth int) *ValidationError {
		if depth > maxPayloadDepth {
			return invalid(CodeInvalidPayload,
				fmt.Sprintf("payload nesting exceeds %d levels", maxPayloadDepth))
		}
		switch t := v.(type) {
		case map[string]any:
			keys += len(t)
			if keys > maxPayloadKeys {
				return invalid(CodeInvalidPayload,
					fmt.Sprintf("payload exceeds %d keys", maxPayloadKeys))
			}
			for _, child := range t {
				if err := walk(child, depth+1); err != nil {
					return err
				}
			}
		case []any:
			for _, child := range t {
				if err := walk(child, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(v, 1)
}
