// Package clock implements vector clock comparison and sanitization.
//
// A vector clock maps client IDs to monotonically increasing counters.
// Every comparison is a pure function over two immutable maps; nothing
// in this package holds state.
package clock

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// VectorClock maps a client ID to its logical counter.
type VectorClock map[string]int64

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	Equal Ordering = iota
	GreaterThan
	LessThan
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "EQUAL"
	case GreaterThan:
		return "GREATER_THAN"
	case LessThan:
		return "LESS_THAN"
	case Concurrent:
		return "CONCURRENT"
	default:
		return fmt.Sprintf("Ordering(%d)", int(o))
	}
}

// Sanitization limits. Entries violating the per-entry limits are dropped
// silently; only a clock whose container is malformed is rejected outright.
const (
	MaxEntries = 100
	MaxKeyLen  = 255
	MaxCounter = 10_000_000
)

// ErrMalformed is returned when a raw clock is not a JSON object.
var ErrMalformed = errors.New("vector clock must be an object")

// Compare compares two vector clocks over the union of their keys.
// A key absent from a clock is treated as 0.
func Compare(a, b VectorClock) Ordering {
	aHasGreater := false
	bHasGreater := false

	for k, av := range a {
		bv := b[k]
		if av > bv {
			aHasGreater = true
		} else if bv > av {
			bHasGreater = true
		}
	}
	for k, bv := range b {
		if _, ok := a[k]; ok {
			continue
		}
		if bv > 0 {
			bHasGreater = true
		}
	}

	switch {
	case aHasGreater && bHasGreater:
		return Concurrent
	case aHasGreater:
		return GreaterThan
	case bHasGreater:
		return LessThan
	default:
		return Equal
	}
}

// Merge returns a clock holding the element-wise maximum of a and b.
func Merge(a, b VectorClock) VectorClock {
	out := make(VectorClock, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Sanitize parses and validates a raw vector clock. The whole clock is
// rejected only if raw is not a JSON object (array, scalar, garbage) or
// carries more than MaxEntries entries before sanitization. Individual
// entries with empty or oversized keys, or values that are not integers
// in [0, MaxCounter], are dropped; the second return value counts them.
func Sanitize(raw json.RawMessage) (VectorClock, int, error) {
	if len(raw) == 0 {
		return VectorClock{}, 0, nil
	}

	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, 0, ErrMalformed
	}
	if m == nil {
		return VectorClock{}, 0, nil
	}
	// Bound the work before inspecting entries.
	if len(m) > MaxEntries {
		return nil, 0, fmt.Errorf("vector clock has %d entries (max %d)", len(m), MaxEntries)
	}

	out := make(VectorClock, len(m))
	stripped := 0
	for k, v := range m {
		if k == "" || len(k) > MaxKeyLen {
			stripped++
			continue
		}
		num, ok := v.(json.Number)
		if !ok {
			stripped++
			continue
		}
		n, err := num.Int64()
		if err != nil || n < 0 || n > MaxCounter {
			stripped++
			continue
		}
		out[k] = n
	}
	return out, stripped, nil
}

// MarshalJSON keeps an empty clock serialized as {} rather than null.
func (vc VectorClock) MarshalJSON() ([]byte, error) {
	if vc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]int64(vc))
}
