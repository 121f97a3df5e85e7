package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/agora/internal/constraint"
	"github.com/roach88/agora/internal/props"
)

// marshalProps serializes a property set to its flat, key-sorted JSON form.
// A nil set is stored as "{}".
func marshalProps(s props.Set) (string, error) {
	if s == nil {
		return "{}", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal properties: %w", err)
	}
	return string(data), nil
}

// unmarshalProps deserializes a property set. Empty input yields an empty set.
func unmarshalProps(data string) (props.Set, error) {
	if data == "" {
		return props.Set{}, nil
	}
	var s props.Set
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	return s, nil
}

// marshalConstraints stores the canonical text form of an expression.
func marshalConstraints(e *constraint.Expr) string {
	return e.String()
}

func unmarshalConstraints(text string) (*constraint.Expr, error) {
	e, err := constraint.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("unmarshal constraints: %w", err)
	}
	return e, nil
}

// Timestamps are stored as Unix nanoseconds. The zero time is stored as 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
