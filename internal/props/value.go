package props

import (
	"fmt"
	"strconv"
)

// Value is a sealed interface over the property value kinds.
type Value interface {
	propValue()
}

// Missing is the value of a path that is not present in a Set.
type Missing struct{}

func (Missing) propValue() {}

// Bool is a boolean property value.
type Bool bool

func (Bool) propValue() {}

// Number is a numeric property value. Integers and decimals share one
// representation so comparisons never depend on how a literal was written.
type Number float64

func (Number) propValue() {}

// String is a string property value. Strings compare by exact match only.
type String string

func (String) propValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) propValue() {}

// Kind names the kind of v for diagnostics.
func Kind(v Value) string {
	switch v.(type) {
	case nil, Missing:
		return "missing"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// IsMissing reports whether v is absent.
func IsMissing(v Value) bool {
	switch v.(type) {
	case nil, Missing:
		return true
	}
	return false
}

// Equal reports whether two values have the same kind and content.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Number:
		bv, ok := b.(Number)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return IsMissing(a) && IsMissing(b)
	}
}

// Format renders v the way it would appear as a constraint literal.
func Format(v Value) string {
	switch val := v.(type) {
	case Bool:
		return strconv.FormatBool(bool(val))
	case Number:
		return formatNumber(float64(val))
	case String:
		return string(val)
	case Array:
		out := "["
		for i, elem := range val {
			if i > 0 {
				out += ","
			}
			out += Format(elem)
		}
		return out + "]"
	default:
		return ""
	}
}

// formatNumber prints integral values without a fractional part.
func formatNumber(f float64) string {
	if f == float64(int64(f)) && f < 1e15 && f > -1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// FromAny converts a decoded JSON/YAML scalar or list into a Value.
// Objects are rejected here; Set construction flattens them instead.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is not a valid property value")
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Number(val), nil
	case int32:
		return Number(val), nil
	case int64:
		return Number(val), nil
	case uint64:
		return Number(val), nil
	case float32:
		return Number(val), nil
	case float64:
		return Number(val), nil
	case interface{ Float64() (float64, error) }:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %v: %w", val, err)
		}
		return Number(f), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			if _, isObj := elem.(map[string]any); isObj {
				return nil, fmt.Errorf("array[%d]: objects inside arrays are not supported", i)
			}
			pv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = pv
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported property value type: %T", v)
	}
}

// ToAny converts v back into plain Go values for encoding.
func ToAny(v Value) any {
	switch val := v.(type) {
	case Bool:
		return bool(val)
	case Number:
		return float64(val)
	case String:
		return string(val)
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}
