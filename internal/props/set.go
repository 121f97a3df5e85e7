package props

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Set is a flattened property set keyed by dotted path.
// A Set attached to a published subscription or proposal is never mutated;
// use Clone before deriving a new one.
type Set map[string]Value

// Pair is a key/value pair for typed Set construction.
type Pair struct {
	Key   string
	Value Value
}

// P is shorthand for Pair.
// Example: props.New(props.P("cpu", props.Number(4)), props.P("arch", props.String("x86_64")))
func P(key string, value Value) Pair {
	return Pair{Key: key, Value: value}
}

// New builds a Set from pairs.
func New(pairs ...Pair) Set {
	s := make(Set, len(pairs))
	for _, p := range pairs {
		s[p.Key] = p.Value
	}
	return s
}

// FromMap builds a Set from decoded JSON or YAML, flattening nested objects
// into dotted paths. A nested key that collides with an explicit dotted key is
// an error.
func FromMap(m map[string]any) (Set, error) {
	s := make(Set, len(m))
	if err := flattenInto(s, "", m); err != nil {
		return nil, err
	}
	return s, nil
}

func flattenInto(dst Set, prefix string, m map[string]any) error {
	for k, raw := range m {
		if k == "" {
			return fmt.Errorf("empty property key under %q", prefix)
		}
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}

		switch val := raw.(type) {
		case map[string]any:
			if err := flattenInto(dst, path, val); err != nil {
				return err
			}
		case map[any]any:
			conv := make(map[string]any, len(val))
			for mk, mv := range val {
				ks, ok := mk.(string)
				if !ok {
					return fmt.Errorf("property %q: non-string key %v", path, mk)
				}
				conv[ks] = mv
			}
			if err := flattenInto(dst, path, conv); err != nil {
				return err
			}
		default:
			v, err := FromAny(val)
			if err != nil {
				return fmt.Errorf("property %q: %w", path, err)
			}
			if _, dup := dst[path]; dup {
				return fmt.Errorf("property %q defined twice", path)
			}
			dst[path] = v
		}
	}
	return nil
}

// Lookup returns the value at path, or Missing if absent.
func (s Set) Lookup(path string) Value {
	if v, ok := s[path]; ok && v != nil {
		return v
	}
	return Missing{}
}

// Has reports whether path is present.
func (s Set) Has(path string) bool {
	return !IsMissing(s.Lookup(path))
}

// SortedKeys returns keys in canonical order.
func (s Set) SortedKeys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// Clone returns a shallow copy. Values are immutable so sharing them is safe.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a new Set with the entries of other layered over s.
func (s Set) Merge(other Set) Set {
	out := s.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets hold the same paths and values.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if !Equal(v, other.Lookup(k)) {
			return false
		}
	}
	return true
}

// String renders the set as "k=v k=v" in canonical key order.
func (s Set) String() string {
	var b strings.Builder
	for i, k := range s.SortedKeys() {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(Format(s[k]))
	}
	return b.String()
}

// MarshalJSON writes the flattened form with sorted keys.
func (s Set) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range s.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(ToAny(s[k]))
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts flat or nested objects. Nested objects are flattened.
func (s *Set) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	set, err := FromMap(raw)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
