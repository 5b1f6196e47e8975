package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is one entry of a Task's state bag: either a scalar (any non-array
// JSON value, objects included) or an ordered sequence of Values.
type Value struct {
	seq    bool
	items  []Value
	scalar json.RawMessage
}

// Scalar builds a scalar Value from any JSON-marshalable Go value.
func Scalar(v interface{}) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("marshal state value: %w", err)
	}
	var out Value
	if err := out.UnmarshalJSON(raw); err != nil {
		return Value{}, err
	}
	return out, nil
}

// MustScalar is Scalar for values known to marshal.
func MustScalar(v interface{}) Value {
	out, err := Scalar(v)
	if err != nil {
		panic(err)
	}
	return out
}

// Sequence builds a sequence Value.
func Sequence(items ...Value) Value {
	return Value{seq: true, items: append([]Value{}, items...)}
}

// IsSequence reports whether v holds an ordered sequence.
func (v Value) IsSequence() bool {
	return v.seq
}

// Items returns a copy of the sequence elements; nil for scalars.
func (v Value) Items() []Value {
	if !v.seq {
		return nil
	}
	return append([]Value{}, v.items...)
}

// Len returns the number of sequence elements.
func (v Value) Len() int {
	return len(v.items)
}

// Raw returns the compact JSON encoding of a scalar.
func (v Value) Raw() json.RawMessage {
	return v.scalar
}

// Decode unmarshals the value into dst.
func (v Value) Decode(dst interface{}) error {
	raw, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// TimestampKey returns the compact JSON of the element's "timestamp" field,
// when v is an object that has one. Numbers and strings compare by encoding.
func (v Value) TimestampKey() (string, bool) {
	if v.seq || len(v.scalar) == 0 || v.scalar[0] != '{' {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(v.scalar, &fields); err != nil {
		return "", false
	}
	ts, ok := fields["timestamp"]
	if !ok || bytes.Equal(ts, []byte("null")) {
		return "", false
	}
	return string(ts), true
}

// Equal reports structural equality.
func (v Value) Equal(other Value) bool {
	a, errA := v.MarshalJSON()
	b, errB := other.MarshalJSON()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.seq {
		if v.items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.items)
	}
	if len(v.scalar) == 0 {
		return []byte("null"), nil
	}
	return v.scalar, nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []Value
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*v = Value{seq: true, items: items}
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return err
	}
	*v = Value{scalar: buf.Bytes()}
	return nil
}

// State is the open result mapping carried by a Task.
type State map[string]Value

// Clone returns a copy that shares no slices with s.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		if v.seq {
			v = Sequence(v.items...)
		}
		out[k] = v
	}
	return out
}

// Merge applies updates onto s: when both sides of a key are sequences the
// new elements are appended, skipping any element whose timestamp is already
// stored; every other combination overwrites.
func (s State) Merge(updates State) {
	for key, incoming := range updates {
		existing, ok := s[key]
		if !ok || !existing.seq || !incoming.seq {
			s[key] = incoming
			continue
		}

		seen := make(map[string]struct{}, len(existing.items))
		for _, item := range existing.items {
			if ts, ok := item.TimestampKey(); ok {
				seen[ts] = struct{}{}
			}
		}

		merged := append([]Value{}, existing.items...)
		for _, item := range incoming.items {
			if ts, ok := item.TimestampKey(); ok {
				if _, dup := seen[ts]; dup {
					continue
				}
				seen[ts] = struct{}{}
			}
			merged = append(merged, item)
		}
		s[key] = Value{seq: true, items: merged}
	}
}
