package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

// TempPrefix marks scratch state keys. Deltas carrying them are merged into
// the in-memory session for the caller's benefit but never persisted.
const TempPrefix = "temp:"

// IsTempKey reports whether a state key is ephemeral.
func IsTempKey(key string) bool {
	return strings.HasPrefix(key, TempPrefix)
}

// Kind discriminates the JSON shape held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindObject
	KindArray
)

// Value is a single state value: a JSON scalar or structured document. The
// zero Value is JSON null.
type Value struct {
	raw json.RawMessage
}

func StringValue(s string) Value {
	raw, _ := json.Marshal(s)
	return Value{raw: raw}
}

func NumberValue(f float64) Value {
	raw, _ := json.Marshal(f)
	return Value{raw: raw}
}

func BoolValue(b bool) Value {
	raw, _ := json.Marshal(b)
	return Value{raw: raw}
}

// RawValue wraps an already-encoded JSON document.
func RawValue(raw json.RawMessage) Value {
	return Value{raw: raw}
}

func (v Value) Kind() Kind {
	raw := bytes.TrimSpace(v.raw)
	if len(raw) == 0 {
		return KindNull
	}
	switch raw[0] {
	case '"':
		return KindString
	case 't', 'f':
		return KindBool
	case '{':
		return KindObject
	case '[':
		return KindArray
	case 'n':
		return KindNull
	default:
		return KindNumber
	}
}

// String returns the string content and true when the value is a JSON string.
func (v Value) String() (string, bool) {
	if v.Kind() != KindString {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Number returns the numeric content and true when the value is a JSON number.
func (v Value) Number() (float64, bool) {
	if v.Kind() != KindNumber {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(v.raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

// Bool returns the boolean content and true when the value is a JSON bool.
func (v Value) Bool() (bool, bool) {
	if v.Kind() != KindBool {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(v.raw, &b); err != nil {
		return false, false
	}
	return b, true
}

// Raw returns the underlying JSON encoding. Never nil: a zero Value yields
// the literal "null".
func (v Value) Raw() json.RawMessage {
	if len(v.raw) == 0 {
		return json.RawMessage("null")
	}
	return v.raw
}

func (v Value) Equal(o Value) bool {
	return bytes.Equal(bytes.TrimSpace(v.Raw()), bytes.TrimSpace(o.Raw()))
}

func (v Value) MarshalJSON() ([]byte, error) {
	return v.Raw(), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	v.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Delta is a partial key-value state update carried by an event.
type Delta map[string]Value

// Persistable returns the delta with all temp-prefixed keys stripped. This
// is the only place the temp: rule is enforced; every write path goes
// through it.
func (d Delta) Persistable() Delta {
	if len(d) == 0 {
		return nil
	}
	out := make(Delta, len(d))
	for key, value := range d {
		if IsTempKey(key) {
			continue
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Snapshot is a session's current state mapping, one entry per key on
// record. It is a materialized view, not a replay of event history.
type Snapshot map[string]Value

// Merge applies a delta last-write-wins, including temp keys, and returns
// the resulting snapshot. Safe to call on a nil Snapshot.
func (s Snapshot) Merge(d Delta) Snapshot {
	if len(d) == 0 {
		return s
	}
	if s == nil {
		s = make(Snapshot, len(d))
	}
	for key, value := range d {
		s[key] = value
	}
	return s
}
