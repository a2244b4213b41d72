// Package identity turns the different shapes an entity reference can take
// (bare ids from locally composed data, populated objects from server events)
// into one comparable key.
package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// Key is the canonical, comparable form of an identity.
type Key string

// None is the key of an absent identity. It never equals any identity,
// including another None.
const None Key = ""

// IsNone reports whether k denotes an absent identity.
func (k Key) IsNone() bool { return k == None }

func (k Key) String() string { return string(k) }

// Identifier is implemented by values that know their own identity.
type Identifier interface {
	IdentityKey() Key
}

// Normalize derives the canonical key of v.
func Normalize(v any) Key {
	switch t := v.(type) {
	case nil:
		return None
	case Key:
		return t
	case Ref:
		return t.Key
	case *Ref:
		if t == nil {
			return None
		}
		return t.Key
	case Identifier:
		if isNilPointer(t) {
			return None
		}
		return t.IdentityKey()
	case string:
		return Key(t)
	case json.Number:
		return Key(t.String())
	case int:
		return Key(strconv.Itoa(t))
	case int64:
		return Key(strconv.FormatInt(t, 10))
	case uint64:
		return Key(strconv.FormatUint(t, 10))
	case float64:
		return Key(strconv.FormatFloat(t, 'f', -1, 64))
	case map[string]any:
		if id, ok := t["_id"]; ok {
			return Normalize(id)
		}
		if id, ok := t["id"]; ok {
			return Normalize(id)
		}
		if oid, ok := t["$oid"]; ok {
			return Normalize(oid)
		}
		return None
	case map[string]string:
		for _, field := range []string{"_id", "id", "$oid"} {
			if id, ok := t[field]; ok {
				return Key(id)
			}
		}
		return None
	case json.RawMessage:
		return normalizeJSON(t)
	case []byte:
		return normalizeJSON(t)
	case fmt.Stringer:
		if isNilPointer(t) {
			return None
		}
		return Key(t.String())
	default:
		if isNilPointer(v) {
			return None
		}
		if rv := reflect.Indirect(reflect.ValueOf(v)); rv.Kind() == reflect.Struct {
			return structID(rv)
		}
		return Key(fmt.Sprint(v))
	}
}

// structID reads the ID (or Id) field of a struct, the way populated
// documents are usually mapped in Go.
func structID(rv reflect.Value) Key {
	for _, name := range []string{"ID", "Id"} {
		f := rv.FieldByName(name)
		if f.IsValid() && f.CanInterface() {
			return Normalize(f.Interface())
		}
	}
	return None
}

// Equal reports whether a and b denote the same, present identity.
func Equal(a, b any) bool {
	ka, kb := Normalize(a), Normalize(b)
	if ka.IsNone() || kb.IsNone() {
		return false
	}
	return ka == kb
}

func normalizeJSON(raw []byte) Key {
	var r Ref
	if err := json.Unmarshal(raw, &r); err != nil {
		return None
	}
	return r.Key
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// Ref is an identity as it travels on the wire: either a bare id or an
// object carrying one. Label keeps the display name the object had, if any.
type Ref struct {
	Key   Key
	Label string
}

// NewRef wraps an already known id.
func NewRef(v any) Ref {
	if r, ok := v.(Ref); ok {
		return r
	}
	return Ref{Key: Normalize(v)}
}

func (r Ref) IdentityKey() Key { return r.Key }

func (r Ref) IsNone() bool { return r.Key.IsNone() }

func (r Ref) String() string { return string(r.Key) }

func (r Ref) MarshalJSON() ([]byte, error) {
	if r.Key.IsNone() {
		return []byte("null"), nil
	}
	return json.Marshal(string(r.Key))
}

func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*r = Ref{}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		r.Key = Key(s)
		return nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		for _, field := range []string{"_id", "id", "$oid"} {
			if raw, ok := obj[field]; ok {
				var inner Ref
				if err := inner.UnmarshalJSON(raw); err != nil {
					return fmt.Errorf("identity field %q: %w", field, err)
				}
				r.Key = inner.Key
				break
			}
		}
		for _, field := range []string{"username", "name"} {
			if raw, ok := obj[field]; ok {
				var label string
				if json.Unmarshal(raw, &label) == nil && label != "" {
					r.Label = label
					break
				}
			}
		}
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("identity: unsupported value %s", b)
		}
		r.Key = Key(n.String())
		return nil
	}
}
