// Package value defines the typed values held in slots and exchanged
// across the host/guest boundary, together with their wire codec and the
// order-preserving tuple packing used for store keys.
package value

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// Kind tags a Value with one of the closed set of slot value kinds.
type Kind uint8

const (
	KindInt    Kind = 0 // 64-bit signed integer
	KindFloat  Kind = 1 // IEEE 754 double
	KindBool   Kind = 2
	KindString Kind = 3 // UTF-8 string
	KindBytes  Kind = 4 // arbitrary byte payload
	KindOid    Kind = 5 // object reference
	KindList   Kind = 6 // homogeneous ordered sequence
	KindVerb   Kind = 7 // compiled verb module blob
	KindError  Kind = 8 // ABI error code
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindOid:
		return "oid"
	case KindList:
		return "list"
	case KindVerb:
		return "verb"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Primitive reports whether k may appear as a list element kind.
func (k Kind) Primitive() bool {
	switch k {
	case KindInt, KindFloat, KindBool, KindString, KindBytes, KindOid:
		return true
	}
	return false
}

// ErrCode identifies one of the closed set of engine error conditions that
// can cross the host/guest boundary as a value.
type ErrCode uint8

const (
	CodeNone             ErrCode = 0
	CodeNotFound         ErrCode = 1
	CodeKindMismatch     ErrCode = 2
	CodePermissionDenied ErrCode = 3
	CodeResourceExhausted ErrCode = 4
	CodeTrapped          ErrCode = 5
	CodeConflict         ErrCode = 6
	CodeTransportClosed  ErrCode = 7
	CodeInvalidVerb      ErrCode = 8
	CodeInternal         ErrCode = 9
)

// String returns the symbolic name of the error code.
func (c ErrCode) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeNotFound:
		return "not-found"
	case CodeKindMismatch:
		return "kind-mismatch"
	case CodePermissionDenied:
		return "permission-denied"
	case CodeResourceExhausted:
		return "resource-exhausted"
	case CodeTrapped:
		return "trapped"
	case CodeConflict:
		return "conflict"
	case CodeTransportClosed:
		return "transport-closed"
	case CodeInvalidVerb:
		return "invalid-verb"
	case CodeInternal:
		return "internal"
	default:
		return fmt.Sprintf("ErrCode(%d)", uint8(c))
	}
}

// Oid is an opaque object identifier: a 128-bit v4 UUID. Oids are
// comparable and totally ordered by their byte representation, which is
// what the tuple packing relies on for deterministic key ordering.
type Oid uuid.UUID

// SystemOid is the well-known nil oid hosting the bootstrap verbs.
var SystemOid = Oid{}

// NewOid returns a fresh random oid.
func NewOid() Oid {
	return Oid(uuid.New())
}

// ParseOid parses the canonical UUID string form of an oid.
func ParseOid(s string) (Oid, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Oid{}, fmt.Errorf("value: parse oid: %w", err)
	}
	return Oid(u), nil
}

// String returns the canonical UUID string form.
func (o Oid) String() string {
	return uuid.UUID(o).String()
}

// IsSystem reports whether o is the system oid.
func (o Oid) IsSystem() bool {
	return o == SystemOid
}

// Compare orders oids by byte representation.
func (o Oid) Compare(other Oid) int {
	return bytes.Compare(o[:], other[:])
}

// Value is one typed slot value. The zero Value is the integer 0.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
	by   []byte // bytes and verb payloads
	oid  Oid
	elem Kind // element kind for lists
	list []Value
	code ErrCode
}

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a float value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Str returns a string value.
func Str(s string) Value { return Value{kind: KindString, s: s} }

// Bytes returns a byte payload value. The slice is not copied.
func Bytes(b []byte) Value { return Value{kind: KindBytes, by: b} }

// Ref returns an object reference value.
func Ref(o Oid) Value { return Value{kind: KindOid, oid: o} }

// Verb returns a compiled verb blob value. The slice is not copied.
func Verb(blob []byte) Value { return Value{kind: KindVerb, by: blob} }

// Errv returns an error value carrying the given code.
func Errv(c ErrCode) Value { return Value{kind: KindError, code: c} }

// List returns a homogeneous list value. All items must have kind elem;
// List panics otherwise, since a heterogeneous list can never be encoded.
func List(elem Kind, items ...Value) Value {
	if !elem.Primitive() {
		panic(fmt.Sprintf("value: list element kind %s is not primitive", elem))
	}
	for _, it := range items {
		if it.kind != elem {
			panic(fmt.Sprintf("value: list element kind %s in list of %s", it.kind, elem))
		}
	}
	return Value{kind: KindList, elem: elem, list: items}
}

// Kind returns the value's kind tag.
func (v Value) Kind() Kind { return v.kind }

// IsError reports whether v carries an error code other than CodeNone.
func (v Value) IsError() bool { return v.kind == KindError && v.code != CodeNone }

// AsInt returns the integer payload. ok is false on kind mismatch.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the float payload.
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsStr returns the string payload.
func (v Value) AsStr() (string, bool) { return v.s, v.kind == KindString }

// AsBytes returns the byte payload.
func (v Value) AsBytes() ([]byte, bool) { return v.by, v.kind == KindBytes }

// AsRef returns the object reference payload.
func (v Value) AsRef() (Oid, bool) { return v.oid, v.kind == KindOid }

// AsVerb returns the verb blob payload.
func (v Value) AsVerb() ([]byte, bool) { return v.by, v.kind == KindVerb }

// AsList returns the element kind and items of a list value.
func (v Value) AsList() (Kind, []Value, bool) {
	return v.elem, v.list, v.kind == KindList
}

// Code returns the error code of an error value, or CodeNone.
func (v Value) Code() ErrCode {
	if v.kind != KindError {
		return CodeNone
	}
	return v.code
}

// Equal reports deep equality of two values.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindBool:
		return v.b == other.b
	case KindString:
		return v.s == other.s
	case KindBytes, KindVerb:
		return bytes.Equal(v.by, other.by)
	case KindOid:
		return v.oid == other.oid
	case KindError:
		return v.code == other.code
	case KindList:
		if v.elem != other.elem || len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value for logs and error messages.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindBytes:
		return fmt.Sprintf("bytes[%d]", len(v.by))
	case KindOid:
		return v.oid.String()
	case KindVerb:
		return fmt.Sprintf("verb[%d]", len(v.by))
	case KindError:
		return "error:" + v.code.String()
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, it := range v.list {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(it.String())
		}
		buf.WriteByte(']')
		return buf.String()
	}
	return "?"
}
