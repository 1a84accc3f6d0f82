package value

import (
	"fmt"
)

// Tuple packs typed elements into a byte key whose lexicographic ordering
// matches the element-wise ordering of the tuple. This is what makes
// range scans over (objectId, slotName) prefixes work: the packed key for
// ("a") sorts before ("a","b") which sorts before ("b").
//
// Element encodings:
//
//	string 0x02 + escaped bytes + 0x00 terminator
//	bytes  0x01 + escaped bytes + 0x00 terminator
//	oid    0x30 + 16 raw bytes
//
// Embedded 0x00 bytes in strings/bytes are escaped as 0x00 0xFF so the
// terminator stays unambiguous without breaking ordering.
type Tuple struct {
	buf []byte
}

const (
	tupleTagBytes  byte = 0x01
	tupleTagString byte = 0x02
	tupleTagOid    byte = 0x30
)

// NewTuple returns an empty tuple.
func NewTuple() *Tuple {
	return &Tuple{buf: make([]byte, 0, 48)}
}

// AddString appends a string element.
func (t *Tuple) AddString(s string) *Tuple {
	t.buf = append(t.buf, tupleTagString)
	t.buf = appendEscaped(t.buf, []byte(s))
	t.buf = append(t.buf, 0x00)
	return t
}

// AddBytes appends a byte-string element.
func (t *Tuple) AddBytes(b []byte) *Tuple {
	t.buf = append(t.buf, tupleTagBytes)
	t.buf = appendEscaped(t.buf, b)
	t.buf = append(t.buf, 0x00)
	return t
}

// AddOid appends an oid element. Oids compare by raw bytes, so no
// escaping is needed.
func (t *Tuple) AddOid(o Oid) *Tuple {
	t.buf = append(t.buf, tupleTagOid)
	t.buf = append(t.buf, o[:]...)
	return t
}

// Pack returns the packed key bytes.
func (t *Tuple) Pack() []byte {
	out := make([]byte, len(t.buf))
	copy(out, t.buf)
	return out
}

func appendEscaped(buf, b []byte) []byte {
	for _, c := range b {
		if c == 0x00 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, c)
		}
	}
	return buf
}

// TupleElem is one decoded tuple element: a string, []byte, or Oid.
type TupleElem any

// UnpackTuple decodes a packed tuple back into its elements.
func UnpackTuple(data []byte) ([]TupleElem, error) {
	var out []TupleElem
	pos := 0
	for pos < len(data) {
		tag := data[pos]
		pos++
		switch tag {
		case tupleTagString, tupleTagBytes:
			raw, n, err := readEscaped(data[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			if tag == tupleTagString {
				out = append(out, string(raw))
			} else {
				out = append(out, raw)
			}
		case tupleTagOid:
			if pos+16 > len(data) {
				return nil, fmt.Errorf("value: truncated oid tuple element")
			}
			var o Oid
			copy(o[:], data[pos:pos+16])
			pos += 16
			out = append(out, o)
		default:
			return nil, fmt.Errorf("value: unknown tuple tag 0x%02x at %d", tag, pos-1)
		}
	}
	return out, nil
}

func readEscaped(data []byte) ([]byte, int, error) {
	var raw []byte
	pos := 0
	for pos < len(data) {
		c := data[pos]
		if c != 0x00 {
			raw = append(raw, c)
			pos++
			continue
		}
		if pos+1 < len(data) && data[pos+1] == 0xFF {
			raw = append(raw, 0x00)
			pos += 2
			continue
		}
		return raw, pos + 1, nil // terminator
	}
	return nil, 0, fmt.Errorf("value: unterminated tuple element")
}

// PrefixEnd returns the key immediately after all keys having the given
// prefix: the prefix with its last non-0xFF byte incremented. A nil
// result means the prefix is all 0xFF and has no upper bound.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
