package value

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Wire format for values crossing the host/guest boundary and stored in
// slots. Every value is self-describing:
//
//	[kind:1] [payload]
//
// Payloads:
//
//	int    8-byte big-endian two's complement
//	float  8-byte big-endian IEEE 754 bits
//	bool   1 byte (0 or 1)
//	string u32 length + raw bytes (not null-terminated)
//	bytes  u32 length + raw bytes
//	oid    16 raw bytes
//	verb   u32 length + raw bytes
//	error  1 byte code
//	list   [elem:1] [count:u32] payloads without per-element kind tags
//
// Lists carry a single element kind so homogeneity is a property of the
// encoding, not a convention.

// ErrTruncated indicates the buffer ended inside an encoded value.
var ErrTruncated = fmt.Errorf("value: truncated encoding")

// Append encodes v onto buf and returns the extended slice.
func Append(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.kind))
	if v.kind == KindList {
		buf = append(buf, byte(v.elem))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.list)))
		for _, it := range v.list {
			buf = appendPayload(buf, it)
		}
		return buf
	}
	return appendPayload(buf, v)
}

// Encode returns the encoding of v as a fresh slice.
func Encode(v Value) []byte {
	return Append(make([]byte, 0, 32), v)
}

// EncodeArgs encodes an argument vector as consecutive values.
func EncodeArgs(args []Value) []byte {
	buf := make([]byte, 0, 64)
	for _, a := range args {
		buf = Append(buf, a)
	}
	return buf
}

func appendPayload(buf []byte, v Value) []byte {
	switch v.kind {
	case KindInt:
		return binary.BigEndian.AppendUint64(buf, uint64(v.i))
	case KindFloat:
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(v.f))
	case KindBool:
		if v.b {
			return append(buf, 1)
		}
		return append(buf, 0)
	case KindString:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.s)))
		return append(buf, v.s...)
	case KindBytes, KindVerb:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.by)))
		return append(buf, v.by...)
	case KindOid:
		return append(buf, v.oid[:]...)
	case KindError:
		return append(buf, byte(v.code))
	}
	panic(fmt.Sprintf("value: cannot encode kind %s", v.kind))
}

// Decode decodes one value from the front of data, returning the value
// and the number of bytes consumed.
func Decode(data []byte) (Value, int, error) {
	if len(data) < 1 {
		return Value{}, 0, ErrTruncated
	}
	kind := Kind(data[0])
	pos := 1

	if kind == KindList {
		if len(data) < pos+5 {
			return Value{}, 0, ErrTruncated
		}
		elem := Kind(data[pos])
		pos++
		count := binary.BigEndian.Uint32(data[pos:])
		pos += 4
		if !elem.Primitive() {
			return Value{}, 0, fmt.Errorf("value: list element kind %s is not primitive", elem)
		}
		items := make([]Value, 0, count)
		for i := uint32(0); i < count; i++ {
			it, n, err := decodePayload(elem, data[pos:])
			if err != nil {
				return Value{}, 0, err
			}
			items = append(items, it)
			pos += n
		}
		return Value{kind: KindList, elem: elem, list: items}, pos, nil
	}

	v, n, err := decodePayload(kind, data[pos:])
	if err != nil {
		return Value{}, 0, err
	}
	return v, pos + n, nil
}

// DecodeAll decodes consecutive values until data is exhausted.
func DecodeAll(data []byte) ([]Value, error) {
	var out []Value
	for len(data) > 0 {
		v, n, err := Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		data = data[n:]
	}
	return out, nil
}

func decodePayload(kind Kind, data []byte) (Value, int, error) {
	switch kind {
	case KindInt:
		if len(data) < 8 {
			return Value{}, 0, ErrTruncated
		}
		return Int(int64(binary.BigEndian.Uint64(data))), 8, nil
	case KindFloat:
		if len(data) < 8 {
			return Value{}, 0, ErrTruncated
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(data))), 8, nil
	case KindBool:
		if len(data) < 1 {
			return Value{}, 0, ErrTruncated
		}
		return Bool(data[0] != 0), 1, nil
	case KindString:
		s, n, err := decodeLenPrefixed(data)
		if err != nil {
			return Value{}, 0, err
		}
		return Str(string(s)), n, nil
	case KindBytes:
		b, n, err := decodeLenPrefixed(data)
		if err != nil {
			return Value{}, 0, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return Bytes(out), n, nil
	case KindVerb:
		b, n, err := decodeLenPrefixed(data)
		if err != nil {
			return Value{}, 0, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return Verb(out), n, nil
	case KindOid:
		if len(data) < 16 {
			return Value{}, 0, ErrTruncated
		}
		var o Oid
		copy(o[:], data[:16])
		return Ref(o), 16, nil
	case KindError:
		if len(data) < 1 {
			return Value{}, 0, ErrTruncated
		}
		return Errv(ErrCode(data[0])), 1, nil
	}
	return Value{}, 0, fmt.Errorf("value: unknown kind tag 0x%02x", uint8(kind))
}

func decodeLenPrefixed(data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, ErrTruncated
	}
	n := binary.BigEndian.Uint32(data)
	if len(data) < 4+int(n) {
		return nil, 0, ErrTruncated
	}
	return data[4 : 4+n], 4 + int(n), nil
}
