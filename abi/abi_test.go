package abi

import (
	"errors"
	"testing"

	"github.com/chazu/burrow/pkg/value"
)

func TestHostCallCapabilities(t *testing.T) {
	tests := []struct {
		call HostCall
		cap  string
	}{
		{HostSlotGet, CapSlotGet},
		{HostSlotSet, CapSlotSet},
		{HostInvoke, CapInvoke},
		{HostSend, CapSend},
		{HostLog, CapLog},
	}
	for _, tt := range tests {
		if got := tt.call.Capability(); got != tt.cap {
			t.Errorf("%d: capability = %q, want %q", tt.call, got, tt.cap)
		}
		if !tt.call.Valid() {
			t.Errorf("%d: not valid", tt.call)
		}
	}
	if HostCall(0).Valid() || HostCall(99).Valid() {
		t.Error("undefined ids reported valid")
	}
	if got := HostCall(99).String(); got != "hostcall(99)" {
		t.Errorf("String() = %q", got)
	}
}

func TestGrantsCovers(t *testing.T) {
	g := NewGrants(CapSlotGet, CapLog)

	if err := g.Covers([]string{CapSlotGet}); err != nil {
		t.Errorf("covered declaration rejected: %v", err)
	}
	if err := g.Covers(nil); err != nil {
		t.Errorf("empty declaration rejected: %v", err)
	}
	err := g.Covers([]string{CapSlotGet, CapSend})
	if !errors.Is(err, value.ErrPermissionDenied) {
		t.Errorf("got %v, want ErrPermissionDenied", err)
	}
}

func TestFullGrantsCoverEveryCall(t *testing.T) {
	g := FullGrants()
	for _, h := range []HostCall{HostSlotGet, HostSlotSet, HostInvoke, HostSend, HostLog} {
		if !g.Has(h.Capability()) {
			t.Errorf("%s not granted", h)
		}
	}
}

func TestComputeGrantsExcludeWrites(t *testing.T) {
	g := ComputeGrants()
	if g.Has(CapSlotSet) || g.Has(CapSend) {
		t.Error("compute grants include side effects")
	}
	if !g.Has(CapSlotGet) || !g.Has(CapInvoke) || !g.Has(CapLog) {
		t.Error("compute grants missing read-only capabilities")
	}
}

func TestRegionPacking(t *testing.T) {
	r := NewRegion(0x1234, 0x5678)
	if r.Off() != 0x1234 || r.Len() != 0x5678 {
		t.Errorf("round trip: off=%#x len=%#x", r.Off(), r.Len())
	}
	if z := Region(0); z.Off() != 0 || z.Len() != 0 {
		t.Error("zero region not empty")
	}
	max := NewRegion(^uint32(0), ^uint32(0))
	if max.Off() != ^uint32(0) || max.Len() != ^uint32(0) {
		t.Error("max region lost bits")
	}
}

func TestParseSlotGet(t *testing.T) {
	obj := value.NewOid()
	gotObj, name, err := ParseSlotGet([]value.Value{value.Ref(obj), value.Str("description")})
	if err != nil {
		t.Fatalf("ParseSlotGet: %v", err)
	}
	if gotObj != obj || name != "description" {
		t.Errorf("got %v %q", gotObj, name)
	}

	bad := [][]value.Value{
		nil,
		{value.Ref(obj)},
		{value.Str("not a ref"), value.Str("x")},
		{value.Ref(obj), value.Int(1)},
		{value.Ref(obj), value.Str("x"), value.Int(1)},
	}
	for i, args := range bad {
		if _, _, err := ParseSlotGet(args); !errors.Is(err, ErrBadShape) {
			t.Errorf("bad[%d]: got %v, want ErrBadShape", i, err)
		}
	}
}

func TestParseSlotSet(t *testing.T) {
	obj := value.NewOid()
	gotObj, name, v, err := ParseSlotSet([]value.Value{value.Ref(obj), value.Str("hp"), value.Int(10)})
	if err != nil {
		t.Fatalf("ParseSlotSet: %v", err)
	}
	if gotObj != obj || name != "hp" || !v.Equal(value.Int(10)) {
		t.Errorf("got %v %q %v", gotObj, name, v)
	}
	if _, _, _, err := ParseSlotSet([]value.Value{value.Ref(obj), value.Str("hp")}); !errors.Is(err, ErrBadShape) {
		t.Errorf("short vector: got %v", err)
	}
}

func TestParseInvoke(t *testing.T) {
	obj := value.NewOid()
	gotObj, verb, rest, err := ParseInvoke([]value.Value{
		value.Ref(obj), value.Str("look"), value.Int(1), value.Str("extra"),
	})
	if err != nil {
		t.Fatalf("ParseInvoke: %v", err)
	}
	if gotObj != obj || verb != "look" || len(rest) != 2 {
		t.Errorf("got %v %q rest=%v", gotObj, verb, rest)
	}

	// No callee arguments is a valid call.
	_, _, rest, err = ParseInvoke([]value.Value{value.Ref(obj), value.Str("look")})
	if err != nil || len(rest) != 0 {
		t.Errorf("bare invoke: rest=%v err=%v", rest, err)
	}
	if _, _, _, err := ParseInvoke([]value.Value{value.Ref(obj)}); !errors.Is(err, ErrBadShape) {
		t.Errorf("missing verb name: got %v", err)
	}
}

func TestParseSend(t *testing.T) {
	sess := value.NewOid()

	gotSess, payload, err := ParseSend([]value.Value{value.Ref(sess), value.Bytes([]byte{1, 2, 3})})
	if err != nil {
		t.Fatalf("ParseSend bytes: %v", err)
	}
	if gotSess != sess || string(payload) != "\x01\x02\x03" {
		t.Errorf("got %v %x", gotSess, payload)
	}

	// String payloads pass through as UTF-8 bytes.
	_, payload, err = ParseSend([]value.Value{value.Ref(sess), value.Str("hello")})
	if err != nil || string(payload) != "hello" {
		t.Errorf("string payload: %q err=%v", payload, err)
	}

	if _, _, err := ParseSend([]value.Value{value.Ref(sess), value.Int(7)}); !errors.Is(err, ErrBadShape) {
		t.Errorf("int payload: got %v", err)
	}
}

func TestParseLog(t *testing.T) {
	level, msg, err := ParseLog([]value.Value{value.Int(2), value.Str("spawned")})
	if err != nil {
		t.Fatalf("ParseLog: %v", err)
	}
	if level != 2 || msg != "spawned" {
		t.Errorf("got %d %q", level, msg)
	}
	if _, _, err := ParseLog([]value.Value{value.Str("oops"), value.Str("x")}); !errors.Is(err, ErrBadShape) {
		t.Errorf("bad level: got %v", err)
	}
}

func TestErrBadShapeIsTrap(t *testing.T) {
	if !errors.Is(ErrBadShape, value.ErrTrapped) {
		t.Error("ErrBadShape does not unwrap to ErrTrapped")
	}
}
