package engine

import (
	"context"
	"testing"
	"time"

	"github.com/chazu/burrow/abi"
	"github.com/chazu/burrow/pkg/bytecode"
	"github.com/chazu/burrow/pkg/value"
	"github.com/chazu/burrow/session"
)

// relayVerb assembles the classic look handler by hand: fetch a slot
// from the room, then send the fetched bytes to the session verbatim.
// The room and session ids are baked into the data segment; the slot
// value crosses from the host reply to the send payload through a
// byte-copy loop in guest code.
func relayVerb(room, sess value.Oid) *bytecode.Module {
	c := bytecode.NewChunk()
	c.ParamCount = 1
	c.LocalCount = 5

	const (
		locReply = 0 // slot.get reply region
		locCount = 1 // bytes left to copy
		locSrc   = 2
		locDst   = 3
		locTotal = 4 // total send args length
	)
	const sendBase = 8192

	// slot.get(room, "description")
	c.EmitConst(4096)
	c.EmitData(value.EncodeArgs([]value.Value{value.Ref(room), value.Str("description")}))
	c.EmitWithOperand(bytecode.OpHostCall, byte(abi.HostSlotGet))
	c.EmitWithOperand(bytecode.OpStoreLocal, locReply)

	// Stage the static prefix of the send args: the session ref and the
	// bytes kind tag. The 4-byte length and payload follow at runtime.
	prefix := append(value.Encode(value.Ref(sess)), byte(value.KindBytes))
	c.EmitConst(sendBase)
	c.EmitData(prefix)
	c.Emit(bytecode.OpPop)
	lenAddr := int64(sendBase + len(prefix))
	payloadAddr := lenAddr + 4

	// Big-endian u32 payload length; replies are far below 64KiB so the
	// top two bytes are zero.
	c.EmitWithOperand(bytecode.OpLoadLocal, locReply)
	c.Emit(bytecode.OpRegionLen)
	c.EmitWithOperand(bytecode.OpStoreLocal, locCount)
	c.EmitConst(lenAddr)
	c.Emit(bytecode.OpConstZero)
	c.Emit(bytecode.OpMemStore8)
	c.EmitConst(lenAddr + 1)
	c.Emit(bytecode.OpConstZero)
	c.Emit(bytecode.OpMemStore8)
	c.EmitConst(lenAddr + 2)
	c.EmitWithOperand(bytecode.OpLoadLocal, locCount)
	c.EmitConst(256)
	c.Emit(bytecode.OpDiv)
	c.Emit(bytecode.OpMemStore8)
	c.EmitConst(lenAddr + 3)
	c.EmitWithOperand(bytecode.OpLoadLocal, locCount)
	c.EmitConst(256)
	c.Emit(bytecode.OpMod)
	c.Emit(bytecode.OpMemStore8)

	// total args length = prefix + 4 + payload
	c.EmitWithOperand(bytecode.OpLoadLocal, locCount)
	c.EmitConst(int64(len(prefix)) + 4)
	c.Emit(bytecode.OpAdd)
	c.EmitWithOperand(bytecode.OpStoreLocal, locTotal)

	// Copy the reply bytes behind the length field.
	c.EmitWithOperand(bytecode.OpLoadLocal, locReply)
	c.Emit(bytecode.OpRegionOff)
	c.EmitWithOperand(bytecode.OpStoreLocal, locSrc)
	c.EmitConst(payloadAddr)
	c.EmitWithOperand(bytecode.OpStoreLocal, locDst)

	loopStart := c.CurrentOffset()
	c.EmitWithOperand(bytecode.OpLoadLocal, locCount)
	exit := c.EmitJump(bytecode.OpJumpFalse)
	c.EmitWithOperand(bytecode.OpLoadLocal, locDst)
	c.EmitWithOperand(bytecode.OpLoadLocal, locSrc)
	c.Emit(bytecode.OpMemLoad8)
	c.Emit(bytecode.OpMemStore8)
	c.EmitWithOperand(bytecode.OpLoadLocal, locSrc)
	c.Emit(bytecode.OpConstOne)
	c.Emit(bytecode.OpAdd)
	c.EmitWithOperand(bytecode.OpStoreLocal, locSrc)
	c.EmitWithOperand(bytecode.OpLoadLocal, locDst)
	c.Emit(bytecode.OpConstOne)
	c.Emit(bytecode.OpAdd)
	c.EmitWithOperand(bytecode.OpStoreLocal, locDst)
	c.EmitWithOperand(bytecode.OpLoadLocal, locCount)
	c.Emit(bytecode.OpConstOne)
	c.Emit(bytecode.OpSub)
	c.EmitWithOperand(bytecode.OpStoreLocal, locCount)
	c.EmitLoop(loopStart)
	c.PatchJump(exit)

	// session.send(sess, payload)
	c.EmitConst(sendBase)
	c.EmitWithOperand(bytecode.OpLoadLocal, locTotal)
	c.Emit(bytecode.OpRegion)
	c.EmitWithOperand(bytecode.OpHostCall, byte(abi.HostSend))
	c.Emit(bytecode.OpPop)
	c.Emit(bytecode.OpReturnNil)

	m := bytecode.NewModule(abi.CapSlotGet, abi.CapSend)
	m.Export(EntryPoint, m.AddChunk(c))
	return m
}

func TestEndToEndLook(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	room := value.NewOid()
	if err := e.SetSlot(ctx, room, "description", value.Str("a dusty burrow")); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}

	server, client := session.NewPipe()
	defer client.Close()
	s, err := e.Dispatcher().Attach(ctx, server)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// The unauthenticated path routes to the system object.
	if err := e.BindVerb(ctx, value.SystemOid, ReceiveVerb, relayVerb(room, s.ID)); err != nil {
		t.Fatalf("BindVerb: %v", err)
	}

	if err := client.Send([]byte("look")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	payload := recvWithin(t, client, 2*time.Second)
	v, _, err := value.Decode(payload)
	if err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if got, _ := v.AsStr(); got != "a dusty burrow" {
		t.Errorf("response = %v, want Str(a dusty burrow)", v)
	}
}

func recvWithin(t *testing.T, tr session.Transport, d time.Duration) []byte {
	t.Helper()
	type result struct {
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := tr.Recv()
		ch <- result{p, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Recv: %v", r.err)
		}
		return r.payload
	case <-time.After(d):
		t.Fatal("no response from engine")
		return nil
	}
}
