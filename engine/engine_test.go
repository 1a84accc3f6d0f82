package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chazu/burrow/abi"
	"github.com/chazu/burrow/pkg/bytecode"
	"github.com/chazu/burrow/pkg/value"
	"github.com/chazu/burrow/session"
	"github.com/chazu/burrow/store"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	opts := DefaultOptions()
	opts.WallClock = 5 * time.Second
	return New(s, opts)
}

// constVerb returns a module whose entry returns the given value.
func constVerb(v value.Value, caps ...string) *bytecode.Module {
	c := bytecode.NewChunk()
	c.ParamCount = 1
	c.EmitConst(1024)
	c.EmitData(value.Encode(v))
	c.Emit(bytecode.OpReturn)
	m := bytecode.NewModule(caps...)
	m.Export(EntryPoint, m.AddChunk(c))
	return m
}

// hostCallVerb stages static args and returns the host call's reply.
func hostCallVerb(id abi.HostCall, args []value.Value, caps ...string) *bytecode.Module {
	c := bytecode.NewChunk()
	c.ParamCount = 1
	c.EmitConst(2048)
	c.EmitData(value.EncodeArgs(args))
	c.EmitWithOperand(bytecode.OpHostCall, byte(id))
	c.Emit(bytecode.OpReturn)
	m := bytecode.NewModule(caps...)
	m.Export(EntryPoint, m.AddChunk(c))
	return m
}

func TestInvokeTopLevel(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	obj := value.NewOid()

	if err := e.BindVerb(ctx, obj, "greet", constVerb(value.Str("hi"))); err != nil {
		t.Fatalf("BindVerb: %v", err)
	}
	got, err := e.Invoke(ctx, obj, "greet", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if s, _ := got.AsStr(); s != "hi" {
		t.Errorf("got %v, want Str(hi)", got)
	}
}

func TestInvokeMissingVerb(t *testing.T) {
	e := newEngine(t)
	_, err := e.Invoke(context.Background(), value.NewOid(), "nope", nil)
	if !errors.Is(err, value.ErrInvalidVerb) {
		t.Fatalf("got %v, want ErrInvalidVerb", err)
	}
}

func TestDelegateChainResolution(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	base := value.NewOid()
	mid := value.NewOid()
	leaf := value.NewOid()

	if err := e.BindVerb(ctx, base, "greet", constVerb(value.Str("from base"))); err != nil {
		t.Fatalf("BindVerb: %v", err)
	}
	if err := e.SetSlot(ctx, mid, DelegatesSlot, value.List(value.KindOid, value.Ref(base))); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}
	if err := e.SetSlot(ctx, leaf, DelegatesSlot, value.List(value.KindOid, value.Ref(mid))); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}

	got, err := e.Invoke(ctx, leaf, "greet", nil)
	if err != nil {
		t.Fatalf("Invoke via delegates: %v", err)
	}
	if s, _ := got.AsStr(); s != "from base" {
		t.Errorf("got %v, want Str(from base)", got)
	}
}

func TestDelegateCycleTerminates(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	a := value.NewOid()
	b := value.NewOid()
	if err := e.SetSlot(ctx, a, DelegatesSlot, value.List(value.KindOid, value.Ref(b))); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}
	if err := e.SetSlot(ctx, b, DelegatesSlot, value.List(value.KindOid, value.Ref(a))); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}

	_, err := e.Invoke(ctx, a, "nope", nil)
	if !errors.Is(err, value.ErrInvalidVerb) {
		t.Fatalf("got %v, want ErrInvalidVerb", err)
	}
}

func TestNonVerbSlotShadowsName(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	obj := value.NewOid()
	if err := e.SetSlot(ctx, obj, "greet", value.Str("just data")); err != nil {
		t.Fatalf("SetSlot: %v", err)
	}
	_, err := e.Invoke(ctx, obj, "greet", nil)
	if !errors.Is(err, value.ErrInvalidVerb) {
		t.Fatalf("got %v, want ErrInvalidVerb", err)
	}
}

func TestNestedInvoke(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	inner := value.NewOid()
	outer := value.NewOid()
	if err := e.BindVerb(ctx, inner, "answer", constVerb(value.Int(42))); err != nil {
		t.Fatalf("BindVerb inner: %v", err)
	}
	caller := hostCallVerb(abi.HostInvoke,
		[]value.Value{value.Ref(inner), value.Str("answer")},
		abi.CapInvoke)
	if err := e.BindVerb(ctx, outer, "ask", caller); err != nil {
		t.Fatalf("BindVerb outer: %v", err)
	}

	got, err := e.Invoke(ctx, outer, "ask", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if i, _ := got.AsInt(); i != 42 {
		t.Errorf("got %v, want Int(42)", got)
	}
}

func TestNestedInvokeMissingVerbIsErrorValue(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	outer := value.NewOid()
	caller := hostCallVerb(abi.HostInvoke,
		[]value.Value{value.Ref(value.NewOid()), value.Str("ghost")},
		abi.CapInvoke)
	if err := e.BindVerb(ctx, outer, "ask", caller); err != nil {
		t.Fatalf("BindVerb: %v", err)
	}

	got, err := e.Invoke(ctx, outer, "ask", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got.Code() != value.CodeInvalidVerb {
		t.Errorf("got %v, want error value InvalidVerb", got)
	}
}

func TestBootstrapSeedsOnce(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	first := map[string]*bytecode.Module{ReceiveVerb: constVerb(value.Str("v1"))}
	if err := e.Bootstrap(ctx, first); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	second := map[string]*bytecode.Module{ReceiveVerb: constVerb(value.Str("v2"))}
	if err := e.Bootstrap(ctx, second); err != nil {
		t.Fatalf("Bootstrap again: %v", err)
	}

	got, err := e.Invoke(ctx, value.SystemOid, ReceiveVerb, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if s, _ := got.AsStr(); s != "v1" {
		t.Errorf("got %v, want the original binding v1", got)
	}
}

func TestConnectedAuthenticates(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	player := value.NewOid()

	err := e.Bootstrap(ctx, map[string]*bytecode.Module{
		AcceptVerb: constVerb(value.Ref(player)),
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	server, client := session.NewPipe()
	defer client.Close()
	s, err := e.Dispatcher().Attach(ctx, server)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := s.State(); got != session.StateAuthenticated {
		t.Fatalf("state = %v, want authenticated", got)
	}
	if p, _ := s.Player(); p != player {
		t.Errorf("player = %v, want %v", p, player)
	}
}

func TestConnectedWithoutAcceptStaysUnauthenticated(t *testing.T) {
	e := newEngine(t)
	server, client := session.NewPipe()
	defer client.Close()
	s, err := e.Dispatcher().Attach(context.Background(), server)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := s.State(); got != session.StateUnauthenticated {
		t.Errorf("state = %v, want unauthenticated", got)
	}
}

func TestLoginByFrame(t *testing.T) {
	// With no accept verb bound, the system receive verb owns the login
	// flow: returning an oid binds the session to that identity.
	e := newEngine(t)
	ctx := context.Background()
	player := value.NewOid()

	err := e.Bootstrap(ctx, map[string]*bytecode.Module{
		ReceiveVerb: constVerb(value.Ref(player)),
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	server, client := session.NewPipe()
	defer client.Close()
	s, err := e.Dispatcher().Attach(ctx, server)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := s.State(); got != session.StateUnauthenticated {
		t.Fatalf("state = %v, want unauthenticated", got)
	}

	if err := client.Send([]byte("connect player")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != session.StateAuthenticated {
		if time.Now().After(deadline) {
			t.Fatal("session never authenticated")
		}
		time.Sleep(time.Millisecond)
	}
	if p, _ := s.Player(); p != player {
		t.Errorf("player = %v, want %v", p, player)
	}
}

func TestInboundFailureNotice(t *testing.T) {
	// No receive verb is bound anywhere, so the dispatch fails and the
	// session gets an error value instead of silence.
	e := newEngine(t)
	server, client := session.NewPipe()
	defer client.Close()
	if _, err := e.Dispatcher().Attach(context.Background(), server); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := client.Send([]byte("hello?")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	payload, err := client.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	v, _, err := value.Decode(payload)
	if err != nil {
		t.Fatalf("Decode notice: %v", err)
	}
	if v.Code() != value.CodeInvalidVerb {
		t.Errorf("notice = %v, want error value InvalidVerb", v)
	}
}

func TestFuelExhaustionAbortsWrites(t *testing.T) {
	// A verb that writes a slot and then burns out its budget must leave
	// no trace: the dispatch fails and the write never commits.
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	opts := DefaultOptions()
	opts.Fuel = 5000
	opts.WallClock = 5 * time.Second
	e := New(s, opts)

	ctx := context.Background()
	obj := value.NewOid()

	c := bytecode.NewChunk()
	c.ParamCount = 1
	c.EmitConst(2048)
	c.EmitData(value.EncodeArgs([]value.Value{
		value.Ref(obj), value.Str("scar"), value.Int(1),
	}))
	c.EmitWithOperand(bytecode.OpHostCall, byte(abi.HostSlotSet))
	c.Emit(bytecode.OpPop)
	start := c.CurrentOffset()
	c.Emit(bytecode.OpNop)
	c.EmitLoop(start)
	m := bytecode.NewModule(abi.CapSlotSet)
	m.Export(EntryPoint, m.AddChunk(c))

	if err := e.BindVerb(ctx, obj, "burn", m); err != nil {
		t.Fatalf("BindVerb: %v", err)
	}
	_, err := e.Invoke(ctx, obj, "burn", nil)
	if !errors.Is(err, value.ErrResourceExhausted) {
		t.Fatalf("Invoke = %v, want ErrResourceExhausted", err)
	}

	if _, err := e.GetSlot(ctx, obj, "scar"); !errors.Is(err, value.ErrNotFound) {
		t.Errorf("slot written by an exhausted invocation survived: %v", err)
	}
}
