package vm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chazu/burrow/abi"
	"github.com/chazu/burrow/pkg/bytecode"
	"github.com/chazu/burrow/pkg/value"
)

type fakeHost struct {
	slotGet func(obj value.Oid, name string) (value.Value, error)
	invoke  func(obj value.Oid, verb string, args []value.Value) (value.Value, error)
	sends   []value.Oid
	logs    []string
}

func (h *fakeHost) SlotGet(obj value.Oid, name string) (value.Value, error) {
	if h.slotGet != nil {
		return h.slotGet(obj, name)
	}
	return value.Errv(value.CodeNotFound), nil
}

func (h *fakeHost) SlotSet(obj value.Oid, name string, v value.Value) (value.Value, error) {
	return value.Int(0), nil
}

func (h *fakeHost) InvokeVerb(obj value.Oid, verb string, args []value.Value) (value.Value, error) {
	if h.invoke != nil {
		return h.invoke(obj, verb, args)
	}
	return value.Errv(value.CodeInvalidVerb), nil
}

func (h *fakeHost) SessionSend(sess value.Oid, payload []byte) (value.Value, error) {
	h.sends = append(h.sends, sess)
	return value.Int(0), nil
}

func (h *fakeHost) Log(level int64, msg string) {
	h.logs = append(h.logs, msg)
}

// buildModule assembles a one-entry module whose chunk 0 is exported as
// "invoke".
func buildModule(caps []string, build func(c *bytecode.Chunk)) *bytecode.Module {
	c := bytecode.NewChunk()
	c.ParamCount = 1
	build(c)
	m := bytecode.NewModule(caps...)
	idx := m.AddChunk(c)
	m.Export("invoke", idx)
	return m
}

// emitReturnValue stages an encoded value in memory and returns its
// region.
func emitReturnValue(c *bytecode.Chunk, dst int64, v value.Value) {
	c.EmitConst(dst)
	c.EmitData(value.Encode(v))
	c.Emit(bytecode.OpReturn)
}

func runEntry(t *testing.T, m *bytecode.Module, grants abi.Grants, host abi.Host, budget *Budget) (value.Value, error) {
	t.Helper()
	in, err := NewInstance(m, host, grants, budget)
	if err != nil {
		return value.Value{}, err
	}
	return in.Invoke(context.Background(), "invoke", nil)
}

func TestReturnConstant(t *testing.T) {
	m := buildModule(nil, func(c *bytecode.Chunk) {
		emitReturnValue(c, 1024, value.Str("hello"))
	})
	got, err := runEntry(t, m, abi.FullGrants(), &fakeHost{}, NewBudget(1000, time.Second))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if s, _ := got.AsStr(); s != "hello" {
		t.Errorf("got %v, want Str(hello)", got)
	}
}

func TestReturnNilDecodesToZero(t *testing.T) {
	m := buildModule(nil, func(c *bytecode.Chunk) {
		c.Emit(bytecode.OpReturnNil)
	})
	got, err := runEntry(t, m, abi.FullGrants(), &fakeHost{}, NewBudget(1000, time.Second))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if i, ok := got.AsInt(); !ok || i != 0 {
		t.Errorf("got %v, want Int(0)", got)
	}
}

func TestArithmeticAndCall(t *testing.T) {
	// Chunk 1 adds its two parameter words.
	add := bytecode.NewChunk()
	add.ParamCount = 2
	add.EmitWithOperand(bytecode.OpLoadParam, 0)
	add.EmitWithOperand(bytecode.OpLoadParam, 1)
	add.Emit(bytecode.OpAdd)
	add.Emit(bytecode.OpReturn)

	// Chunk 0 calls it, then hand-encodes the sum as an int value:
	// kind byte at 100, big-endian word at 101.
	main := bytecode.NewChunk()
	main.ParamCount = 1
	main.LocalCount = 1
	main.EmitConst(20)
	main.EmitConst(22)
	main.EmitWithOperand(bytecode.OpCall, 0x00, 0x01)
	main.EmitWithOperand(bytecode.OpStoreLocal, 0)
	main.EmitConst(100)
	main.Emit(bytecode.OpConstZero)
	main.Emit(bytecode.OpMemStore8)
	main.EmitConst(101)
	main.EmitWithOperand(bytecode.OpLoadLocal, 0)
	main.Emit(bytecode.OpMemStore64)
	main.EmitConst(100)
	main.EmitConst(9)
	main.Emit(bytecode.OpRegion)
	main.Emit(bytecode.OpReturn)

	m := bytecode.NewModule()
	m.Export("invoke", m.AddChunk(main))
	m.AddChunk(add)

	got, err := runEntry(t, m, abi.FullGrants(), &fakeHost{}, NewBudget(1000, time.Second))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if i, ok := got.AsInt(); !ok || i != 42 {
		t.Errorf("got %v, want Int(42)", got)
	}
}

func TestDivisionByZeroTraps(t *testing.T) {
	m := buildModule(nil, func(c *bytecode.Chunk) {
		c.Emit(bytecode.OpConstOne)
		c.Emit(bytecode.OpConstZero)
		c.Emit(bytecode.OpDiv)
		c.Emit(bytecode.OpReturn)
	})
	_, err := runEntry(t, m, abi.FullGrants(), &fakeHost{}, NewBudget(1000, time.Second))
	if !errors.Is(err, value.ErrTrapped) {
		t.Fatalf("got %v, want ErrTrapped", err)
	}
	var ee *ExecError
	if !errors.As(err, &ee) || ee.Fault != FaultTrap {
		t.Errorf("fault = %v, want FaultTrap", err)
	}
}

func TestUnknownOpcodeTraps(t *testing.T) {
	m := buildModule(nil, func(c *bytecode.Chunk) {
		c.Code = append(c.Code, 0x7F)
	})
	_, err := runEntry(t, m, abi.FullGrants(), &fakeHost{}, NewBudget(1000, time.Second))
	if !errors.Is(err, value.ErrTrapped) {
		t.Fatalf("got %v, want ErrTrapped", err)
	}
}

func TestFuelExhaustion(t *testing.T) {
	m := buildModule(nil, func(c *bytecode.Chunk) {
		start := c.CurrentOffset()
		c.Emit(bytecode.OpNop)
		c.EmitLoop(start)
	})
	_, err := runEntry(t, m, abi.FullGrants(), &fakeHost{}, NewBudget(500, time.Minute))
	if !errors.Is(err, value.ErrResourceExhausted) {
		t.Fatalf("got %v, want ErrResourceExhausted", err)
	}
	var ee *ExecError
	if !errors.As(err, &ee) || ee.Fault != FaultFuel {
		t.Errorf("fault = %v, want FaultFuel", err)
	}
}

func TestWallClockTimeout(t *testing.T) {
	m := buildModule(nil, func(c *bytecode.Chunk) {
		start := c.CurrentOffset()
		c.Emit(bytecode.OpNop)
		c.EmitLoop(start)
	})
	budget := &Budget{Fuel: 1 << 40, Deadline: time.Now().Add(-time.Millisecond)}
	_, err := runEntry(t, m, abi.FullGrants(), &fakeHost{}, budget)
	var ee *ExecError
	if !errors.As(err, &ee) || ee.Fault != FaultTimeout {
		t.Fatalf("got %v, want FaultTimeout", err)
	}
}

func TestInstantiationDeniedForUngrantedCapability(t *testing.T) {
	m := buildModule([]string{abi.CapSlotSet}, func(c *bytecode.Chunk) {
		c.Emit(bytecode.OpReturnNil)
	})
	_, err := NewInstance(m, &fakeHost{}, abi.ComputeGrants(), NewBudget(1000, time.Second))
	if !errors.Is(err, value.ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}
}

func TestUndeclaredHostCallReturnsErrorValue(t *testing.T) {
	// The module declares only log but performs slot.get. The call is
	// refused with an error value the guest can inspect; here it just
	// returns the reply.
	m := buildModule([]string{abi.CapLog}, func(c *bytecode.Chunk) {
		args := value.EncodeArgs([]value.Value{value.Ref(value.NewOid()), value.Str("name")})
		c.EmitConst(2048)
		c.EmitData(args)
		c.EmitWithOperand(bytecode.OpHostCall, byte(abi.HostSlotGet))
		c.Emit(bytecode.OpReturn)
	})
	got, err := runEntry(t, m, abi.FullGrants(), &fakeHost{}, NewBudget(10000, time.Second))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got.Code() != value.CodePermissionDenied {
		t.Errorf("got %v, want error value PermissionDenied", got)
	}
}

func TestHostCallRoundTrip(t *testing.T) {
	obj := value.NewOid()
	host := &fakeHost{
		slotGet: func(o value.Oid, name string) (value.Value, error) {
			if o != obj || name != "description" {
				t.Errorf("SlotGet(%s, %q), want (%s, description)", o, name, obj)
			}
			return value.Str("a dusty burrow"), nil
		},
	}
	m := buildModule([]string{abi.CapSlotGet}, func(c *bytecode.Chunk) {
		args := value.EncodeArgs([]value.Value{value.Ref(obj), value.Str("description")})
		c.EmitConst(2048)
		c.EmitData(args)
		c.EmitWithOperand(bytecode.OpHostCall, byte(abi.HostSlotGet))
		c.Emit(bytecode.OpReturn)
	})
	got, err := runEntry(t, m, abi.FullGrants(), host, NewBudget(10000, time.Second))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if s, _ := got.AsStr(); s != "a dusty burrow" {
		t.Errorf("got %v, want Str(a dusty burrow)", got)
	}
}

func TestLogHostCall(t *testing.T) {
	host := &fakeHost{}
	m := buildModule([]string{abi.CapLog}, func(c *bytecode.Chunk) {
		args := value.EncodeArgs([]value.Value{value.Int(1), value.Str("checking in")})
		c.EmitConst(2048)
		c.EmitData(args)
		c.EmitWithOperand(bytecode.OpHostCall, byte(abi.HostLog))
		c.Emit(bytecode.OpPop)
		c.Emit(bytecode.OpReturnNil)
	})
	if _, err := runEntry(t, m, abi.FullGrants(), host, NewBudget(10000, time.Second)); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(host.logs) != 1 || host.logs[0] != "checking in" {
		t.Errorf("logs = %v, want [checking in]", host.logs)
	}
}

func TestMalformedHostCallArgsTrap(t *testing.T) {
	m := buildModule([]string{abi.CapLog}, func(c *bytecode.Chunk) {
		// One arg of the wrong kind.
		args := value.EncodeArgs([]value.Value{value.Str("not a level")})
		c.EmitConst(2048)
		c.EmitData(args)
		c.EmitWithOperand(bytecode.OpHostCall, byte(abi.HostLog))
		c.Emit(bytecode.OpReturn)
	})
	_, err := runEntry(t, m, abi.FullGrants(), &fakeHost{}, NewBudget(10000, time.Second))
	if !errors.Is(err, value.ErrTrapped) {
		t.Fatalf("got %v, want ErrTrapped", err)
	}
}

func TestNestedInvocationSharesBudget(t *testing.T) {
	spin := buildModule(nil, func(c *bytecode.Chunk) {
		start := c.CurrentOffset()
		c.Emit(bytecode.OpNop)
		c.EmitLoop(start)
	})
	budget := NewBudget(5000, time.Minute)
	host := &fakeHost{}
	host.invoke = func(obj value.Oid, verb string, args []value.Value) (value.Value, error) {
		child, err := NewInstance(spin, host, abi.FullGrants(), budget)
		if err != nil {
			return value.Value{}, err
		}
		return child.Invoke(context.Background(), "invoke", args)
	}

	caller := buildModule([]string{abi.CapInvoke}, func(c *bytecode.Chunk) {
		args := value.EncodeArgs([]value.Value{value.Ref(value.NewOid()), value.Str("spin")})
		c.EmitConst(2048)
		c.EmitData(args)
		c.EmitWithOperand(bytecode.OpHostCall, byte(abi.HostInvoke))
		c.Emit(bytecode.OpReturn)
	})

	_, err := runEntry(t, caller, abi.FullGrants(), host, budget)
	if !errors.Is(err, value.ErrResourceExhausted) {
		t.Fatalf("got %v, want ErrResourceExhausted", err)
	}
	if budget.Fuel >= 0 {
		t.Errorf("budget.Fuel = %d, want exhausted", budget.Fuel)
	}
}

func TestMemoryLimit(t *testing.T) {
	m := buildModule(nil, func(c *bytecode.Chunk) {
		c.EmitConst(1 << 21)
		c.Emit(bytecode.OpConstOne)
		c.Emit(bytecode.OpMemStore8)
		c.Emit(bytecode.OpReturnNil)
	})
	_, err := runEntry(t, m, abi.FullGrants(), &fakeHost{}, NewBudget(1000, time.Second))
	if !errors.Is(err, value.ErrResourceExhausted) {
		t.Fatalf("got %v, want ErrResourceExhausted", err)
	}
	var ee *ExecError
	if !errors.As(err, &ee) || ee.Fault != FaultMemory {
		t.Errorf("fault = %v, want FaultMemory", err)
	}
}

func TestMissingEntryPoint(t *testing.T) {
	m := bytecode.NewModule()
	m.AddChunk(bytecode.NewChunk())
	in, err := NewInstance(m, &fakeHost{}, abi.FullGrants(), NewBudget(1000, time.Second))
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	if _, err := in.Invoke(context.Background(), "invoke", nil); !errors.Is(err, value.ErrInvalidVerb) {
		t.Fatalf("got %v, want ErrInvalidVerb", err)
	}
}
