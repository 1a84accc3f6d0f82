// Package vm executes verb bytecode in isolation: a stack machine over
// 64-bit words with a private linear memory, a fuel budget, and a wall
// clock bound. The only way out of the sandbox is the host-call
// surface, gated by the capability grants of the invocation context.
package vm

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/burrow/abi"
	"github.com/chazu/burrow/pkg/bytecode"
	"github.com/chazu/burrow/pkg/value"
)

const (
	// DefaultFuel is the instruction budget for a top-level dispatch.
	DefaultFuel = 1_000_000

	// DefaultWallClock bounds one dispatch in real time regardless of
	// fuel remaining.
	DefaultWallClock = 2 * time.Second

	// DefaultMemoryLimit caps guest linear memory per instance.
	DefaultMemoryLimit = 1 << 20

	initialMemory = 1 << 16
	maxCallDepth  = 64
	maxStackWords = 4096

	// deadlineCheckInterval is how many instructions run between wall
	// clock and context checks.
	deadlineCheckInterval = 1024
)

// Fault classifies why execution stopped abnormally.
type Fault int

const (
	FaultTrap    Fault = iota + 1 // illegal instruction, bad memory access, division by zero
	FaultFuel                     // instruction budget exhausted
	FaultMemory                   // linear memory limit exceeded
	FaultTimeout                  // wall clock bound or context expired
	FaultDenied                   // module declares an ungranted capability
)

func (f Fault) String() string {
	switch f {
	case FaultTrap:
		return "trap"
	case FaultFuel:
		return "fuel exhausted"
	case FaultMemory:
		return "memory limit exceeded"
	case FaultTimeout:
		return "timed out"
	case FaultDenied:
		return "permission denied"
	}
	return "unknown fault"
}

// ExecError is an abnormal termination of a verb. It wraps the matching
// taxonomy sentinel so callers can errors.Is against the value package.
type ExecError struct {
	Fault  Fault
	Detail string
}

func (e *ExecError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("vm: %s", e.Fault)
	}
	return fmt.Sprintf("vm: %s: %s", e.Fault, e.Detail)
}

func (e *ExecError) Unwrap() error {
	switch e.Fault {
	case FaultFuel, FaultMemory, FaultTimeout:
		return value.ErrResourceExhausted
	case FaultDenied:
		return value.ErrPermissionDenied
	}
	return value.ErrTrapped
}

func trapf(format string, args ...any) error {
	return &ExecError{Fault: FaultTrap, Detail: fmt.Sprintf(format, args...)}
}

// Budget is the resource envelope of one dispatch. Nested invocations
// share the parent's Budget by pointer, so a verb cannot buy fresh fuel
// by calling into another verb.
type Budget struct {
	Fuel     int64
	Deadline time.Time
}

// NewBudget builds a budget with the given fuel and wall clock window.
func NewBudget(fuel int64, wall time.Duration) *Budget {
	return &Budget{Fuel: fuel, Deadline: time.Now().Add(wall)}
}

// consume burns n fuel, reporting false once the tank is empty.
func (b *Budget) consume(n int64) bool {
	b.Fuel -= n
	return b.Fuel >= 0
}

// Option configures an Instance.
type Option func(*Instance)

// WithMemoryLimit caps guest linear memory in bytes.
func WithMemoryLimit(n int) Option {
	return func(in *Instance) {
		if n < initialMemory {
			n = initialMemory
		}
		in.memLimit = n
	}
}

// Instance is one verb module instantiated for one invocation. Memory
// and stack die with it; only host calls and the returned result
// outlive it. Not safe for concurrent use.
type Instance struct {
	module   *bytecode.Module
	host     abi.Host
	grants   abi.Grants
	declared map[string]bool
	budget   *Budget

	mem      []byte
	memLimit int
	brk      int // bump allocator high-water mark for host replies

	depth int
	log   commonlog.Logger
}

// NewInstance instantiates a module under the given grants and budget.
// Instantiation fails with a permission fault when the module declares
// a capability the grants do not cover; no guest code runs in that
// case.
func NewInstance(m *bytecode.Module, host abi.Host, grants abi.Grants, budget *Budget, opts ...Option) (*Instance, error) {
	if err := grants.Covers(m.Header.Capabilities); err != nil {
		return nil, &ExecError{Fault: FaultDenied, Detail: err.Error()}
	}
	in := &Instance{
		module:   m,
		host:     host,
		grants:   grants,
		declared: make(map[string]bool, len(m.Header.Capabilities)),
		budget:   budget,
		mem:      make([]byte, initialMemory),
		memLimit: DefaultMemoryLimit,
		log:      commonlog.GetLogger("vm"),
	}
	for _, c := range m.Header.Capabilities {
		in.declared[c] = true
	}
	for _, opt := range opts {
		opt(in)
	}
	return in, nil
}

// Invoke runs the named entry point with the given arguments and
// returns the decoded result. The encoded arguments are staged at
// memory offset zero and the entry receives their region as its first
// parameter; the entry returns a region whose bytes decode to the
// result. An empty result region decodes to Int(0).
func (in *Instance) Invoke(ctx context.Context, entry string, args []value.Value) (value.Value, error) {
	chunk, ok := in.module.Entry(entry)
	if !ok {
		return value.Value{}, fmt.Errorf("vm: no entry point %q: %w", entry, value.ErrInvalidVerb)
	}

	enc := value.EncodeArgs(args)
	if err := in.ensure(0, len(enc)); err != nil {
		return value.Value{}, err
	}
	copy(in.mem, enc)
	in.touch(len(enc))

	params := make([]int64, chunk.ParamCount)
	if chunk.ParamCount > 0 {
		params[0] = int64(abi.NewRegion(0, uint32(len(enc))))
	}

	word, err := in.run(ctx, chunk, params)
	if err != nil {
		return value.Value{}, err
	}

	reg := abi.Region(word)
	if reg.Len() == 0 {
		return value.Int(0), nil
	}
	raw, err := in.read(reg)
	if err != nil {
		return value.Value{}, err
	}
	v, _, err := value.Decode(raw)
	if err != nil {
		return value.Value{}, trapf("malformed result region: %s", err.Error())
	}
	return v, nil
}

// ensure grows memory to cover [0, off+n), enforcing the limit.
func (in *Instance) ensure(off, n int) error {
	end := off + n
	if off < 0 || n < 0 || end > in.memLimit {
		return &ExecError{
			Fault:  FaultMemory,
			Detail: fmt.Sprintf("memory access [%d,%d) exceeds limit of %d bytes", off, end, in.memLimit),
		}
	}
	if end <= len(in.mem) {
		return nil
	}
	size := len(in.mem)
	for size < end {
		size *= 2
	}
	if size > in.memLimit {
		size = in.memLimit
	}
	grown := make([]byte, size)
	copy(grown, in.mem)
	in.mem = grown
	return nil
}

// read copies a region out of guest memory.
func (in *Instance) read(r abi.Region) ([]byte, error) {
	off, n := int(r.Off()), int(r.Len())
	if off+n > len(in.mem) {
		return nil, trapf("region [%d,%d) outside memory of %d bytes", off, off+n, len(in.mem))
	}
	out := make([]byte, n)
	copy(out, in.mem[off:off+n])
	return out, nil
}

// alloc reserves n bytes above the high-water mark for a host reply and
// returns its region.
func (in *Instance) alloc(n int) (abi.Region, error) {
	off := in.brk
	if err := in.ensure(off, n); err != nil {
		return 0, err
	}
	in.brk = off + n
	return abi.NewRegion(uint32(off), uint32(n)), nil
}

// touch advances the bump allocator past guest writes so host replies
// never overwrite them.
func (in *Instance) touch(end int) {
	if end > in.brk {
		in.brk = end
	}
}

// run executes one chunk to completion and returns its result word.
func (in *Instance) run(ctx context.Context, chunk *bytecode.Chunk, params []int64) (int64, error) {
	in.depth++
	defer func() { in.depth-- }()
	if in.depth > maxCallDepth {
		return 0, trapf("call depth exceeds %d", maxCallDepth)
	}

	locals := make([]int64, chunk.LocalCount)
	stack := make([]int64, 0, 32)
	code := chunk.Code
	ip := 0
	steps := 0

	push := func(w int64) error {
		if len(stack) >= maxStackWords {
			return trapf("operand stack exceeds %d words", maxStackWords)
		}
		stack = append(stack, w)
		return nil
	}
	pop := func() (int64, error) {
		if len(stack) == 0 {
			return 0, trapf("pop on empty stack at ip %d", ip)
		}
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return w, nil
	}
	pop2 := func() (a, b int64, err error) {
		if b, err = pop(); err != nil {
			return
		}
		a, err = pop()
		return
	}

	for ip < len(code) {
		if !in.budget.consume(1) {
			return 0, &ExecError{Fault: FaultFuel, Detail: fmt.Sprintf("after %d instructions in this frame", steps)}
		}
		steps++
		if steps%deadlineCheckInterval == 0 {
			if !in.budget.Deadline.IsZero() && time.Now().After(in.budget.Deadline) {
				return 0, &ExecError{Fault: FaultTimeout, Detail: "wall clock exceeded"}
			}
			if err := ctx.Err(); err != nil {
				return 0, &ExecError{Fault: FaultTimeout, Detail: err.Error()}
			}
		}

		op := bytecode.Opcode(code[ip])
		if !op.Known() {
			return 0, trapf("unknown opcode 0x%02X at ip %d", byte(op), ip)
		}
		if ip+op.InstructionLen() > len(code) {
			return 0, trapf("truncated %s at ip %d", op, ip)
		}
		operands := code[ip+1 : ip+op.InstructionLen()]
		next := ip + op.InstructionLen()

		switch op {
		case bytecode.OpNop:

		case bytecode.OpPop:
			if _, err := pop(); err != nil {
				return 0, err
			}

		case bytecode.OpDup:
			w, err := pop()
			if err != nil {
				return 0, err
			}
			if err := push(w); err != nil {
				return 0, err
			}
			if err := push(w); err != nil {
				return 0, err
			}

		case bytecode.OpSwap:
			a, b, err := pop2()
			if err != nil {
				return 0, err
			}
			if err := push(b); err != nil {
				return 0, err
			}
			if err := push(a); err != nil {
				return 0, err
			}

		case bytecode.OpConst:
			idx := int(binary.BigEndian.Uint16(operands))
			if idx >= len(chunk.Consts) {
				return 0, trapf("constant index %d out of range at ip %d", idx, ip)
			}
			if err := push(chunk.Consts[idx]); err != nil {
				return 0, err
			}

		case bytecode.OpConstZero:
			if err := push(0); err != nil {
				return 0, err
			}

		case bytecode.OpConstOne:
			if err := push(1); err != nil {
				return 0, err
			}

		case bytecode.OpLoadLocal:
			slot := int(operands[0])
			if slot >= len(locals) {
				return 0, trapf("local %d out of range at ip %d", slot, ip)
			}
			if err := push(locals[slot]); err != nil {
				return 0, err
			}

		case bytecode.OpStoreLocal:
			slot := int(operands[0])
			if slot >= len(locals) {
				return 0, trapf("local %d out of range at ip %d", slot, ip)
			}
			w, err := pop()
			if err != nil {
				return 0, err
			}
			locals[slot] = w

		case bytecode.OpLoadParam:
			idx := int(operands[0])
			if idx >= len(params) {
				return 0, trapf("parameter %d out of range at ip %d", idx, ip)
			}
			if err := push(params[idx]); err != nil {
				return 0, err
			}

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
			a, b, err := pop2()
			if err != nil {
				return 0, err
			}
			var w int64
			switch op {
			case bytecode.OpAdd:
				w = a + b
			case bytecode.OpSub:
				w = a - b
			case bytecode.OpMul:
				w = a * b
			case bytecode.OpDiv:
				if b == 0 {
					return 0, trapf("division by zero at ip %d", ip)
				}
				w = a / b
			case bytecode.OpMod:
				if b == 0 {
					return 0, trapf("division by zero at ip %d", ip)
				}
				w = a % b
			}
			if err := push(w); err != nil {
				return 0, err
			}

		case bytecode.OpNeg:
			w, err := pop()
			if err != nil {
				return 0, err
			}
			if err := push(-w); err != nil {
				return 0, err
			}

		case bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			a, b, err := pop2()
			if err != nil {
				return 0, err
			}
			var cond bool
			switch op {
			case bytecode.OpEq:
				cond = a == b
			case bytecode.OpNe:
				cond = a != b
			case bytecode.OpLt:
				cond = a < b
			case bytecode.OpLe:
				cond = a <= b
			case bytecode.OpGt:
				cond = a > b
			case bytecode.OpGe:
				cond = a >= b
			}
			if err := push(boolWord(cond)); err != nil {
				return 0, err
			}

		case bytecode.OpNot:
			w, err := pop()
			if err != nil {
				return 0, err
			}
			if err := push(boolWord(w == 0)); err != nil {
				return 0, err
			}

		case bytecode.OpAnd, bytecode.OpOr:
			a, b, err := pop2()
			if err != nil {
				return 0, err
			}
			var cond bool
			if op == bytecode.OpAnd {
				cond = a != 0 && b != 0
			} else {
				cond = a != 0 || b != 0
			}
			if err := push(boolWord(cond)); err != nil {
				return 0, err
			}

		case bytecode.OpJump, bytecode.OpJumpTrue, bytecode.OpJumpFalse:
			offset := int(int16(binary.BigEndian.Uint16(operands)))
			taken := true
			if op != bytecode.OpJump {
				w, err := pop()
				if err != nil {
					return 0, err
				}
				if op == bytecode.OpJumpTrue {
					taken = w != 0
				} else {
					taken = w == 0
				}
			}
			if taken {
				next += offset
				if next < 0 || next > len(code) {
					return 0, trapf("jump to %d outside code of %d bytes", next, len(code))
				}
			}

		case bytecode.OpMemLoad8:
			addr, err := pop()
			if err != nil {
				return 0, err
			}
			if addr < 0 || int(addr) >= len(in.mem) {
				return 0, trapf("load of byte %d outside memory", addr)
			}
			if err := push(int64(in.mem[addr])); err != nil {
				return 0, err
			}

		case bytecode.OpMemStore8:
			addr, w, err := pop2()
			if err != nil {
				return 0, err
			}
			if addr < 0 {
				return 0, trapf("store at negative address %d", addr)
			}
			if err := in.ensure(int(addr), 1); err != nil {
				return 0, err
			}
			in.mem[addr] = byte(w)
			in.touch(int(addr) + 1)

		case bytecode.OpMemLoad64:
			addr, err := pop()
			if err != nil {
				return 0, err
			}
			if addr < 0 || int(addr)+8 > len(in.mem) {
				return 0, trapf("load of word at %d outside memory", addr)
			}
			if err := push(int64(binary.BigEndian.Uint64(in.mem[addr:]))); err != nil {
				return 0, err
			}

		case bytecode.OpMemStore64:
			addr, w, err := pop2()
			if err != nil {
				return 0, err
			}
			if addr < 0 {
				return 0, trapf("store at negative address %d", addr)
			}
			if err := in.ensure(int(addr), 8); err != nil {
				return 0, err
			}
			binary.BigEndian.PutUint64(in.mem[addr:], uint64(w))
			in.touch(int(addr) + 8)

		case bytecode.OpMemData:
			off := int(binary.BigEndian.Uint16(operands[0:2]))
			n := int(binary.BigEndian.Uint16(operands[2:4]))
			if off+n > len(chunk.Data) {
				return 0, trapf("data segment slice [%d,%d) out of range at ip %d", off, off+n, ip)
			}
			dst, err := pop()
			if err != nil {
				return 0, err
			}
			if dst < 0 {
				return 0, trapf("data copy to negative address %d", dst)
			}
			if err := in.ensure(int(dst), n); err != nil {
				return 0, err
			}
			copy(in.mem[dst:], chunk.Data[off:off+n])
			in.touch(int(dst) + n)
			if err := push(int64(abi.NewRegion(uint32(dst), uint32(n)))); err != nil {
				return 0, err
			}

		case bytecode.OpMemSize:
			if err := push(int64(len(in.mem))); err != nil {
				return 0, err
			}

		case bytecode.OpRegion:
			off, length, err := pop2()
			if err != nil {
				return 0, err
			}
			if err := push(int64(abi.NewRegion(uint32(off), uint32(length)))); err != nil {
				return 0, err
			}

		case bytecode.OpRegionOff:
			w, err := pop()
			if err != nil {
				return 0, err
			}
			if err := push(int64(abi.Region(w).Off())); err != nil {
				return 0, err
			}

		case bytecode.OpRegionLen:
			w, err := pop()
			if err != nil {
				return 0, err
			}
			if err := push(int64(abi.Region(w).Len())); err != nil {
				return 0, err
			}

		case bytecode.OpHostCall:
			w, err := pop()
			if err != nil {
				return 0, err
			}
			reply, err := in.hostCall(abi.HostCall(operands[0]), abi.Region(w))
			if err != nil {
				return 0, err
			}
			if err := push(int64(reply)); err != nil {
				return 0, err
			}

		case bytecode.OpCall:
			idx := int(binary.BigEndian.Uint16(operands))
			if idx >= len(in.module.Chunks) {
				return 0, trapf("call of chunk %d out of range at ip %d", idx, ip)
			}
			callee := in.module.Chunks[idx]
			calleeParams := make([]int64, callee.ParamCount)
			for i := int(callee.ParamCount) - 1; i >= 0; i-- {
				w, err := pop()
				if err != nil {
					return 0, err
				}
				calleeParams[i] = w
			}
			result, err := in.run(ctx, callee, calleeParams)
			if err != nil {
				return 0, err
			}
			if err := push(result); err != nil {
				return 0, err
			}

		case bytecode.OpReturn:
			return pop()

		case bytecode.OpReturnNil:
			return int64(abi.NewRegion(0, 0)), nil
		}

		ip = next
	}
	// Falling off the end behaves as a nil return.
	return int64(abi.NewRegion(0, 0)), nil
}

func boolWord(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
