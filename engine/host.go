package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/burrow/abi"
	"github.com/chazu/burrow/pkg/bytecode"
	"github.com/chazu/burrow/pkg/value"
	"github.com/chazu/burrow/session"
	"github.com/chazu/burrow/slots"
	"github.com/chazu/burrow/store"
	"github.com/chazu/burrow/txn"
	"github.com/chazu/burrow/vm"
)

// maxResolveDepth bounds the delegate-chain search.
const maxResolveDepth = 32

// hostEnv is the abi.Host for one invocation chain. One transaction,
// one budget, one grant set; nested invocations reuse all three.
type hostEnv struct {
	e      *Engine
	ctx    context.Context
	tx     *txn.Tx
	budget *vm.Budget
	grants abi.Grants
	sess   *session.Session
	vlog   commonlog.Logger
}

func (e *Engine) newEnv(ctx context.Context, tx *txn.Tx) *hostEnv {
	return &hostEnv{
		e:      e,
		ctx:    ctx,
		tx:     tx,
		budget: vm.NewBudget(e.opts.Fuel, e.opts.WallClock),
		grants: abi.FullGrants(),
		vlog:   e.vlog,
	}
}

// run resolves a verb on obj (following delegates) and executes it.
func (env *hostEnv) run(obj value.Oid, verb string, args []value.Value) (value.Value, error) {
	module, err := ResolveVerb(env.ctx, env.tx.Store(), obj, verb)
	if err != nil {
		return value.Value{}, err
	}
	in, err := vm.NewInstance(module, env, env.grants, env.budget,
		vm.WithMemoryLimit(env.e.opts.MemoryLimit))
	if err != nil {
		return value.Value{}, err
	}
	return in.Invoke(env.ctx, EntryPoint, args)
}

// ResolveVerb finds the module bound to a verb name, searching the
// object first and then its delegates slot depth first. Cycles are
// tolerated; each object is visited once.
func ResolveVerb(ctx context.Context, st store.Txn, obj value.Oid, verb string) (*bytecode.Module, error) {
	visited := make(map[value.Oid]bool)
	m, err := resolveVerb(ctx, st, obj, verb, visited, 0)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("engine: verb %q not bound on %s or its delegates: %w", verb, obj, value.ErrInvalidVerb)
	}
	return m, nil
}

func resolveVerb(ctx context.Context, st store.Txn, obj value.Oid, verb string, visited map[value.Oid]bool, depth int) (*bytecode.Module, error) {
	if depth > maxResolveDepth || visited[obj] {
		return nil, nil
	}
	visited[obj] = true

	v, err := slots.Read(ctx, st, obj, verb)
	switch {
	case err == nil:
		blob, ok := v.AsVerb()
		if !ok {
			// A plain slot shadows the name; it is not invokable.
			return nil, fmt.Errorf("engine: slot %q on %s is %s, not a verb: %w", verb, obj, v.Kind(), value.ErrInvalidVerb)
		}
		m, err := bytecode.DeserializeModule(blob)
		if err != nil {
			return nil, fmt.Errorf("engine: verb %q on %s: %w", verb, obj, err)
		}
		return m, nil
	case !errors.Is(err, value.ErrNotFound):
		return nil, err
	}

	dv, err := slots.Read(ctx, st, obj, DelegatesSlot)
	if errors.Is(err, value.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_, items, ok := dv.AsList()
	if !ok {
		return nil, nil
	}
	for _, item := range items {
		d, ok := item.AsRef()
		if !ok {
			continue
		}
		m, err := resolveVerb(ctx, st, d, verb, visited, depth+1)
		if err != nil || m != nil {
			return m, err
		}
	}
	return nil, nil
}

func isVerbMissing(err error) bool {
	return errors.Is(err, value.ErrInvalidVerb)
}

// --- abi.Host ---

func (env *hostEnv) SlotGet(obj value.Oid, name string) (value.Value, error) {
	v, err := slots.Read(env.ctx, env.tx.Store(), obj, name)
	if err != nil {
		if code := value.CodeOf(err); code == value.CodeNotFound {
			return value.Errv(code), nil
		}
		return value.Value{}, err
	}
	return v, nil
}

func (env *hostEnv) SlotSet(obj value.Oid, name string, v value.Value) (value.Value, error) {
	if err := slots.Write(env.ctx, env.tx.Store(), obj, name, v); err != nil {
		return value.Value{}, err
	}
	return value.Int(0), nil
}

func (env *hostEnv) InvokeVerb(obj value.Oid, verb string, args []value.Value) (value.Value, error) {
	result, err := env.run(obj, verb, args)
	if err != nil {
		if isVerbMissing(err) {
			// Recoverable by the caller.
			return value.Errv(value.CodeInvalidVerb), nil
		}
		return value.Value{}, err
	}
	return result, nil
}

func (env *hostEnv) SessionSend(sess value.Oid, payload []byte) (value.Value, error) {
	env.tx.BufferSend(sess, payload)
	return value.Int(0), nil
}

// Log emits immediately, outside the transaction. A retried dispatch
// logs again; that is the documented tradeoff for seeing output from
// aborted attempts.
func (env *hostEnv) Log(level int64, msg string) {
	switch {
	case level <= 0:
		env.vlog.Errorf("%s", msg)
	case level == 1:
		env.vlog.Warningf("%s", msg)
	case level == 2:
		env.vlog.Infof("%s", msg)
	default:
		env.vlog.Debugf("%s", msg)
	}
}
