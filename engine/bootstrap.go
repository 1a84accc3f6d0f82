package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/burrow/pkg/bytecode"
	"github.com/chazu/burrow/pkg/value"
	"github.com/chazu/burrow/slots"
	"github.com/chazu/burrow/store"
	"github.com/chazu/burrow/txn"
)

// connection object slots
const connSessionSlot = "session"

func registerConnection(ctx context.Context, st store.Txn, conn, sessID value.Oid) error {
	return slots.Write(ctx, st, conn, connSessionSlot, value.Ref(sessID))
}

func clearConnection(ctx context.Context, st store.Txn, conn value.Oid) error {
	return slots.ClearObject(ctx, st, conn)
}

// Bootstrap seeds verbs onto the system object, skipping names that are
// already bound so a restarted engine never clobbers a live world.
func (e *Engine) Bootstrap(ctx context.Context, verbs map[string]*bytecode.Module) error {
	return e.coord.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
		for name, m := range verbs {
			_, err := slots.Read(ctx, tx.Store(), value.SystemOid, name)
			if err == nil {
				continue
			}
			if !errors.Is(err, value.ErrNotFound) {
				return err
			}
			if err := bindVerb(ctx, tx, value.SystemOid, name, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// BindVerb serializes a module and binds it as a verb slot on an
// object, in its own transaction. World-building and test helper.
func (e *Engine) BindVerb(ctx context.Context, obj value.Oid, name string, m *bytecode.Module) error {
	return e.coord.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
		return bindVerb(ctx, tx, obj, name, m)
	})
}

func bindVerb(ctx context.Context, tx *txn.Tx, obj value.Oid, name string, m *bytecode.Module) error {
	blob, err := m.Serialize()
	if err != nil {
		return fmt.Errorf("engine: bind %q on %s: %w", name, obj, err)
	}
	return slots.Write(ctx, tx.Store(), obj, name, value.Verb(blob))
}

// SetSlot writes one slot in its own transaction. World-building
// helper.
func (e *Engine) SetSlot(ctx context.Context, obj value.Oid, name string, v value.Value) error {
	return e.coord.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
		return slots.Write(ctx, tx.Store(), obj, name, v)
	})
}

// GetSlot reads one slot in its own transaction.
func (e *Engine) GetSlot(ctx context.Context, obj value.Oid, name string) (value.Value, error) {
	var out value.Value
	err := e.coord.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
		v, err := slots.Read(ctx, tx.Store(), obj, name)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
