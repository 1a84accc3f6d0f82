// Package slots is the typed adapter between the engine and the backing
// key-range store: it encodes slot values, packs (objectId, slotName)
// into order-preserving keys, and maintains the secondary index ranges.
// The adapter owns no state and never opens or commits transactions;
// every operation runs under a caller-supplied store.Txn.
package slots

import (
	"context"
	"fmt"

	"github.com/chazu/burrow/pkg/value"
	"github.com/chazu/burrow/store"
)

// Key-space tags. Tag ordering is part of the layout: all slot keys for
// an object sort together, and within an object slot names sort
// lexicographically, which is what ListSlots range-scans over.
const (
	tagSlot   = "SLOT"   // (SLOT, oid, name) -> encoded value
	tagVerbIx = "VERBIX" // (VERBIX, name, oid) -> empty; verb-by-name index
)

// SlotKey packs the physical key for slot (obj, name).
func SlotKey(obj value.Oid, name string) []byte {
	return value.NewTuple().AddString(tagSlot).AddOid(obj).AddString(name).Pack()
}

// slotPrefix packs the key prefix covering all slots of obj whose name
// starts with prefix.
func slotPrefix(obj value.Oid, prefix string) []byte {
	t := value.NewTuple().AddString(tagSlot).AddOid(obj)
	b := t.Pack()
	if prefix == "" {
		return b
	}
	// A name prefix is the packed string element minus its terminator.
	withName := value.NewTuple().AddString(tagSlot).AddOid(obj).AddString(prefix).Pack()
	return withName[:len(withName)-1]
}

func verbIxKey(name string, obj value.Oid) []byte {
	return value.NewTuple().AddString(tagVerbIx).AddString(name).AddOid(obj).Pack()
}

// Read returns the value of slot (obj, name). It returns
// value.ErrNotFound when the slot is absent.
func Read(ctx context.Context, txn store.Txn, obj value.Oid, name string) (value.Value, error) {
	raw, ok, err := txn.Get(ctx, SlotKey(obj, name))
	if err != nil {
		return value.Value{}, fmt.Errorf("slots: read (%s, %q): %w", obj, name, err)
	}
	if !ok {
		return value.Value{}, fmt.Errorf("slots: slot (%s, %q): %w", obj, name, value.ErrNotFound)
	}
	v, n, err := value.Decode(raw)
	if err != nil {
		return value.Value{}, fmt.Errorf("slots: decode (%s, %q): %w", obj, name, err)
	}
	if n != len(raw) {
		return value.Value{}, fmt.Errorf("slots: trailing bytes after value of (%s, %q)", obj, name)
	}
	return v, nil
}

// ReadKind reads slot (obj, name) and checks the stored kind tag,
// returning value.ErrKindMismatch when it differs from want. The kind
// tag is checked against the stored encoding, never coerced.
func ReadKind(ctx context.Context, txn store.Txn, obj value.Oid, name string, want value.Kind) (value.Value, error) {
	v, err := Read(ctx, txn, obj, name)
	if err != nil {
		return value.Value{}, err
	}
	if v.Kind() != want {
		return value.Value{}, fmt.Errorf("slots: slot (%s, %q) holds %s, want %s: %w",
			obj, name, v.Kind(), want, value.ErrKindMismatch)
	}
	return v, nil
}

// Write stores v into slot (obj, name), keeping the verb-by-name index
// consistent in the same transaction: index entries exist exactly for
// slots currently holding a verb value at any commit boundary.
func Write(ctx context.Context, txn store.Txn, obj value.Oid, name string, v value.Value) error {
	wasVerb, err := holdsVerb(ctx, txn, obj, name)
	if err != nil {
		return err
	}
	txn.Set(SlotKey(obj, name), value.Encode(v))

	isVerb := v.Kind() == value.KindVerb
	switch {
	case isVerb && !wasVerb:
		txn.Set(verbIxKey(name, obj), nil)
	case !isVerb && wasVerb:
		txn.Clear(verbIxKey(name, obj))
	}
	return nil
}

// Clear removes slot (obj, name) and any index entry for it. Clearing
// an absent slot is not an error.
func Clear(ctx context.Context, txn store.Txn, obj value.Oid, name string) error {
	wasVerb, err := holdsVerb(ctx, txn, obj, name)
	if err != nil {
		return err
	}
	txn.Clear(SlotKey(obj, name))
	if wasVerb {
		txn.Clear(verbIxKey(name, obj))
	}
	return nil
}

// ClearObject removes every slot of obj and its index entries. Used
// when a connection object is destroyed at disconnect.
func ClearObject(ctx context.Context, txn store.Txn, obj value.Oid) error {
	it := ListSlots(txn, obj, "")
	for {
		name, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := Clear(ctx, txn, obj, name); err != nil {
			return err
		}
	}
	return nil
}

func holdsVerb(ctx context.Context, txn store.Txn, obj value.Oid, name string) (bool, error) {
	raw, ok, err := txn.Get(ctx, SlotKey(obj, name))
	if err != nil {
		return false, fmt.Errorf("slots: read (%s, %q): %w", obj, name, err)
	}
	return ok && len(raw) > 0 && value.Kind(raw[0]) == value.KindVerb, nil
}

// VerbsByName scans the verb-by-name index for every object binding a
// verb under name, in oid order.
func VerbsByName(ctx context.Context, txn store.Txn, name string) ([]value.Oid, error) {
	prefix := value.NewTuple().AddString(tagVerbIx).AddString(name).Pack()
	kvs, err := txn.Range(ctx, prefix, value.PrefixEnd(prefix), 0)
	if err != nil {
		return nil, fmt.Errorf("slots: scan verb index %q: %w", name, err)
	}
	out := make([]value.Oid, 0, len(kvs))
	for _, kv := range kvs {
		elems, err := value.UnpackTuple(kv.Key)
		if err != nil || len(elems) != 3 {
			return nil, fmt.Errorf("slots: malformed verb index key: %w", err)
		}
		oid, ok := elems[2].(value.Oid)
		if !ok {
			return nil, fmt.Errorf("slots: verb index key missing oid element")
		}
		out = append(out, oid)
	}
	return out, nil
}
