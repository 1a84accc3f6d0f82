package slots

import (
	"context"
	"fmt"

	"github.com/chazu/burrow/pkg/value"
	"github.com/chazu/burrow/store"
)

// listBatch is how many keys one underlying range call fetches.
const listBatch = 64

// Iterator yields slot names lazily in name order. It pages through the
// key range in batches, so a listing over a large object does not
// materialize every name at once. Iterators are single-use; call
// ListSlots again to restart.
type Iterator struct {
	txn    store.Txn
	next   []byte // begin key of the next batch
	end    []byte
	buf    []string
	pos    int
	done   bool
}

// ListSlots returns an iterator over the names of obj's slots whose
// name starts with prefix, ordered by name.
func ListSlots(txn store.Txn, obj value.Oid, prefix string) *Iterator {
	begin := slotPrefix(obj, prefix)
	return &Iterator{
		txn:  txn,
		next: begin,
		end:  value.PrefixEnd(begin),
	}
}

// Next returns the next slot name. ok is false once the listing is
// exhausted.
func (it *Iterator) Next(ctx context.Context) (name string, ok bool, err error) {
	if it.pos < len(it.buf) {
		name = it.buf[it.pos]
		it.pos++
		return name, true, nil
	}
	if it.done {
		return "", false, nil
	}
	if err := it.fill(ctx); err != nil {
		return "", false, err
	}
	if len(it.buf) == 0 {
		return "", false, nil
	}
	it.pos = 1
	return it.buf[0], true, nil
}

// Collect drains the iterator into a slice.
func (it *Iterator) Collect(ctx context.Context) ([]string, error) {
	var out []string
	for {
		name, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, name)
	}
}

func (it *Iterator) fill(ctx context.Context) error {
	it.buf = it.buf[:0]
	it.pos = 0

	kvs, err := it.txn.Range(ctx, it.next, it.end, listBatch)
	if err != nil {
		return fmt.Errorf("slots: list: %w", err)
	}
	if len(kvs) < listBatch {
		it.done = true
	}
	for _, kv := range kvs {
		elems, err := value.UnpackTuple(kv.Key)
		if err != nil || len(elems) != 3 {
			return fmt.Errorf("slots: malformed slot key in listing: %w", err)
		}
		name, ok := elems[2].(string)
		if !ok {
			return fmt.Errorf("slots: slot key missing name element")
		}
		it.buf = append(it.buf, name)
	}
	if len(kvs) > 0 {
		// Resume immediately after the last key seen.
		last := kvs[len(kvs)-1].Key
		it.next = append(append([]byte{}, last...), 0x00)
	}
	return nil
}
