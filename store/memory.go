package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store with optimistic concurrency. Every
// committed write bumps a global sequence number; a transaction records
// the sequence it started at plus every key and key window it read, and
// Commit validates that nothing it read moved past that sequence.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]memEntry
	seq    uint64
	closed bool
}

type memEntry struct {
	val     []byte
	ver     uint64
	deleted bool // tombstone keeps the version visible to validators
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memEntry)}
}

// Begin opens a transaction at the current commit sequence.
func (s *MemoryStore) Begin(ctx context.Context) (Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &memTxn{
		store:    s,
		snapshot: s.seq,
		reads:    make(map[string]struct{}),
		writes:   make(map[string]memWrite),
	}, nil
}

// Close marks the store closed. Outstanding transactions fail on their
// next operation.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of live keys. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.data {
		if !e.deleted {
			n++
		}
	}
	return n
}

type memWrite struct {
	val     []byte
	deleted bool
}

type memTxn struct {
	store    *MemoryStore
	snapshot uint64
	reads    map[string]struct{}
	ranges   []rangeRead
	writes   map[string]memWrite
	order    []string // write keys in first-write order
	done     bool
}

func (t *memTxn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if t.done {
		return nil, false, ErrTxnDone
	}
	k := string(key)
	if w, ok := t.writes[k]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return cloneBytes(w.val), true, nil
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.closed {
		return nil, false, ErrClosed
	}
	t.reads[k] = struct{}{}
	e, ok := t.store.data[k]
	if !ok || e.deleted {
		return nil, false, nil
	}
	return cloneBytes(e.val), true, nil
}

func (t *memTxn) Set(key, val []byte) {
	t.put(string(key), memWrite{val: cloneBytes(val)})
}

func (t *memTxn) Clear(key []byte) {
	t.put(string(key), memWrite{deleted: true})
}

func (t *memTxn) ClearRange(begin, end []byte) {
	if t.done {
		return
	}
	// Deleting a range requires knowing which keys exist, which is a
	// read: record the window so commit validation catches inserts.
	t.store.mu.Lock()
	keys := t.store.keysInLocked(begin, end)
	t.store.mu.Unlock()
	t.ranges = append(t.ranges, rangeRead{begin: cloneBytes(begin), end: cloneBytes(end)})
	for _, k := range keys {
		t.put(k, memWrite{deleted: true})
	}
	for k := range t.writes {
		if inWindow([]byte(k), rangeRead{begin: begin, end: end}) {
			t.put(k, memWrite{deleted: true})
		}
	}
}

func (t *memTxn) put(k string, w memWrite) {
	if t.done {
		return
	}
	if _, seen := t.writes[k]; !seen {
		t.order = append(t.order, k)
	}
	t.writes[k] = w
}

func (t *memTxn) Range(ctx context.Context, begin, end []byte, limit int) ([]KV, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	t.store.mu.Lock()
	if t.store.closed {
		t.store.mu.Unlock()
		return nil, ErrClosed
	}
	keys := t.store.keysInLocked(begin, end)
	merged := make(map[string][]byte, len(keys))
	for _, k := range keys {
		merged[k] = cloneBytes(t.store.data[k].val)
	}
	t.store.mu.Unlock()

	t.ranges = append(t.ranges, rangeRead{begin: cloneBytes(begin), end: cloneBytes(end)})

	// Overlay this transaction's own writes inside the window.
	for k, w := range t.writes {
		if !inWindow([]byte(k), rangeRead{begin: begin, end: end}) {
			continue
		}
		if w.deleted {
			delete(merged, k)
		} else {
			merged[k] = cloneBytes(w.val)
		}
	}

	sorted := make([]string, 0, len(merged))
	for k := range merged {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]KV, 0, len(sorted))
	for _, k := range sorted {
		out = append(out, KV{Key: []byte(k), Val: merged[k]})
	}
	return out, nil
}

func (t *memTxn) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.closed {
		return ErrClosed
	}

	// Validate point reads: any read key committed past our snapshot is
	// a conflict. This also catches write-write races, since every
	// adapter write is preceded by reads under the same transaction.
	for k := range t.reads {
		if e, ok := t.store.data[k]; ok && e.ver > t.snapshot {
			return ErrConflict
		}
	}
	// Validate write set against concurrent writers directly: two blind
	// writes to the same key must not both commit.
	for k := range t.writes {
		if e, ok := t.store.data[k]; ok && e.ver > t.snapshot {
			return ErrConflict
		}
	}
	// Validate scanned windows against inserts and updates.
	for _, w := range t.ranges {
		for k, e := range t.store.data {
			if e.ver > t.snapshot && inWindow([]byte(k), w) {
				return ErrConflict
			}
		}
	}

	t.store.seq++
	ver := t.store.seq
	for _, k := range t.order {
		w := t.writes[k]
		t.store.data[k] = memEntry{val: w.val, ver: ver, deleted: w.deleted}
	}
	return nil
}

func (t *memTxn) Cancel() {
	t.done = true
}

// keysInLocked returns the committed keys in [begin, end), unsorted.
// Caller holds s.mu.
func (s *MemoryStore) keysInLocked(begin, end []byte) []string {
	w := rangeRead{begin: begin, end: end}
	var keys []string
	for k, e := range s.data {
		if !e.deleted && inWindow([]byte(k), w) {
			keys = append(keys, k)
		}
	}
	return keys
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
