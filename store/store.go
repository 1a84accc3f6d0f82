// Package store provides the key-range transactional store the engine
// runs against: ordered byte-string keys and values, snapshot reads, and
// optimistic conflict detection at commit time. Two backends are
// provided: an in-memory store and a SQLite-durable store. Both present
// identical commit semantics so the transaction coordinator can retry
// conflicts without caring which backend is underneath.
package store

import (
	"context"
	"errors"
)

var (
	// ErrConflict is returned by Commit when the transaction's reads or
	// writes overlap a concurrently committed transaction.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrTxnDone is returned when a transaction is used after Commit or
	// Cancel.
	ErrTxnDone = errors.New("store: transaction already finished")

	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store: closed")
)

// KV is one key/value pair returned from a range scan.
type KV struct {
	Key []byte
	Val []byte
}

// Txn is a single transaction. Reads observe the committed state as of
// the transaction's start plus the transaction's own writes. Writes are
// buffered until Commit. Txn implementations are not safe for concurrent
// use; one verb invocation owns one Txn at a time.
type Txn interface {
	// Get returns the value for key. ok is false if the key is absent.
	Get(ctx context.Context, key []byte) (val []byte, ok bool, err error)

	// Set buffers a write of key to val.
	Set(key, val []byte)

	// Clear buffers a deletion of key.
	Clear(key []byte)

	// ClearRange buffers deletion of all keys in [begin, end).
	ClearRange(begin, end []byte)

	// Range returns up to limit pairs with keys in [begin, end), in
	// ascending key order. limit <= 0 means no limit. A nil end means
	// "no upper bound".
	Range(ctx context.Context, begin, end []byte, limit int) ([]KV, error)

	// Commit atomically applies the buffered writes. It returns
	// ErrConflict if a concurrently committed transaction invalidated
	// this transaction's reads or wrote an overlapping key.
	Commit(ctx context.Context) error

	// Cancel abandons the transaction. Safe to call after Commit.
	Cancel()
}

// Store opens transactions. Implementations must be safe for concurrent
// Begin from many goroutines.
type Store interface {
	Begin(ctx context.Context) (Txn, error)
	Close() error
}

// rangeRead records a scanned key window for commit-time validation.
// Tracking the window rather than just the returned keys catches
// phantoms: a key inserted into the window by another transaction.
type rangeRead struct {
	begin []byte
	end   []byte // nil = unbounded
}

func inWindow(key []byte, w rangeRead) bool {
	if compareKeys(key, w.begin) < 0 {
		return false
	}
	return w.end == nil || compareKeys(key, w.end) < 0
}

func compareKeys(a, b []byte) int {
	la, lb := len(a), len(b)
	n := la
	if lb < n {
		n = lb
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case la < lb:
		return -1
	case la > lb:
		return 1
	}
	return 0
}
