package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store backed by a single SQLite database.
// SQLite serializes writers, so the optimistic protocol runs above it:
// every row carries the commit sequence that last wrote it, reads record
// what they saw, and Commit re-checks those versions inside one SQL
// transaction before applying the write set.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store: sqlite path is required")
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	// A single connection keeps BEGIN IMMEDIATE semantics simple.
	db.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			k    BLOB PRIMARY KEY,
			v    BLOB NOT NULL,
			ver  INTEGER NOT NULL,
			dead INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID`,
		`CREATE TABLE IF NOT EXISTS meta (
			id  INTEGER PRIMARY KEY CHECK (id = 0),
			seq INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO meta (id, seq) VALUES (0, 0)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: init schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Begin opens a transaction at the current commit sequence.
func (s *SQLiteStore) Begin(ctx context.Context) (Txn, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM meta WHERE id = 0`).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("store: read commit sequence: %w", err)
	}
	return &sqliteTxn{
		store:    s,
		snapshot: seq,
		reads:    make(map[string]struct{}),
		writes:   make(map[string]memWrite),
	}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTxn struct {
	store    *SQLiteStore
	snapshot uint64
	reads    map[string]struct{}
	ranges   []rangeRead
	writes   map[string]memWrite
	order    []string
	done     bool
	err      error // deferred buffering failure, surfaced at Commit
}

func (t *sqliteTxn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
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
	t.reads[k] = struct{}{}

	var val []byte
	err := t.store.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ? AND dead = 0`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get: %w", err)
	}
	return val, true, nil
}

func (t *sqliteTxn) Set(key, val []byte) {
	t.put(string(key), memWrite{val: cloneBytes(val)})
}

func (t *sqliteTxn) Clear(key []byte) {
	t.put(string(key), memWrite{deleted: true})
}

func (t *sqliteTxn) ClearRange(begin, end []byte) {
	if t.done {
		return
	}
	// Record the window before scanning so commit validation fences it
	// even if the scan below fails.
	t.ranges = append(t.ranges, rangeRead{begin: cloneBytes(begin), end: cloneBytes(end)})
	// ClearRange buffers like Set and Clear and so carries no caller
	// context; the scan failure, if any, fails the whole transaction at
	// Commit.
	kvs, err := t.scan(context.Background(), begin, end, 0)
	if err != nil {
		if t.err == nil {
			t.err = fmt.Errorf("store: clear range: %w", err)
		}
		return
	}
	for _, kv := range kvs {
		t.put(string(kv.Key), memWrite{deleted: true})
	}
	for k := range t.writes {
		if inWindow([]byte(k), rangeRead{begin: begin, end: end}) {
			t.put(k, memWrite{deleted: true})
		}
	}
}

func (t *sqliteTxn) put(k string, w memWrite) {
	if t.done {
		return
	}
	if _, seen := t.writes[k]; !seen {
		t.order = append(t.order, k)
	}
	t.writes[k] = w
}

func (t *sqliteTxn) Range(ctx context.Context, begin, end []byte, limit int) ([]KV, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	kvs, err := t.scan(ctx, begin, end, 0)
	if err != nil {
		return nil, err
	}
	t.ranges = append(t.ranges, rangeRead{begin: cloneBytes(begin), end: cloneBytes(end)})

	merged := make(map[string][]byte, len(kvs))
	for _, kv := range kvs {
		merged[string(kv.Key)] = kv.Val
	}
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

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, KV{Key: []byte(k), Val: merged[k]})
	}
	return out, nil
}

func (t *sqliteTxn) scan(ctx context.Context, begin, end []byte, limit int) ([]KV, error) {
	q := `SELECT k, v FROM kv WHERE dead = 0 AND k >= ?`
	args := []any{begin}
	if end != nil {
		q += ` AND k < ?`
		args = append(args, end)
	}
	q += ` ORDER BY k`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := t.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: range: %w", err)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: range scan: %w", err)
		}
		out = append(out, KV{Key: k, Val: v})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: range rows: %w", err)
	}
	return out, nil
}

func (t *sqliteTxn) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	if t.err != nil {
		return t.err
	}

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin commit: %w", err)
	}
	defer tx.Rollback()

	// Validate point reads and the write set.
	check := make(map[string]struct{}, len(t.reads)+len(t.writes))
	for k := range t.reads {
		check[k] = struct{}{}
	}
	for k := range t.writes {
		check[k] = struct{}{}
	}
	for k := range check {
		var ver uint64
		err := tx.QueryRowContext(ctx, `SELECT ver FROM kv WHERE k = ?`, []byte(k)).Scan(&ver)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("store: validate read: %w", err)
		}
		if ver > t.snapshot {
			return ErrConflict
		}
	}
	// Validate scanned windows.
	for _, w := range t.ranges {
		q := `SELECT COUNT(*) FROM kv WHERE ver > ? AND k >= ?`
		args := []any{t.snapshot, w.begin}
		if w.end != nil {
			q += ` AND k < ?`
			args = append(args, w.end)
		}
		var n int
		if err := tx.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
			return fmt.Errorf("store: validate range: %w", err)
		}
		if n > 0 {
			return ErrConflict
		}
	}

	var seq uint64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM meta WHERE id = 0`).Scan(&seq); err != nil {
		return fmt.Errorf("store: bump sequence: %w", err)
	}
	seq++
	if _, err := tx.ExecContext(ctx, `UPDATE meta SET seq = ? WHERE id = 0`, seq); err != nil {
		return fmt.Errorf("store: bump sequence: %w", err)
	}

	for _, k := range t.order {
		w := t.writes[k]
		dead := 0
		val := w.val
		if val == nil {
			val = []byte{}
		}
		if w.deleted {
			// Tombstone rather than delete so validators can still see
			// the version that removed the key.
			dead = 1
			val = []byte{}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv (k, v, ver, dead) VALUES (?, ?, ?, ?)
			 ON CONFLICT(k) DO UPDATE SET v = excluded.v, ver = excluded.ver, dead = excluded.dead`,
			[]byte(k), val, seq, dead)
		if err != nil {
			return fmt.Errorf("store: apply write: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (t *sqliteTxn) Cancel() {
	t.done = true
}
