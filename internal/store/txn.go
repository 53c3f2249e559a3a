package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/heysubinoy/pyazcart/pkg/kv"
)

// reader is the read view a transaction runs against.
type reader interface {
	get(ctx context.Context, coll, key string) (record, bool, error)
	scan(ctx context.Context, coll string) ([]kv.Entry, uint64, error)
}

// committer validates and applies a batch atomically.
type committer interface {
	commit(ctx context.Context, b *Batch) error
}

// stateReader serves reads from an immutable state.
type stateReader struct {
	st *state
}

func (r stateReader) get(_ context.Context, coll, key string) (record, bool, error) {
	rec, ok := r.st.lookup(coll, key)
	return rec, ok, nil
}

func (r stateReader) scan(_ context.Context, coll string) ([]kv.Entry, uint64, error) {
	entries, version := r.st.scan(coll)
	return entries, version, nil
}

type readKey struct {
	coll, key string
}

// txn buffers writes and records every observation so the backend can
// validate them at commit. It is shared by all backends in this package.
type txn struct {
	id       string
	writable bool
	r        reader
	c        committer

	mu     sync.Mutex
	done   bool
	reads  map[readKey]uint64
	scans  map[string]uint64
	writes map[string]map[string]Write
}

// Compile-time check to ensure txn implements kv.Tx.
var _ kv.Tx = (*txn)(nil)

func newTxn(writable bool, r reader, c committer) *txn {
	return &txn{
		id:       uuid.NewString(),
		writable: writable,
		r:        r,
		c:        c,
		reads:    make(map[readKey]uint64),
		scans:    make(map[string]uint64),
		writes:   make(map[string]map[string]Write),
	}
}

func (t *txn) ID() string     { return t.id }
func (t *txn) Writable() bool { return t.writable }

// Commit hands the batch to the backend. Transactions without writes commit
// trivially since there is nothing to make durable.
func (t *txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return kv.ErrTxDone
	}
	t.done = true

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit %s: %w", t.id, err)
	}
	if len(t.writes) == 0 {
		return nil
	}

	if err := t.c.commit(ctx, t.batch()); err != nil {
		if errors.Is(err, kv.ErrCommitFailed) || errors.Is(err, kv.ErrNotLeader) {
			return err
		}
		return fmt.Errorf("%w: %w", kv.ErrCommitFailed, err)
	}
	return nil
}

func (t *txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return kv.ErrTxDone
	}
	t.done = true
	t.writes = nil
	return nil
}

// batch builds a deterministic batch from the buffered state.
func (t *txn) batch() *Batch {
	b := &Batch{TxID: t.id}
	for rk, v := range t.reads {
		b.Reads = append(b.Reads, Read{Collection: rk.coll, Key: rk.key, Version: v})
	}
	sort.Slice(b.Reads, func(i, j int) bool {
		if b.Reads[i].Collection != b.Reads[j].Collection {
			return b.Reads[i].Collection < b.Reads[j].Collection
		}
		return b.Reads[i].Key < b.Reads[j].Key
	})
	for coll, v := range t.scans {
		b.Scans = append(b.Scans, Scan{Collection: coll, Version: v})
	}
	sort.Slice(b.Scans, func(i, j int) bool { return b.Scans[i].Collection < b.Scans[j].Collection })
	for _, ws := range t.writes {
		for _, w := range ws {
			b.Writes = append(b.Writes, w)
		}
	}
	sort.Slice(b.Writes, func(i, j int) bool {
		if b.Writes[i].Collection != b.Writes[j].Collection {
			return b.Writes[i].Collection < b.Writes[j].Collection
		}
		return b.Writes[i].Key < b.Writes[j].Key
	})
	return b
}

func (t *txn) check(ctx context.Context, write bool) error {
	if t.done {
		return kv.ErrTxDone
	}
	if write && !t.writable {
		return kv.ErrTxReadOnly
	}
	return ctx.Err()
}

// pending returns the buffered write for key, if any.
func (t *txn) pending(coll, key string) (Write, bool) {
	w, ok := t.writes[coll][key]
	return w, ok
}

func (t *txn) buffer(w Write) {
	ws, ok := t.writes[w.Collection]
	if !ok {
		ws = make(map[string]Write)
		t.writes[w.Collection] = ws
	}
	ws[w.Key] = w
}

func (t *txn) get(ctx context.Context, coll, key string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(ctx, false); err != nil {
		return nil, false, err
	}
	if w, ok := t.pending(coll, key); ok {
		if w.Delete {
			return nil, false, nil
		}
		return bytes.Clone(w.Value), true, nil
	}

	rec, ok, err := t.r.get(ctx, coll, key)
	if err != nil {
		return nil, false, err
	}
	rk := readKey{coll: coll, key: key}
	if _, seen := t.reads[rk]; !seen {
		t.reads[rk] = rec.version
	}
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(rec.value), true, nil
}

func (t *txn) upsert(ctx context.Context, coll, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(ctx, true); err != nil {
		return err
	}
	t.buffer(Write{Collection: coll, Key: key, Value: bytes.Clone(value)})
	return nil
}

// remove must observe the key so that the existence check and the delete
// commit together.
func (t *txn) remove(ctx context.Context, coll, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(ctx, true); err != nil {
		return false, err
	}

	var present bool
	if w, ok := t.pending(coll, key); ok {
		present = !w.Delete
	} else {
		rec, ok, err := t.r.get(ctx, coll, key)
		if err != nil {
			return false, err
		}
		rk := readKey{coll: coll, key: key}
		if _, seen := t.reads[rk]; !seen {
			t.reads[rk] = rec.version
		}
		present = ok
	}
	if present {
		t.buffer(Write{Collection: coll, Key: key, Delete: true})
	}
	return present, nil
}

func (t *txn) enumerate(ctx context.Context, coll string) ([]kv.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(ctx, false); err != nil {
		return nil, err
	}

	entries, version, err := t.r.scan(ctx, coll)
	if err != nil {
		return nil, err
	}
	if _, seen := t.scans[coll]; !seen {
		t.scans[coll] = version
	}

	ws := t.writes[coll]
	out := make([]kv.Entry, 0, len(entries)+len(ws))
	for _, e := range entries {
		if _, overlaid := ws[e.Key]; overlaid {
			continue
		}
		out = append(out, kv.Entry{Key: e.Key, Value: bytes.Clone(e.Value)})
	}
	if len(ws) == 0 {
		return out, nil
	}
	for _, w := range ws {
		if !w.Delete {
			out = append(out, kv.Entry{Key: w.Key, Value: bytes.Clone(w.Value)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// unwrapper is implemented by decorators around a backend transaction.
type unwrapper interface {
	Unwrap() kv.Tx
}

func asTxn(tx kv.Tx) (*txn, error) {
	for tx != nil {
		if t, ok := tx.(*txn); ok {
			return t, nil
		}
		u, ok := tx.(unwrapper)
		if !ok {
			break
		}
		tx = u.Unwrap()
	}
	return nil, fmt.Errorf("store: transaction %T was not started by this package", tx)
}

// collection is the kv.Collection handle shared by all backends.
// It holds no state beyond its name; all data flows through the transaction.
type collection struct {
	name string
}

// Compile-time check to ensure collection implements kv.Collection.
var _ kv.Collection = collection{}

func (c collection) Name() string { return c.name }

func (c collection) ContainsKey(ctx context.Context, tx kv.Tx, key string) (bool, error) {
	_, ok, err := c.Get(ctx, tx, key)
	return ok, err
}

func (c collection) Get(ctx context.Context, tx kv.Tx, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, kv.ErrInvalidKey
	}
	t, err := asTxn(tx)
	if err != nil {
		return nil, false, err
	}
	return t.get(ctx, c.name, key)
}

func (c collection) Upsert(ctx context.Context, tx kv.Tx, key string, value []byte) error {
	if key == "" {
		return kv.ErrInvalidKey
	}
	t, err := asTxn(tx)
	if err != nil {
		return err
	}
	return t.upsert(ctx, c.name, key, value)
}

func (c collection) Remove(ctx context.Context, tx kv.Tx, key string) (bool, error) {
	if key == "" {
		return false, kv.ErrInvalidKey
	}
	t, err := asTxn(tx)
	if err != nil {
		return false, err
	}
	return t.remove(ctx, c.name, key)
}

func (c collection) Enumerate(ctx context.Context, tx kv.Tx) ([]kv.Entry, error) {
	t, err := asTxn(tx)
	if err != nil {
		return nil, err
	}
	return t.enumerate(ctx, c.name)
}

// getOrCreate commits a collection creation through c unless it already exists.
func getOrCreate(ctx context.Context, exists func() (bool, error), c committer, name string) (kv.Collection, error) {
	if name == "" {
		return nil, kv.ErrInvalidKey
	}
	ok, err := exists()
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := c.commit(ctx, &Batch{TxID: uuid.NewString(), Creates: []string{name}}); err != nil {
			return nil, fmt.Errorf("create collection %q: %w", name, err)
		}
	}
	return collection{name: name}, nil
}
