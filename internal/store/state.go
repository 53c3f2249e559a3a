package store

import (
	"fmt"
	"maps"

	iradix "github.com/hashicorp/go-immutable-radix"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/heysubinoy/pyazcart/pkg/kv"
)

// record is the value stored in a table's radix tree.
type record struct {
	value   []byte
	version uint64
}

// table is one collection. The tree is immutable; writers build a new one.
type table struct {
	tree    *iradix.Tree
	version uint64
}

// state is an immutable view of every collection. A *state handed out to a
// reader never changes, which gives transactions a consistent snapshot for free.
type state struct {
	seq    uint64
	tables map[string]table
}

func newState() *state {
	return &state{tables: make(map[string]table)}
}

func (s *state) has(coll string) bool {
	_, ok := s.tables[coll]
	return ok
}

func (s *state) lookup(coll, key string) (record, bool) {
	t, ok := s.tables[coll]
	if !ok {
		return record{}, false
	}
	v, ok := t.tree.Get([]byte(key))
	if !ok {
		return record{}, false
	}
	return v.(record), true
}

// scan returns the collection's entries in key order along with its version.
func (s *state) scan(coll string) ([]kv.Entry, uint64) {
	t, ok := s.tables[coll]
	if !ok {
		return nil, 0
	}
	entries := make([]kv.Entry, 0, t.tree.Len())
	t.tree.Root().Walk(func(k []byte, v interface{}) bool {
		entries = append(entries, kv.Entry{Key: string(k), Value: v.(record).value})
		return false
	})
	return entries, t.version
}

// apply validates b against s and returns the state with b's writes applied.
// s itself is left untouched, so a rejected batch has no effect.
func (s *state) apply(b *Batch) (*state, error) {
	for _, r := range b.Reads {
		var current uint64
		if rec, ok := s.lookup(r.Collection, r.Key); ok {
			current = rec.version
		}
		if current != r.Version && !b.vanished(r, current) {
			return nil, conflictf("key %q in %q changed", r.Key, r.Collection)
		}
	}
	for _, sc := range b.Scans {
		if s.tables[sc.Collection].version != sc.Version {
			return nil, conflictf("collection %q changed", sc.Collection)
		}
	}

	next := &state{seq: s.seq + 1, tables: maps.Clone(s.tables)}
	if next.tables == nil {
		next.tables = make(map[string]table)
	}
	for _, name := range b.Creates {
		if _, ok := next.tables[name]; !ok {
			next.tables[name] = table{tree: iradix.New()}
		}
	}

	txns := make(map[string]*iradix.Txn)
	for _, w := range b.Writes {
		txn, ok := txns[w.Collection]
		if !ok {
			t, exists := next.tables[w.Collection]
			if !exists {
				t = table{tree: iradix.New()}
			}
			txn = t.tree.Txn()
			txns[w.Collection] = txn
		}
		if w.Delete {
			txn.Delete([]byte(w.Key))
			continue
		}
		txn.Insert([]byte(w.Key), record{value: w.Value, version: next.seq})
	}
	for name, txn := range txns {
		next.tables[name] = table{tree: txn.Commit(), version: next.seq}
	}
	return next, nil
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", kv.ErrCommitFailed, kv.ErrConflict, fmt.Sprintf(format, args...))
}

// Snapshot encoding fields.
const (
	stateSeq   protowire.Number = 1
	stateTable protowire.Number = 2

	tableName    protowire.Number = 1
	tableVersion protowire.Number = 2
	tableEntry   protowire.Number = 3

	entryKey     protowire.Number = 1
	entryValue   protowire.Number = 2
	entryVersion protowire.Number = 3
)

func marshalState(s *state) []byte {
	var out []byte
	out = appendVarint(out, stateSeq, s.seq)
	for name, t := range s.tables {
		var tb []byte
		tb = protowire.AppendTag(tb, tableName, protowire.BytesType)
		tb = protowire.AppendString(tb, name)
		tb = appendVarint(tb, tableVersion, t.version)
		t.tree.Root().Walk(func(k []byte, v interface{}) bool {
			rec := v.(record)
			var eb []byte
			eb = protowire.AppendTag(eb, entryKey, protowire.BytesType)
			eb = protowire.AppendBytes(eb, k)
			eb = protowire.AppendTag(eb, entryValue, protowire.BytesType)
			eb = protowire.AppendBytes(eb, rec.value)
			eb = appendVarint(eb, entryVersion, rec.version)
			tb = protowire.AppendTag(tb, tableEntry, protowire.BytesType)
			tb = protowire.AppendBytes(tb, eb)
			return false
		})
		out = protowire.AppendTag(out, stateTable, protowire.BytesType)
		out = protowire.AppendBytes(out, tb)
	}
	return out
}

func unmarshalState(data []byte) (*state, error) {
	s := newState()
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == stateSeq && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			s.seq = x
			return n, nil
		case num == stateTable && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			name, t, err := unmarshalTable(raw)
			if err != nil {
				return 0, err
			}
			s.tables[name] = t
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

func unmarshalTable(data []byte) (string, table, error) {
	var name string
	t := table{}
	txn := iradix.New().Txn()
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == tableName && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			name = s
			return n, nil
		case num == tableVersion && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			t.version = x
			return n, nil
		case num == tableEntry && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			key, rec, err := unmarshalEntry(raw)
			if err != nil {
				return 0, err
			}
			txn.Insert(key, rec)
			return n, nil
		}
		return 0, nil
	})
	t.tree = txn.Commit()
	return name, t, err
}

func unmarshalEntry(data []byte) ([]byte, record, error) {
	var key []byte
	var rec record
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == entryKey && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(v)
			key = append([]byte{}, b...)
			return n, nil
		case num == entryValue && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(v)
			rec.value = append([]byte{}, b...)
			return n, nil
		case num == entryVersion && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			rec.version = x
			return n, nil
		}
		return 0, nil
	})
	return key, rec, err
}
