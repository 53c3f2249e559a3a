package store

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Batch is everything a transaction needs validated and applied at commit time.
// It is the unit replicated through the raft log.
type Batch struct {
	TxID    string
	Creates []string
	Reads   []Read
	Scans   []Scan
	Writes  []Write
}

// Read records the version of a key observed by a transaction.
// Version 0 means the key was absent.
type Read struct {
	Collection string
	Key        string
	Version    uint64
}

// Scan records the collection version observed by an enumeration.
type Scan struct {
	Collection string
	Version    uint64
}

// Write is a buffered upsert or removal.
type Write struct {
	Collection string
	Key        string
	Value      []byte
	Delete     bool
}

// vanished reports whether a read that went stale can be ignored because its
// key is gone and b only removes keys, that one included. Committing b is
// then the same as running it after the removal that got there first.
func (b *Batch) vanished(r Read, current uint64) bool {
	if current != 0 || r.Version == 0 {
		return false
	}
	removes := false
	for _, w := range b.Writes {
		if !w.Delete {
			return false
		}
		if w.Collection == r.Collection && w.Key == r.Key {
			removes = true
		}
	}
	return removes
}

// Field numbers of the encoded batch. Keep them stable, raft logs outlive binaries.
const (
	batchTxID    protowire.Number = 1
	batchCreates protowire.Number = 2
	batchReads   protowire.Number = 3
	batchScans   protowire.Number = 4
	batchWrites  protowire.Number = 5

	readCollectionField protowire.Number = 1
	readKeyField        protowire.Number = 2
	readVersionField    protowire.Number = 3

	writeCollection protowire.Number = 1
	writeKey        protowire.Number = 2
	writeValue      protowire.Number = 3
	writeDelete     protowire.Number = 4
)

// MarshalBatch encodes b in protobuf wire format.
func MarshalBatch(b *Batch) []byte {
	var out []byte
	if b.TxID != "" {
		out = protowire.AppendTag(out, batchTxID, protowire.BytesType)
		out = protowire.AppendString(out, b.TxID)
	}
	for _, name := range b.Creates {
		out = protowire.AppendTag(out, batchCreates, protowire.BytesType)
		out = protowire.AppendString(out, name)
	}
	for _, r := range b.Reads {
		var m []byte
		m = appendString(m, readCollectionField, r.Collection)
		m = appendString(m, readKeyField, r.Key)
		m = appendVarint(m, readVersionField, r.Version)
		out = protowire.AppendTag(out, batchReads, protowire.BytesType)
		out = protowire.AppendBytes(out, m)
	}
	for _, s := range b.Scans {
		var m []byte
		m = appendString(m, readCollectionField, s.Collection)
		m = appendVarint(m, readVersionField, s.Version)
		out = protowire.AppendTag(out, batchScans, protowire.BytesType)
		out = protowire.AppendBytes(out, m)
	}
	for _, w := range b.Writes {
		var m []byte
		m = appendString(m, writeCollection, w.Collection)
		m = appendString(m, writeKey, w.Key)
		if w.Delete {
			m = appendVarint(m, writeDelete, protowire.EncodeBool(true))
		} else {
			m = protowire.AppendTag(m, writeValue, protowire.BytesType)
			m = protowire.AppendBytes(m, w.Value)
		}
		out = protowire.AppendTag(out, batchWrites, protowire.BytesType)
		out = protowire.AppendBytes(out, m)
	}
	return out
}

// UnmarshalBatch decodes a batch produced by MarshalBatch. Unknown fields are skipped.
func UnmarshalBatch(data []byte) (*Batch, error) {
	b := &Batch{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		raw, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return n, nil
		}
		switch num {
		case batchTxID:
			b.TxID = string(raw)
		case batchCreates:
			b.Creates = append(b.Creates, string(raw))
		case batchReads:
			r, err := unmarshalRead(raw)
			if err != nil {
				return 0, err
			}
			b.Reads = append(b.Reads, r)
		case batchScans:
			r, err := unmarshalRead(raw)
			if err != nil {
				return 0, err
			}
			b.Scans = append(b.Scans, Scan{Collection: r.Collection, Version: r.Version})
		case batchWrites:
			w, err := unmarshalWrite(raw)
			if err != nil {
				return 0, err
			}
			b.Writes = append(b.Writes, w)
		default:
			return 0, nil
		}
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return b, nil
}

func unmarshalRead(data []byte) (Read, error) {
	var r Read
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == readCollectionField && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			r.Collection = s
			return n, nil
		case num == readKeyField && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			r.Key = s
			return n, nil
		case num == readVersionField && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			r.Version = x
			return n, nil
		}
		return 0, nil
	})
	return r, err
}

func unmarshalWrite(data []byte) (Write, error) {
	var w Write
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == writeCollection && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			w.Collection = s
			return n, nil
		case num == writeKey && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			w.Key = s
			return n, nil
		case num == writeValue && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(v)
			w.Value = append([]byte{}, b...)
			return n, nil
		case num == writeDelete && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			w.Delete = protowire.DecodeBool(x)
			return n, nil
		}
		return 0, nil
	})
	return w, err
}

// walkFields calls fn for every field in data. fn returns how many bytes of the
// value it consumed; 0 means the field is unknown and is skipped.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
