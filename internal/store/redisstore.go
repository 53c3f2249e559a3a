package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/heysubinoy/pyazcart/pkg/kv"
)

// RedisStore keeps collections in Redis hashes and runs optimistic
// transactions with WATCH/MULTI.
//
// Layout for collection c under prefix p:
//
//	p:c        hash  key -> value
//	p:c:ver    hash  key -> version of the last write
//	p:c:cver   string version of the last write to any key
//	p:collections set of collection names
//	p:seq      commit sequence
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Compile-time check to ensure RedisStore implements kv.Store.
var _ kv.Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. Keys are namespaced by prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pyazcart"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) dataKey(coll string) string    { return s.prefix + ":" + coll }
func (s *RedisStore) versionKey(coll string) string { return s.prefix + ":" + coll + ":ver" }
func (s *RedisStore) collVerKey(coll string) string { return s.prefix + ":" + coll + ":cver" }
func (s *RedisStore) collectionsKey() string        { return s.prefix + ":collections" }
func (s *RedisStore) seqKey() string                { return s.prefix + ":seq" }

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", kv.ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) GetOrCreate(ctx context.Context, name string) (kv.Collection, error) {
	exists := func() (bool, error) {
		ok, err := s.client.SIsMember(ctx, s.collectionsKey(), name).Result()
		if err != nil {
			return false, fmt.Errorf("%w: %w", kv.ErrUnavailable, err)
		}
		return ok, nil
	}
	return getOrCreate(ctx, exists, s, name)
}

func (s *RedisStore) Begin(ctx context.Context, writable bool) (kv.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newTxn(writable, redisReader{s: s}, s), nil
}

// redisReader reads live data. Each call is atomic on its own; consistency
// across calls comes from validating the recorded versions at commit.
type redisReader struct {
	s *RedisStore
}

func (r redisReader) get(ctx context.Context, coll, key string) (record, bool, error) {
	var val, ver *redis.StringCmd
	_, err := r.s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		val = pipe.HGet(ctx, r.s.dataKey(coll), key)
		ver = pipe.HGet(ctx, r.s.versionKey(coll), key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return record{}, false, fmt.Errorf("%w: %w", kv.ErrUnavailable, err)
	}

	value, err := val.Bytes()
	if errors.Is(err, redis.Nil) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, fmt.Errorf("%w: %w", kv.ErrUnavailable, err)
	}
	version, err := parseVersion(ver)
	if err != nil {
		return record{}, false, err
	}
	return record{value: value, version: version}, true, nil
}

func (r redisReader) scan(ctx context.Context, coll string) ([]kv.Entry, uint64, error) {
	var all *redis.StringStringMapCmd
	var cver *redis.StringCmd
	_, err := r.s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		all = pipe.HGetAll(ctx, r.s.dataKey(coll))
		cver = pipe.Get(ctx, r.s.collVerKey(coll))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("%w: %w", kv.ErrUnavailable, err)
	}

	version, err := parseVersion(cver)
	if err != nil {
		return nil, 0, err
	}
	m := all.Val()
	entries := make([]kv.Entry, 0, len(m))
	for k, v := range m {
		entries = append(entries, kv.Entry{Key: k, Value: []byte(v)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, version, nil
}

func parseVersion(cmd *redis.StringCmd) (uint64, error) {
	v, err := cmd.Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: bad version: %w", kv.ErrUnavailable, err)
	}
	return v, nil
}

func (s *RedisStore) commit(ctx context.Context, b *Batch) error {
	watched := s.watchKeys(b)

	validate := func(tx *redis.Tx) error {
		for _, rd := range b.Reads {
			v, err := parseVersion(tx.HGet(ctx, s.versionKey(rd.Collection), rd.Key))
			if err != nil {
				return err
			}
			if v != rd.Version && !b.vanished(rd, v) {
				return conflictf("key %q in %q changed", rd.Key, rd.Collection)
			}
		}
		for _, sc := range b.Scans {
			v, err := parseVersion(tx.Get(ctx, s.collVerKey(sc.Collection)))
			if err != nil {
				return err
			}
			if v != sc.Version {
				return conflictf("collection %q changed", sc.Collection)
			}
		}
		return nil
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		if err := validate(tx); err != nil {
			return err
		}
		seq, err := tx.Incr(ctx, s.seqKey()).Uint64()
		if err != nil {
			return fmt.Errorf("%w: %w", kv.ErrUnavailable, err)
		}
		version := strconv.FormatUint(seq, 10)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, name := range b.Creates {
				pipe.SAdd(ctx, s.collectionsKey(), name)
			}
			touched := make(map[string]bool)
			for _, w := range b.Writes {
				if w.Delete {
					pipe.HDel(ctx, s.dataKey(w.Collection), w.Key)
					pipe.HDel(ctx, s.versionKey(w.Collection), w.Key)
				} else {
					pipe.HSet(ctx, s.dataKey(w.Collection), w.Key, w.Value)
					pipe.HSet(ctx, s.versionKey(w.Collection), w.Key, version)
				}
				touched[w.Collection] = true
			}
			for coll := range touched {
				pipe.SAdd(ctx, s.collectionsKey(), coll)
				pipe.Set(ctx, s.collVerKey(coll), version, 0)
			}
			return nil
		})
		return err
	}, watched...)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return conflictf("watched keys changed during commit of %s", b.TxID)
	case errors.Is(err, kv.ErrCommitFailed), errors.Is(err, kv.ErrUnavailable):
		return err
	}
	return fmt.Errorf("%w: %w", kv.ErrUnavailable, err)
}

func (s *RedisStore) watchKeys(b *Batch) []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, rd := range b.Reads {
		add(s.versionKey(rd.Collection))
	}
	for _, sc := range b.Scans {
		add(s.collVerKey(sc.Collection))
	}
	for _, w := range b.Writes {
		add(s.versionKey(w.Collection))
		add(s.collVerKey(w.Collection))
	}
	return keys
}
