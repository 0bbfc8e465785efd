// Package redisstore persists telemetry records in Redis. Each record is a
// msgpack blob under "<prefix>:record:<id>", ids come from INCR on
// "<prefix>:records:seq" and a sorted set "<prefix>:records" keeps them in
// insertion order for listing.
package redisstore

import (
	"context"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/xerrors"

	"roadwatch/internal/data"
	"roadwatch/internal/store"
)

const DefaultPrefix = "roadwatch"

type Store struct {
	rdb    *redis.Client
	prefix string
}

var _ store.Store = (*Store)(nil)

// Open parses a redis:// URL and returns a Store using a new client.
func Open(url, prefix string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, xerrors.Errorf("parse redis URL: %w", err)
	}
	return New(redis.NewClient(opt), prefix), nil
}

// New wraps an existing client. An empty prefix selects DefaultPrefix.
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Client exposes the underlying client so the journal can share its pool.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

func (s *Store) seqKey() string   { return s.prefix + ":records:seq" }
func (s *Store) indexKey() string { return s.prefix + ":records" }

func (s *Store) recordKey(id int64) string {
	return s.prefix + ":record:" + strconv.FormatInt(id, 10)
}

func (s *Store) Insert(ctx context.Context, rec data.CanonicalRecord) (data.StoredRecord, error) {
	id, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return data.StoredRecord{}, store.Wrap("insert", xerrors.Errorf("allocate id: %w", err))
	}
	stored := data.StoredRecord{ID: id, CanonicalRecord: rec}
	blob, err := msgpack.Marshal(&stored)
	if err != nil {
		return data.StoredRecord{}, store.Wrap("insert", xerrors.Errorf("encode record: %w", err))
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(id), blob, 0)
		pipe.ZAdd(ctx, s.indexKey(), &redis.Z{Score: float64(id), Member: id})
		return nil
	})
	if err != nil {
		return data.StoredRecord{}, store.Wrap("insert", err)
	}
	return normalize(stored), nil
}

func (s *Store) Get(ctx context.Context, id int64) (data.StoredRecord, error) {
	blob, err := s.rdb.Get(ctx, s.recordKey(id)).Bytes()
	if xerrors.Is(err, redis.Nil) {
		return data.StoredRecord{}, store.ErrNotFound
	}
	if err != nil {
		return data.StoredRecord{}, store.Wrap("get", err)
	}
	rec, err := decode(blob)
	return rec, store.Wrap("get", err)
}

func (s *Store) Update(ctx context.Context, id int64, rec data.CanonicalRecord) (data.StoredRecord, error) {
	stored := data.StoredRecord{ID: id, CanonicalRecord: rec}
	blob, err := msgpack.Marshal(&stored)
	if err != nil {
		return data.StoredRecord{}, store.Wrap("update", xerrors.Errorf("encode record: %w", err))
	}
	key := s.recordKey(id)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, blob, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return data.StoredRecord{}, store.Wrap("update", err)
	}
	return normalize(stored), nil
}

func (s *Store) Delete(ctx context.Context, id int64) (data.StoredRecord, error) {
	var deleted data.StoredRecord
	key := s.recordKey(id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		blob, err := tx.Get(ctx, key).Bytes()
		if xerrors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		deleted, err = decode(blob)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.indexKey(), id)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return data.StoredRecord{}, store.Wrap("delete", err)
	}
	return deleted, nil
}

func (s *Store) List(ctx context.Context) ([]data.StoredRecord, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, store.Wrap("list", err)
	}
	records := make([]data.StoredRecord, 0, len(ids))
	if len(ids) == 0 {
		return records, nil
	}
	keys := make([]string, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, store.Wrap("list", xerrors.Errorf("index member %q: %w", raw, err))
		}
		keys = append(keys, s.recordKey(id))
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, store.Wrap("list", err)
	}
	for _, v := range values {
		// Deleted between ZRANGE and MGET.
		blob, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode([]byte(blob))
		if err != nil {
			return nil, store.Wrap("list", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Wrap("ping", s.rdb.Ping(ctx).Err())
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func decode(blob []byte) (data.StoredRecord, error) {
	var rec data.StoredRecord
	if err := msgpack.Unmarshal(blob, &rec); err != nil {
		return data.StoredRecord{}, xerrors.Errorf("decode record: %w", err)
	}
	return normalize(rec), nil
}

// msgpack keeps the instant but not the zone; records always come back in UTC.
func normalize(rec data.StoredRecord) data.StoredRecord {
	rec.Timestamp = rec.Timestamp.UTC()
	return rec
}
