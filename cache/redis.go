package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStorage keeps stores in Redis, so that several proxy instances
// can share one set of stores.
//
// Store names live in a sorted set (scored by creation time),
// entries of a store in one hash per store.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

type RedisStorageOpts struct {
	// Client cannot be nil.
	Client *redis.Client
	// Prefix for all keys written by the storage. Default is "shellcache".
	Prefix string
}

func NewRedisStorage(opts RedisStorageOpts) (*RedisStorage, error) {
	if opts.Client == nil {
		return nil, errors.New("nil redis client")
	}
	if opts.Prefix == "" {
		opts.Prefix = "shellcache"
	}
	return &RedisStorage{client: opts.Client, prefix: opts.Prefix}, nil
}

func (r *RedisStorage) namesKey() string {
	return r.prefix + ":stores"
}

func (r *RedisStorage) storeKey(name string) string {
	return r.prefix + ":store:" + name
}

func (r *RedisStorage) Open(ctx context.Context, name string) (Store, error) {
	err := r.client.ZAddNX(ctx, r.namesKey(), &redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, err
	}
	return redisStore{r: r, name: name}, nil
}

func (r *RedisStorage) Names(ctx context.Context) ([]string, error) {
	return r.client.ZRange(ctx, r.namesKey(), 0, -1).Result()
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.ZRem(ctx, r.namesKey(), name)
		p.Del(ctx, r.storeKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

type redisStore struct {
	r    *RedisStorage
	name string
}

func (st redisStore) Name() string {
	return st.name
}

func (st redisStore) exists(ctx context.Context, c redis.Cmdable) error {
	err := c.ZScore(ctx, st.r.namesKey(), st.name).Err()
	if err == redis.Nil {
		return ErrStoreNotFound
	}
	return err
}

func (st redisStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	if err := st.exists(ctx, st.r.client); err != nil {
		return Entry{}, false, err
	}
	b, err := st.r.client.HGet(ctx, st.r.storeKey(st.name), key).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := unpackRedisValue(key, b)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (st redisStore) Put(ctx context.Context, entry Entry) error {
	return st.PutAll(ctx, []Entry{entry})
}

// PutAll writes all entries with a single HSET inside a transaction
// that fails if the store is deleted meanwhile.
func (st redisStore) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return st.exists(ctx, st.r.client)
	}
	values := make([]interface{}, 0, len(entries)*2)
	for _, entry := range entries {
		values = append(values, entry.Key, packRedisValue(entry))
	}
	return st.r.client.Watch(ctx, func(tx *redis.Tx) error {
		if err := st.exists(ctx, tx); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, st.r.storeKey(st.name), values...)
			return nil
		})
		return err
	}, st.r.namesKey())
}

func (st redisStore) Keys(ctx context.Context) ([]string, error) {
	if err := st.exists(ctx, st.r.client); err != nil {
		return nil, err
	}
	return st.r.client.HKeys(ctx, st.r.storeKey(st.name)).Result()
}

// packRedisValue prefixes the response bytes with the store time (unix millis).
func packRedisValue(entry Entry) []byte {
	b := make([]byte, 8+len(entry.Bytes))
	binary.BigEndian.PutUint64(b, uint64(entry.StoredAt.UnixMilli()))
	copy(b[8:], entry.Bytes)
	return b
}

func unpackRedisValue(key string, b []byte) (Entry, error) {
	if len(b) < 8 {
		return Entry{}, fmt.Errorf("redis value for %s too short (%d bytes)", key, len(b))
	}
	return Entry{
		Key:      key,
		StoredAt: time.UnixMilli(int64(binary.BigEndian.Uint64(b[:8]))),
		Bytes:    b[8:],
	}, nil
}
