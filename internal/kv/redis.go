package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxUpdateRetries bounds optimistic WATCH/MULTI retries in Update.
const maxUpdateRetries = 8

// RedisStore keeps JSON-encoded values in Redis with native key TTLs.
// Values are stored under "<prefix>:<key>".
type RedisStore[V any] struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps rdb. prefix namespaces this store's keys (e.g. "warden:otp").
func NewRedisStore[V any](rdb *redis.Client, prefix string) *RedisStore[V] {
	return &RedisStore[V]{rdb: rdb, prefix: prefix}
}

func (s *RedisStore[V]) key(k string) string {
	return s.prefix + ":" + k
}

// Get fetches and decodes key. Redis has already dropped expired keys.
func (s *RedisStore[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var v V
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return v, false, nil
		}
		return v, false, fmt.Errorf("fetching %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return v, true, nil
}

// Put encodes value and SETs it with ttl.
func (s *RedisStore[V]) Put(ctx context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		// SET with TTL=0 means no expiry in Redis, never what callers want here.
		return fmt.Errorf("put %q: ttl must be positive, got %v", key, ttl)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *RedisStore[V]) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Update runs fn inside a WATCH transaction, retrying when another client
// modified the key between read and write.
func (s *RedisStore[V]) Update(ctx context.Context, key string, fn UpdateFunc[V]) error {
	k := s.key(key)
	txf := func(tx *redis.Tx) error {
		var cur V
		found := true
		raw, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			found = false
		case err != nil:
			return fmt.Errorf("fetching %s: %w", key, err)
		default:
			if err := json.Unmarshal(raw, &cur); err != nil {
				return fmt.Errorf("decoding %s: %w", key, err)
			}
		}

		next, op, err := fn(cur, found)
		if err != nil {
			return err
		}

		switch op {
		case Save:
			if !found {
				return fmt.Errorf("update %q: %w", key, ErrNotFound)
			}
			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encoding %s: %w", key, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.SetArgs(ctx, k, data, redis.SetArgs{KeepTTL: true})
				return nil
			})
			return err
		case Remove:
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, k)
				return nil
			})
			return err
		}
		return nil
	}

	for range maxUpdateRetries {
		err := s.rdb.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %q: %w", key, ErrConflict)
}

// Sweep is a no-op: Redis expires keys itself.
func (s *RedisStore[V]) Sweep(context.Context) (int, error) {
	return 0, nil
}
