// redis.go -- go-redis client for session caching.
//
// Stores session data with TTL matching session expiry.
// Fast path for session validation; if Redis is unavailable, RequireAuth
// falls back to Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL, pings, and returns a shared client.
// Session cache, verification codes and pending registrations all share its pool.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// RedisStore wraps a Redis client for session cache operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore returns a session cache over an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func sessionKey(tokenHash string) string { return "session:" + tokenHash }

func userSessionsKey(userID uuid.UUID) string { return "user_sessions:" + userID.String() }

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// SetSession caches a session for ttl and tracks it in the user's session set.
func (s *RedisStore) SetSession(ctx context.Context, tokenHash string, sess Session, ttl time.Duration) error {
	data, err := json.Marshal(CachedSession{UserID: sess.UserID, ExpiresAt: sess.ExpiresAt})
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(tokenHash), data, ttl)
	pipe.SAdd(ctx, userSessionsKey(sess.UserID), tokenHash)
	pipe.Expire(ctx, userSessionsKey(sess.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching session: %w", err)
	}
	return nil
}

// GetSession retrieves a cached session. Returns ErrCacheMiss when absent.
func (s *RedisStore) GetSession(ctx context.Context, tokenHash string) (*CachedSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var cached CachedSession
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	return &cached, nil
}

// DeleteSession removes a session and its entry in the user's tracking set.
func (s *RedisStore) DeleteSession(ctx context.Context, tokenHash string, userID uuid.UUID) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(tokenHash))
	pipe.SRem(ctx, userSessionsKey(userID), tokenHash)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// NoopSessionCache is used when REDIS_URL is unset. Every lookup misses,
// so RequireAuth always reads Postgres.
type NoopSessionCache struct{}

func (NoopSessionCache) CheckHealth(context.Context) error { return ErrCacheDisabled }

func (NoopSessionCache) SetSession(context.Context, string, Session, time.Duration) error {
	return nil
}

func (NoopSessionCache) GetSession(context.Context, string) (*CachedSession, error) {
	return nil, ErrCacheMiss
}

func (NoopSessionCache) DeleteSession(context.Context, string, uuid.UUID) error { return nil }
