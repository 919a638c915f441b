// ABOUTME: Redis implementation of the Store interface using redis/go-redis
// ABOUTME: Native key TTLs with a Lua script providing CompareAndSwap

package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript compares the current value against ARGV[1] and, on match,
// writes ARGV[3]. ARGV[2] is the new TTL in milliseconds (0 keeps the
// existing TTL). Returns 1 on swap, 0 on mismatch, -1 on missing key.
var casScript = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	if cur == false then
		return -1
	end
	if cur ~= ARGV[1] then
		return 0
	end
	if tonumber(ARGV[2]) > 0 then
		redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[2])
	else
		redis.call('SET', KEYS[1], ARGV[3], 'KEEPTTL')
	end
	return 1
`)

// RedisStore implements Store on a Redis (or Redis-compatible) server.
// This is the backend for distributed edge deployments: TTLs are native
// and CompareAndSwap runs server-side as a Lua script.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore connects to the Redis server at addr and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	logger := slog.Default().With("component", "kv.redis")
	logger.Info("Redis kv store initialized", "addr", addr, "db", db)

	return &RedisStore{client: client, logger: logger}, nil
}

// Get returns the value for key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return val, nil
}

// Put stores value under key. Redis handles expiry natively.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0 // redis: zero means no expiry
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// CompareAndSwap runs the CAS Lua script.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) error {
	var ttlMillis int64
	if ttl > 0 {
		ttlMillis = ttl.Milliseconds()
	}

	res, err := casScript.Run(ctx, s.client, []string{key}, prev, ttlMillis, next).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch res {
	case 1:
		return nil
	case 0:
		return ErrCASMismatch
	default:
		return ErrNotFound
	}
}

// Close closes the client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
