package charon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementWithCeilingScript increments KEYS[1] unless it already reached ARGV[1].
// ARGV[2] is the expiry in milliseconds applied when the counter has none.
var incrementWithCeilingScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return {current, 0}
end
local n = redis.call('INCR', KEYS[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return {n, 1}
`)

var incrementByScript = redis.NewScript(`
local n = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return n
`)

var maxScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local v = tonumber(ARGV[1])
if raw and tonumber(raw) >= v then
	return tonumber(raw)
end
local ttl = tonumber(ARGV[2])
if raw then
	redis.call('SET', KEYS[1], v, 'KEEPTTL')
elseif ttl > 0 then
	redis.call('SET', KEYS[1], v, 'PX', ttl)
else
	redis.call('SET', KEYS[1], v)
end
return v
`)

// RedisStore is a Redis-backed Store. Counter operations run as Lua scripts so each
// one is a single atomic step on the server.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr string, db int, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client so other Redis-backed components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Forget(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to forget keys: %w", err)
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	n, err := incrementByScript.Run(ctx, s.client, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) IncrementWithCeiling(ctx context.Context, key string, ceiling int64, ttl time.Duration) (int64, bool, error) {
	if ceiling <= 0 {
		n, err := s.IncrementBy(ctx, key, 1, ttl)
		return n, err == nil, err
	}

	res, err := incrementWithCeilingScript.Run(ctx, s.client, []string{key}, ceiling, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected script reply for %s: %v", key, res)
	}
	return res[0], res[1] == 1, nil
}

func (s *RedisStore) Max(ctx context.Context, key string, value int64, ttl time.Duration) (int64, error) {
	n, err := maxScript.Run(ctx, s.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to update max %s: %w", key, err)
	}
	return n, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
