package budget

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
)

// redisWindowScript implements an atomic sliding-window take on a sorted set.
// KEYS[1] = window key
// ARGV[1] = now (unix microseconds)
// ARGV[2] = window (microseconds)
// ARGV[3] = limit
// ARGV[4] = unique member for this occurrence
var redisWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", "(" .. (now - window))
local count = redis.call("ZCARD", key)

local allowed = 0
if limit <= 0 or count < limit then
    redis.call("ZADD", key, now, ARGV[4])
    count = count + 1
    allowed = 1
end

redis.call("PEXPIRE", key, math.ceil(window / 1000))
return {allowed, count}
`)

// RedisStore shares rolling windows through Redis so that several processes
// on one device draw from the same ceiling.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	clock  clock.Clock
}

// NewRedisStore creates a store backed by a Redis at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, nil)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(c redis.UniversalClient, clk clock.Clock) *RedisStore {
	return &RedisStore{client: c, prefix: "reflex:budget:", clock: clock.Or(clk)}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Take(ctx context.Context, c Ceiling) (bool, error) {
	if c.Window <= 0 {
		return false, ErrInvalidWindow
	}
	now := s.clock.Now().UnixMicro()
	res, err := redisWindowScript.Run(ctx, s.client, []string{s.prefix + c.Key},
		now, c.Window.Microseconds(), c.Limit, fmt.Sprintf("%d-%s", now, uuid.NewString())).Result()
	if err != nil {
		return false, fmt.Errorf("redis budget take: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis budget take: unexpected script reply %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

func (s *RedisStore) Count(ctx context.Context, c Ceiling) (int, error) {
	if c.Window <= 0 {
		return 0, ErrInvalidWindow
	}
	now := s.clock.Now()
	minScore := fmt.Sprintf("%d", now.Add(-c.Window).UnixMicro())
	n, err := s.client.ZCount(ctx, s.prefix+c.Key, minScore, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis budget count: %w", err)
	}
	return int(n), nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
