package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps a sliding log per bucket in a sorted set. The whole
// trim-count-add sequence runs inside one Lua script, so concurrent callers
// on any replica can never both observe a free slot.
type RedisStore struct {
	client    redis.Scripter
	luaScript *redis.Script
}

func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client, luaScript: redis.NewScript(slidingLogLua)}
}

func (s *RedisStore) Take(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	result, err := s.luaScript.Run(ctx, s.client, []string{key}, nowMs, rule.Window.Milliseconds(), rule.Limit, member).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, errors.New("invalid redis response")
	}
	allowed, err := toInt64(values[0])
	if err != nil {
		return Decision{}, err
	}
	count, err := toInt64(values[1])
	if err != nil {
		return Decision{}, err
	}
	waitMs, err := toInt64(values[2])
	if err != nil {
		return Decision{}, err
	}
	if allowed != 1 {
		if waitMs < 1 {
			waitMs = 1
		}
		return Decision{Allowed: false, Limit: rule.Limit, RetryAfter: time.Duration(waitMs) * time.Millisecond}, nil
	}
	return Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit - int(count)}, nil
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case float64:
		return int64(val), nil
	case string:
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, err
		}
		return parsed, nil
	default:
		return 0, errors.New("unsupported type")
	}
}

const slidingLogLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now_ms - window_ms)
local count = redis.call('ZCARD', key)

if count < limit then
  redis.call('ZADD', key, now_ms, member)
  redis.call('PEXPIRE', key, window_ms)
  return {1, count + 1, 0}
end

local wait = window_ms
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] ~= nil then
  wait = tonumber(oldest[2]) + window_ms - now_ms
end
return {0, count, wait}
`
