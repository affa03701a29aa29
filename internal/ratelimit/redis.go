package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript is a token bucket evaluated atomically on the redis server.
// State per key is a hash {tokens, ts}; refill is computed from elapsed
// milliseconds. Returns {allowed, remaining, retry_after_ms}.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local ts = tonumber(redis.call('HGET', key, 'ts'))
if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = now - ts
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + (elapsed / 1000.0) * rate)

local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil(((1 - tokens) / rate) * 1000)
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, ttl)
return {allowed, math.floor(tokens), retry}
`)

// RedisAdmitter shares buckets across relay instances. Each admission is a
// single script round trip; the bucket mutation happens server-side, so no
// lock spans the network.
type RedisAdmitter struct {
	client *redis.Client
}

func NewRedisAdmitter(client *redis.Client) *RedisAdmitter {
	return &RedisAdmitter{client: client}
}

func (r *RedisAdmitter) Admit(ctx context.Context, key string, policy Policy) (Decision, error) {
	perSecond := float64(policy.PerMinute) / 60.0
	// Keys expire once a full refill plus slack has elapsed with no traffic.
	ttl := int(float64(policy.Burst)/perSecond) + 60

	res, err := admitScript.Run(ctx, r.client,
		[]string{"relay:ratelimit:" + key},
		perSecond, policy.Burst, time.Now().UnixMilli(), ttl,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("Admit: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("Admit: unexpected script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	retryMs, _ := vals[2].(int64)

	d := Decision{
		Allowed:   allowed == 1,
		Limit:     policy.PerMinute,
		Remaining: int(remaining),
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(retryMs) * time.Millisecond
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Second
		}
	}
	return d, nil
}

func (r *RedisAdmitter) Close() error { return r.client.Close() }
