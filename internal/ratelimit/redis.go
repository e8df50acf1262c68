package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript aggiorna il bucket in modo atomico.
// Restituisce {allowed, tokens rimasti * 1000}.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
	local tokens = tonumber(bucket[1])
	local last_refill = tonumber(bucket[2])

	if tokens == nil then
		tokens = capacity
		last_refill = now
	end

	local elapsed = math.max(now - last_refill, 0)
	tokens = math.min(tokens + rate * elapsed, capacity)

	local allowed = 0
	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
	redis.call('EXPIRE', key, math.ceil(capacity / rate) + 60)

	return {allowed, math.floor(tokens * 1000)}
`)

// DistributedLimiter condivide i bucket tra più istanze del gateway tramite redis
type DistributedLimiter struct {
	config Config
	redis  *redis.Client
}

// NewDistributedLimiter crea un limiter sopra il client indicato
func NewDistributedLimiter(config Config, client *redis.Client) *DistributedLimiter {
	return &DistributedLimiter{
		config: config.withDefaults(),
		redis:  client,
	}
}

// Allow implementa Limiter
func (d *DistributedLimiter) Allow(ctx context.Context, key Key) (*LimitInfo, error) {
	now := time.Now()
	capacity := d.config.Limit + d.config.Burst
	rate := d.config.refillRate()

	res, err := tokenBucketScript.Run(ctx, d.redis,
		[]string{fmt.Sprintf("%s:%s", d.config.KeyPrefix, key)},
		capacity, rate, float64(now.UnixMilli())/1000,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("token bucket script failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("token bucket script returned %d values", len(res))
	}

	tokens := float64(res[1]) / 1000
	info := &LimitInfo{
		Allowed:   res[0] == 1,
		Limit:     capacity,
		Remaining: int64(tokens),
		Reset:     now.Add(secondsToDuration((float64(capacity) - tokens) / rate)),
	}
	if !info.Allowed {
		info.RetryAfter = secondsToDuration((1 - tokens) / rate)
	}
	return info, nil
}
