// Package ratelimit limita le richieste dei chiamanti del gateway con un
// token bucket per owner, in memoria o condiviso via redis.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitLevel è la dimensione su cui si applica il limite
type LimitLevel string

const (
	LimitLevelOwner LimitLevel = "owner"
	LimitLevelIP    LimitLevel = "ip"
)

// Config configura il limite: Limit richieste per Window, più Burst
type Config struct {
	Limit     int64
	Window    time.Duration
	Burst     int64
	KeyPrefix string // solo per il limiter redis
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 60
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Burst < 0 {
		c.Burst = 0
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "hacp:ratelimit"
	}
	return c
}

// refillRate restituisce i token aggiunti al secondo
func (c Config) refillRate() float64 {
	return float64(c.Limit) / c.Window.Seconds()
}

// LimitInfo descrive lo stato del limite dopo una richiesta
type LimitInfo struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
}

// Key identifica il chiamante limitato
type Key struct {
	Level      LimitLevel
	Identifier string
}

// String restituisce la rappresentazione della chiave
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Level, k.Identifier)
}

// Limiter decide se una richiesta può procedere
type Limiter interface {
	Allow(ctx context.Context, key Key) (*LimitInfo, error)
}

// TokenBucketLimiter implementa il token bucket in memoria, un rate.Limiter per chiave
type TokenBucketLimiter struct {
	config   Config
	limiters sync.Map // map[string]*rate.Limiter
	now      func() time.Time
}

// NewTokenBucketLimiter crea un limiter in memoria
func NewTokenBucketLimiter(config Config) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		config: config.withDefaults(),
		now:    time.Now,
	}
}

// Allow implementa Limiter
func (t *TokenBucketLimiter) Allow(ctx context.Context, key Key) (*LimitInfo, error) {
	now := t.now()
	capacity := t.config.Limit + t.config.Burst
	refill := t.config.refillRate()

	value, _ := t.limiters.LoadOrStore(key.String(), rate.NewLimiter(rate.Limit(refill), int(capacity)))
	lim := value.(*rate.Limiter)

	allowed := lim.AllowN(now, 1)
	tokens := lim.TokensAt(now)

	info := &LimitInfo{
		Allowed:   allowed,
		Limit:     capacity,
		Remaining: max(int64(tokens), 0),
		Reset:     now.Add(secondsToDuration((float64(capacity) - tokens) / refill)),
	}
	if !allowed {
		info.RetryAfter = secondsToDuration((1 - tokens) / refill)
	}
	return info, nil
}

// Reset azzera il bucket di una chiave
func (t *TokenBucketLimiter) Reset(key Key) {
	t.limiters.Delete(key.String())
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
