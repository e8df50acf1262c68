package ratelimit

import (
	"fmt"
	"math"
	"strconv"

	"github.com/biodoia/hacp/pkg/middleware"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// MiddlewareConfig configura il middleware
type MiddlewareConfig struct {
	Limiter Limiter

	// KeyFunc ricava la chiave dalla richiesta, di default l'owner del token o l'IP
	KeyFunc func(c fiber.Ctx) Key

	// FailOpen lascia passare le richieste se il limiter non risponde
	FailOpen bool
}

// Middleware restituisce il middleware fiber. Va montato dopo middleware.Auth.
func Middleware(config MiddlewareConfig) fiber.Handler {
	if config.KeyFunc == nil {
		config.KeyFunc = DefaultKeyFunc
	}

	return func(c fiber.Ctx) error {
		key := config.KeyFunc(c)

		info, err := config.Limiter.Allow(c.Context(), key)
		if err != nil {
			if config.FailOpen {
				log.Warn().Err(err).Str("key", key.String()).Msg("Rate limiter unavailable, letting request through")
				return c.Next()
			}
			return fmt.Errorf("rate limit check failed: %w", err)
		}

		setRateLimitHeaders(c, info)
		if !info.Allowed {
			return rateLimitExceeded(c, info)
		}
		return c.Next()
	}
}

// DefaultKeyFunc usa l'owner autenticato, altrimenti l'IP
func DefaultKeyFunc(c fiber.Ctx) Key {
	if owner := middleware.GetOwnerID(c); owner != "" {
		return Key{Level: LimitLevelOwner, Identifier: owner}
	}
	return Key{Level: LimitLevelIP, Identifier: c.IP()}
}

func rateLimitExceeded(c fiber.Ctx, info *LimitInfo) error {
	retryAfter := int(math.Ceil(info.RetryAfter.Seconds()))
	c.Set("Retry-After", strconv.Itoa(retryAfter))

	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error":       "rate limit exceeded",
		"kind":        "rate_limited",
		"limit":       info.Limit,
		"reset":       info.Reset.Unix(),
		"retry_after": retryAfter,
		"request_id":  middleware.GetRequestID(c),
	})
}

func setRateLimitHeaders(c fiber.Ctx, info *LimitInfo) {
	c.Set("X-RateLimit-Limit", strconv.FormatInt(info.Limit, 10))
	c.Set("X-RateLimit-Remaining", strconv.FormatInt(info.Remaining, 10))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(info.Reset.Unix(), 10))
}
