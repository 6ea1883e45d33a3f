package middleware

import (
	"fmt"
	"strconv"
	"time"

	redisStore "tipledger/internal/adapter/storage/redis"
	"tipledger/pkg/apperror"
	"tipledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RateLimitRule defines a rate limit for an endpoint group.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// DefaultRateLimitRules returns the per-client limits of each endpoint group.
func DefaultRateLimitRules() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		"users":       {Limit: 120, Window: time.Minute},
		"tips":        {Limit: 300, Window: time.Minute},
		"withdrawals": {Limit: 30, Window: time.Minute},
		"giveaways":   {Limit: 60, Window: time.Minute},
		"read":        {Limit: 600, Window: time.Minute},
		"admin":       {Limit: 60, Window: time.Minute},
	}
}

// RateLimiter creates a rate-limiting middleware for a given endpoint group.
// A Redis failure lets the request through.
func RateLimiter(store *redisStore.RateLimitStore, group string, rule RateLimitRule, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s:%s", extractIdentifier(c), group)

		result, err := store.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			log.Warn().Err(err).Str("group", group).Msg("rate limit check failed, allowing request (degraded mode)")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			retryAfter := result.ResetAt - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			response.Error(c, apperror.ErrRateLimitExceeded())
			c.Abort()
			return
		}

		c.Next()
	}
}

// extractIdentifier picks the rate limit bucket: operator, then client, then IP.
func extractIdentifier(c *gin.Context) string {
	if op := c.GetString(CtxOperatorID); op != "" {
		return "op:" + op
	}
	if id := c.GetHeader(HeaderClientID); id != "" {
		return "client:" + id
	}
	return "ip:" + c.ClientIP()
}
