package middleware

import (
	"context"
	"strconv"
	"time"

	redisStore "github.com/agentswallets/cli/internal/adapter/storage/redis"
	"github.com/agentswallets/cli/pkg/apperror"
	"github.com/agentswallets/cli/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RateLimitStore counts commands in fixed windows.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*redisStore.RateLimitResult, error)
}

// RateLimitRule defines a rate limit for a command group.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// CommandRule is the per-wallet throttle for money-moving commands.
func CommandRule(perMinute int) RateLimitRule {
	return RateLimitRule{Limit: int64(perMinute), Window: time.Minute}
}

// CommandThrottle limits money-moving commands per wallet. A store failure
// lets the request through.
func CommandThrottle(store RateLimitStore, group string, rule RateLimitRule, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := group + ":" + extractIdentifier(c)

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
			response.Error(c, apperror.ErrRateLimited())
			c.Abort()
			return
		}

		c.Next()
	}
}

// extractIdentifier keys the throttle on the wallet, falling back to the
// client address for routes without one.
func extractIdentifier(c *gin.Context) string {
	if id := c.Param("wallet_id"); id != "" {
		return "wallet:" + id
	}
	return "ip:" + c.ClientIP()
}
