package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aperturehq/aperture/internal/identity"
	"github.com/aperturehq/aperture/internal/observability/metrics"
)

// GinEnqueueMiddleware throttles authenticated request submissions. It
// must run after API key auth so the caller identity is resolved.
func GinEnqueueMiddleware(limiter *EnqueueLimiter, m *metrics.Metrics, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || !limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		authz, ok := identity.AuthorizationFromContext(ctx)
		if !ok {
			c.Next()
			return
		}

		res, err := limiter.AllowUser(ctx, authz.UserID)
		if err != nil {
			if limiter.FailOpen() {
				log.Warn("rate limiter unavailable, admitting request",
					zap.String("user_id", authz.UserID.String()),
					zap.Error(err),
				)
				c.Next()
				return
			}
			m.RecordRateLimitDenied(ctx, c.FullPath(), "limiter_error")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "rate limiter unavailable",
			})
			return
		}

		if !res.Allowed {
			retryAfter := int(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			m.RecordRateLimitDenied(ctx, c.FullPath(), "rate_exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               "rate limit exceeded",
				"retry_after_seconds": retryAfter,
			})
			return
		}

		c.Next()
	}
}
