package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/aperturehq/aperture/internal/config"
)

const keyEnqueueUser = "admission:enqueue:user:%s"

// EnqueueLimiter throttles request submissions per user. Rate and burst
// come from the live admission config, so operators can retune without a
// restart.
type EnqueueLimiter struct {
	bucket *TokenBucket
	holder *config.AdmissionConfigHolder
}

type LimiterParams struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Holder *config.AdmissionConfigHolder
}

func NewRedisClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}

func NewEnqueueLimiter(p LimiterParams) *EnqueueLimiter {
	return &EnqueueLimiter{
		bucket: NewTokenBucket(p.Client),
		holder: p.Holder,
	}
}

func (l *EnqueueLimiter) Enabled() bool {
	return l != nil && l.bucket != nil && l.holder.Get().RateLimit.Enabled
}

// FailOpen reports whether limiter errors should admit the request
// instead of rejecting it.
func (l *EnqueueLimiter) FailOpen() bool {
	return l != nil && l.holder.Get().RateLimit.FailOpenOnError
}

func (l *EnqueueLimiter) AllowUser(ctx context.Context, userID snowflake.ID) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	limitCfg := l.holder.Get().RateLimit
	key := fmt.Sprintf(keyEnqueueUser, userID.String())
	return l.bucket.Allow(ctx, key, limitCfg.EnqueuePerSec, limitCfg.EnqueueBurst)
}
