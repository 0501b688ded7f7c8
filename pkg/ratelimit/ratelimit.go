package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter enforces a per-caller token-per-minute budget on top of
// github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

// NewWithStore wraps an existing limiter backend.
func NewWithStore(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(callerID string) string {
	return "ratelimit:caller:" + callerID
}

// Allow spends tokens from the caller's budget.
func (l *Limiter) Allow(ctx context.Context, callerID string, tokens int) (bool, error) {
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, key(callerID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, callerID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(callerID))
}
