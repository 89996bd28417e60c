package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"
)

const rateLimitTimeout = 200 * time.Millisecond

// RateLimitStore is a fixed-window request counter shared by every instance.
// It satisfies echo's RateLimiterStore so it plugs into the stock middleware.
type RateLimitStore struct {
	rdb    *goredis.Client
	clock  clockwork.Clock
	limit  int64
	window time.Duration
}

var _ middleware.RateLimiterStore = (*RateLimitStore)(nil)

func NewRateLimitStore(rdb *goredis.Client, clock clockwork.Clock, limit int, window time.Duration) *RateLimitStore {
	return &RateLimitStore{rdb: rdb, clock: clock, limit: int64(limit), window: window}
}

// Allow counts one request for identifier in the current window.
func (r *RateLimitStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rateLimitTimeout)
	defer cancel()

	windowStart := r.clock.Now().UnixMilli() / r.window.Milliseconds()
	key := fmt.Sprintf("rate_limit:%s:%s", identifier, strconv.FormatInt(windowStart, 10))

	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	return incr.Val() <= r.limit, nil
}
