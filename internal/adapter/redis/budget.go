package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/domain"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const budgetKeyPrefix = "generation:budget:"

// DailyBudget counts generation submissions per UTC day across all instances.
type DailyBudget struct {
	rdb   *goredis.Client
	clock clockwork.Clock
	limit int64
}

var _ domain.GenerationBudget = (*DailyBudget)(nil)

// NewDailyBudget creates a budget allowing limit submissions per day.
// A limit of zero or less disables the budget and Consume reports -1 remaining.
func NewDailyBudget(rdb *goredis.Client, clock clockwork.Clock, limit int64) *DailyBudget {
	return &DailyBudget{rdb: rdb, clock: clock, limit: limit}
}

// Consume takes one unit of today's budget and reports how many remain.
func (b *DailyBudget) Consume(ctx context.Context) (int64, error) {
	if b.limit <= 0 {
		return -1, nil
	}

	key := budgetKeyPrefix + b.clock.Now().UTC().Format(time.DateOnly)

	pipe := b.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to consume generation budget: %w", err)
	}

	used := incr.Val()
	if used > b.limit {
		return 0, domain.ErrBudgetExhausted
	}
	return b.limit - used, nil
}
