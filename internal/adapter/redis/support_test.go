package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

func setupMiniRedis(t *testing.T) (*goredis.Client, *miniredis.Miniredis, *clockwork.FakeClock) {
	t.Helper()

	server := miniredis.RunT(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC))
	server.SetTime(clock.Now())

	rdb := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return rdb, server, clock
}
