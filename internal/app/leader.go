package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLeadershipLost is returned by Renew when another instance holds the lock
// or the lock has expired.
var ErrLeadershipLost = errors.New("leader lock lost")

const DefaultLeaderKey = "sweep:leader"

// renewScript extends the lease only while we still own it.
var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// LeaderElector implements Redis-based leader election using SETNX with TTL.
// Used to ensure only one instance runs the scheduled sweep.
type LeaderElector struct {
	rdb        *redis.Client
	instanceID string
	lockKey    string
	lockTTL    time.Duration
}

// NewLeaderElector creates a leader election coordinator.
// instanceID should be unique per instance (e.g., hostname-PID). The lease
// must outlive the interval between renewals.
func NewLeaderElector(rdb *redis.Client, instanceID, lockKey string, lockTTL time.Duration) *LeaderElector {
	if lockKey == "" {
		lockKey = DefaultLeaderKey
	}
	return &LeaderElector{
		rdb:        rdb,
		instanceID: instanceID,
		lockKey:    lockKey,
		lockTTL:    lockTTL,
	}
}

// TryAcquire attempts to become the leader.
// Returns true if this instance acquired leadership, false if another instance is leader.
func (l *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.lockKey, l.instanceID, l.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	return ok, nil
}

// Renew extends the leader lease. It fails with ErrLeadershipLost when this
// instance no longer owns the lock.
func (l *LeaderElector) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.lockKey}, l.instanceID, l.lockTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew leader lock: %w", err)
	}
	if n == 0 {
		return ErrLeadershipLost
	}
	return nil
}

// Release voluntarily releases leadership.
// Should be called on graceful shutdown.
func (l *LeaderElector) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.lockKey}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}
