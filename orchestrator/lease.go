package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/inkforge/inkforge-orchestrator/infra"
)

// Lease is a held per-job advisory claim. The holder must verify it
// before every checkpoint; a lost lease means another worker owns the
// job now.
type Lease interface {
	Valid(ctx context.Context) bool
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out at most one live lease per job id. Acquire returns
// (nil, nil) when the lease is currently held elsewhere.
type Locker interface {
	Acquire(ctx context.Context, jobID uuid.UUID, ttl time.Duration) (Lease, error)
}

// RedisLocker backs Locker with the Redis SET NX lease.
type RedisLocker struct {
	Redis *infra.RedisClient
}

func (l *RedisLocker) Acquire(ctx context.Context, jobID uuid.UUID, ttl time.Duration) (Lease, error) {
	lease, err := l.Redis.AcquireJobLease(ctx, jobID, ttl)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, nil
	}
	return lease, nil
}
