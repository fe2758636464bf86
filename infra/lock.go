package infra

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still owns it, so a
// worker whose lease already expired cannot release a newer owner's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// JobLease is a time-bounded advisory claim on one job id. Exactly one
// live lease may exist per job; holding it is the precondition for
// running the pipeline for that job.
type JobLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func jobLockKey(jobID uuid.UUID) string {
	return "job:lock:" + jobID.String()
}

// AcquireJobLease takes the per-job advisory lock. Returns (nil, nil)
// when another holder currently owns it.
func (r *RedisClient) AcquireJobLease(ctx context.Context, jobID uuid.UUID, ttl time.Duration) (*JobLease, error) {
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, jobLockKey(jobID), token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &JobLease{
		client: r.Client,
		key:    jobLockKey(jobID),
		token:  token,
		ttl:    ttl,
	}, nil
}

// Valid reports whether this lease is still owned by the caller. The
// worker must check this before every checkpoint and abort silently when
// ownership was lost, leaving the record to the new owner.
func (l *JobLease) Valid(ctx context.Context) bool {
	val, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		return false
	}
	return val == l.token
}

// Refresh extends the lease TTL if still owned.
func (l *JobLease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("lease no longer owned")
	}
	return nil
}

// Release frees the lock if still owned. Safe to call after expiry.
func (l *JobLease) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	return err
}
