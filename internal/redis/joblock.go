package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld indicates another process already holds the job lock.
var ErrLockHeld = errors.New("job lock already held")

// JobLock serializes scheduled job runs across processes using SET NX.
// A dispatcher run that overruns its tick must not be started a second time
// for the same company; the lock's TTL caps how long a crashed holder can
// block the next run.
type JobLock struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewJobLock creates a job lock service with the given lock TTL.
func NewJobLock(client *Client, logger *zap.Logger, ttl time.Duration) *JobLock {
	return &JobLock{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

func (l *JobLock) buildKey(job, owner string) string {
	return fmt.Sprintf("joblock:%s:%s", job, owner)
}

// releaseScript frees the lock only while it still holds the caller's token.
// A holder whose TTL expired mid-run must not delete a lock someone else has
// since re-acquired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Acquire takes the lock for a job/owner pair (e.g. "dispatch" + company id)
// and returns the token Release needs. Returns ErrLockHeld when another run
// is in progress.
func (l *JobLock) Acquire(ctx context.Context, job, owner string) (string, error) {
	key := l.buildKey(job, owner)
	token := uuid.NewString()

	set, err := l.client.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		l.logger.Debug("job lock contention",
			zap.String("job", job),
			zap.String("owner", owner),
		)
		return "", ErrLockHeld
	}

	return token, nil
}

// Release frees the lock if token still owns it. Releasing a lock that
// already expired, or that another holder re-acquired, is not an error.
func (l *JobLock) Release(ctx context.Context, job, owner, token string) error {
	key := l.buildKey(job, owner)

	if err := releaseScript.Run(ctx, l.client.rdb, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}

	return nil
}

// WithLock runs fn while holding the lock, releasing it afterwards.
// Returns ErrLockHeld without running fn when the lock is taken.
func (l *JobLock) WithLock(ctx context.Context, job, owner string, fn func(context.Context) error) error {
	token, err := l.Acquire(ctx, job, owner)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(ctx, job, owner, token); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn("failed to release job lock",
				zap.Error(err),
				zap.String("job", job),
				zap.String("owner", owner),
			)
		}
	}()

	return fn(ctx)
}
