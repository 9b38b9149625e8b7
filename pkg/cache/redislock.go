package cache

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/pkg/errors"
)

const lockKeyVersion = "photopoollockv1"

// RedisLocker hands out per-partition refill leases backed by redis,
// for deployments that want at most one refill per partition at a
// time rather than the best effort given by Metadata.IsRefilling.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
}

// NewRedisLocker creates a locker sharing the connection pool of the
// given client. Leases expire after expiry even if never released.
func NewRedisLocker(c *RedisClient, expiry time.Duration) *RedisLocker {
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(c.client)),
		expiry: expiry,
	}
}

// TryLock makes a single attempt at the lease for a partition. If
// someone else holds it, ok is false and err is nil.
func (l *RedisLocker) TryLock(ctx context.Context, partition string) (unlock func(), ok bool, err error) {
	mutex := l.rs.NewMutex(lockKeyVersion+keySeparator+partition,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		var nodeTaken *redsync.ErrNodeTaken
		if err == redsync.ErrFailed || errors.As(err, &taken) || errors.As(err, &nodeTaken) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "taking refill lease for partition %q", partition)
	}
	return func() {
		// An error here means the lease already expired; nothing to do.
		_, _ = mutex.UnlockContext(context.Background())
	}, true, nil
}
