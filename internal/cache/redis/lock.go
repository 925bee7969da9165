package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// releaseScript deletes the lock only while it still carries the holder's
// token, so an expired holder cannot release a lock someone else now owns.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// releaseTimeout bounds the release call; the caller's context may already be
// cancelled when it unlocks.
const releaseTimeout = 5 * time.Second

// LockManager serializes operator commands on a market (resolve, settle,
// archive) across processes. Locks are leases: they lapse after their TTL
// even if the holder dies.
type LockManager struct {
	c      *Client
	logger *slog.Logger
}

// NewLockManager creates a LockManager on c. A failed release is logged at
// debug level; the lease still lapses at its TTL.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockManager{c: c, logger: logger.With(slog.String("component", "locks"))}
}

// Acquire takes the lease on key for ttl. A lease held elsewhere fails with
// an error matching domain.ErrLockHeld that names the time left on it. The
// returned release func is idempotent and safe for concurrent use.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lk := lm.c.key("lock", key)
	token := uuid.NewString()

	ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		left, err := lm.c.rdb.PTTL(ctx, lk).Result()
		if err != nil || left < 0 {
			return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
		}
		return nil, fmt.Errorf("redis: lock %s for another %s: %w", key, left.Round(time.Second), domain.ErrLockHeld)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(ctx, lm.c.rdb, []string{lk}, token).Err(); err != nil {
				lm.logger.DebugContext(ctx, "lock release failed",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
