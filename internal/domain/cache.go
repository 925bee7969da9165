package domain

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld is returned when a distributed lock is owned by someone else.
var ErrLockHeld = errors.New("lock held")

// DepthCache holds aggregated order book depth between mutations.
type DepthCache interface {
	Get(ctx context.Context, marketID string) (Depth, error)
	Set(ctx context.Context, d Depth) error
	Invalidate(ctx context.Context, marketID string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one entry of the durable event stream.
type StreamMessage struct {
	ID    string
	Event Event
}
