package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// DefaultDepthTTL bounds how long a depth snapshot may outlive a missed
// invalidation.
const DefaultDepthTTL = 5 * time.Second

// DepthCache implements domain.DepthCache as one JSON value per market under
// {prefix}:depth:{marketID}.
type DepthCache struct {
	c   *Client
	ttl time.Duration
}

// NewDepthCache creates a DepthCache. A non-positive ttl uses DefaultDepthTTL.
func NewDepthCache(c *Client, ttl time.Duration) *DepthCache {
	if ttl <= 0 {
		ttl = DefaultDepthTTL
	}
	return &DepthCache{c: c, ttl: ttl}
}

func (dc *DepthCache) Get(ctx context.Context, marketID string) (domain.Depth, error) {
	raw, err := dc.c.rdb.Get(ctx, dc.c.key("depth", marketID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Depth{}, domain.ErrNotFound
		}
		return domain.Depth{}, fmt.Errorf("redis: get depth %s: %w", marketID, err)
	}
	var d domain.Depth
	if err := json.Unmarshal(raw, &d); err != nil {
		return domain.Depth{}, fmt.Errorf("redis: decode depth %s: %w", marketID, err)
	}
	return d, nil
}

func (dc *DepthCache) Set(ctx context.Context, d domain.Depth) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("redis: encode depth %s: %w", d.MarketID, err)
	}
	if err := dc.c.rdb.Set(ctx, dc.c.key("depth", d.MarketID), raw, dc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set depth %s: %w", d.MarketID, err)
	}
	return nil
}

func (dc *DepthCache) Invalidate(ctx context.Context, marketID string) error {
	if err := dc.c.rdb.Del(ctx, dc.c.key("depth", marketID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate depth %s: %w", marketID, err)
	}
	return nil
}

var _ domain.DepthCache = (*DepthCache)(nil)
