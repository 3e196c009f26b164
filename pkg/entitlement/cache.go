package entitlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ViewCache caches the derived view per owner. The view is always
// recomputable, so every cache method is best-effort: a cache failure
// must never fail the read or the mutation that invalidates it.
type ViewCache interface {
	Get(ctx context.Context, ownerID uuid.UUID) (*View, bool)
	Set(ctx context.Context, ownerID uuid.UUID, view *View)
	Invalidate(ctx context.Context, ownerID uuid.UUID)
}

type noopCache struct{}

func (noopCache) Get(context.Context, uuid.UUID) (*View, bool) { return nil, false }
func (noopCache) Set(context.Context, uuid.UUID, *View)        {}
func (noopCache) Invalidate(context.Context, uuid.UUID)        {}

// RedisViewCache stores serialized views in Redis with a short TTL.
// Mutations and sync invalidate eagerly; the TTL only bounds staleness
// when an invalidation is lost.
type RedisViewCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisViewCache(client *redis.Client, ttl time.Duration) *RedisViewCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisViewCache{client: client, ttl: ttl}
}

func viewCacheKey(ownerID uuid.UUID) string {
	return "entitlement:view:" + ownerID.String()
}

func (c *RedisViewCache) Get(ctx context.Context, ownerID uuid.UUID) (*View, bool) {
	raw, err := c.client.Get(ctx, viewCacheKey(ownerID)).Bytes()
	if err != nil {
		return nil, false
	}
	var view View
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, false
	}
	return &view, true
}

func (c *RedisViewCache) Set(ctx context.Context, ownerID uuid.UUID, view *View) {
	raw, err := json.Marshal(view)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, viewCacheKey(ownerID), raw, c.ttl).Err()
}

func (c *RedisViewCache) Invalidate(ctx context.Context, ownerID uuid.UUID) {
	_ = c.client.Del(ctx, viewCacheKey(ownerID)).Err()
}
