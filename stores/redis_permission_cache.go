package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rentora/authz"
)

// RedisPermissionCache shares resolved permission sets across nodes, so one
// node's invalidation is seen everywhere. Values are JSON under
// authz:perm:{tenantID}:{userID} with the TTL enforced by Redis itself.
//
// Errors degrade to cache misses; the resolver recomputes from the role
// store, it never trusts a broken cache.
type RedisPermissionCache struct {
	client *redis.Client
	prefix string
}

func NewRedisPermissionCache(client *redis.Client) *RedisPermissionCache {
	return &RedisPermissionCache{client: client, prefix: "authz:perm:"}
}

func (c *RedisPermissionCache) Get(ctx context.Context, key string) (*authz.ResolvedPermissions, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		// redis.Nil and transport errors alike: recompute
		return nil, false
	}
	var resolved authz.ResolvedPermissions
	if err := json.Unmarshal(raw, &resolved); err != nil {
		return nil, false
	}
	return &resolved, true
}

func (c *RedisPermissionCache) Set(ctx context.Context, key string, value *authz.ResolvedPermissions, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefix+key, raw, ttl)
}

func (c *RedisPermissionCache) Delete(ctx context.Context, key string) {
	c.client.Del(ctx, c.prefix+key)
}

var _ authz.PermissionCache = (*RedisPermissionCache)(nil)
