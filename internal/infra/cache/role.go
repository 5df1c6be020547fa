// Package cache holds the role caches consulted by the permission gate.
package cache

import (
	"log/slog"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/patrickmn/go-cache"
)

// LocalRoleCache keeps roles in process memory.
type LocalRoleCache struct {
	cache *cache.Cache
}

func NewLocalRoleCache(ttl time.Duration) *LocalRoleCache {
	return &LocalRoleCache{
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *LocalRoleCache) Get(userID string) (string, bool) {
	v, ok := c.cache.Get(userID)
	if !ok {
		return "", false
	}
	role, ok := v.(string)
	return role, ok
}

func (c *LocalRoleCache) Set(userID, role string) {
	c.cache.Set(userID, role, cache.DefaultExpiration)
}

func (c *LocalRoleCache) Delete(userID string) {
	c.cache.Delete(userID)
}

// MemcacheRoleCache shares roles between server instances. Memcached
// errors are logged and treated as misses.
type MemcacheRoleCache struct {
	client *memcache.Client
	ttl    time.Duration
}

func NewMemcacheRoleCache(client *memcache.Client, ttl time.Duration) *MemcacheRoleCache {
	return &MemcacheRoleCache{client: client, ttl: ttl}
}

func roleKey(userID string) string {
	return "role:" + userID
}

func (c *MemcacheRoleCache) Get(userID string) (string, bool) {
	item, err := c.client.Get(roleKey(userID))
	if err != nil {
		if err != memcache.ErrCacheMiss {
			slog.Warn(
				"role cache get failed",
				slog.String("user", userID),
				slog.String("error", err.Error()),
				slog.String("module", "cache"),
			)
		}
		return "", false
	}
	return string(item.Value), true
}

func (c *MemcacheRoleCache) Set(userID, role string) {
	err := c.client.Set(&memcache.Item{
		Key:        roleKey(userID),
		Value:      []byte(role),
		Expiration: int32(c.ttl.Seconds()),
	})
	if err != nil {
		slog.Warn(
			"role cache set failed",
			slog.String("user", userID),
			slog.String("error", err.Error()),
			slog.String("module", "cache"),
		)
	}
}

func (c *MemcacheRoleCache) Delete(userID string) {
	err := c.client.Delete(roleKey(userID))
	if err != nil && err != memcache.ErrCacheMiss {
		slog.Warn(
			"role cache delete failed",
			slog.String("user", userID),
			slog.String("error", err.Error()),
			slog.String("module", "cache"),
		)
	}
}
