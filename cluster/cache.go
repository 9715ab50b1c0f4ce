package cluster

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tinode/gatesess/session"
)

// CachedAlive decorates a session.ClusterContract so that
// RemoteSessionIsAlive -- explicitly documented as a cheap,
// cache/gossip-backed query -- is served from Redis whenever possible,
// while CheckRemoteSessionIsAlive and every mutating/enumerating call
// always go straight to the wrapped Contract. Grounded on
// github.com/tinode/chat's own use of a fast out-of-process store as a
// write-through target (store/adapter.go), applied here to a read-through
// cache instead.
type CachedAlive struct {
	session.ClusterContract
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedAlive wraps next with a Redis read-through cache for
// RemoteSessionIsAlive. ttl bounds how stale a cached "alive" answer may
// be; a miss or a Redis error always falls through to next.
func NewCachedAlive(next session.ClusterContract, rdb *redis.Client, ttl time.Duration) *CachedAlive {
	return &CachedAlive{ClusterContract: next, rdb: rdb, ttl: ttl}
}

func (c *CachedAlive) RemoteSessionIsAlive(ctx context.Context, deviceID string) (bool, error) {
	key := cacheKey(deviceID)

	if v, err := c.rdb.Get(ctx, key).Bool(); err == nil {
		return v, nil
	}

	alive, err := c.ClusterContract.RemoteSessionIsAlive(ctx, deviceID)
	if err != nil {
		return false, err
	}

	// Best-effort: a failed cache write never fails the query itself.
	_ = c.rdb.Set(ctx, key, alive, c.ttl).Err()
	return alive, nil
}

// InvalidateSession drops the cached answer for deviceID, called by the
// host application's register/unregister event handler so the cache never
// outlives the sweeper's own check interval by much.
func (c *CachedAlive) InvalidateSession(ctx context.Context, deviceID string) error {
	return c.rdb.Del(ctx, cacheKey(deviceID)).Err()
}

func cacheKey(deviceID string) string {
	return "gatesess:alive:" + deviceID
}
