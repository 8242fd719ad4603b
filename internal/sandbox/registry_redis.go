package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ownerKeyPrefix = "reflexive:sandbox-owner:"
	defaultOwnerTTL = 30 * time.Second
)

// RedisRegistry is an optional distributed id→owner registry for
// MultiSandboxManager in horizontally-scaled hosted mode: each instance
// claims the ids it owns so a request landing on the wrong instance can be
// proxied to the right one instead of silently creating a duplicate. When
// unconfigured, MultiSandboxManager's in-memory map is sufficient (single
// instance, or an external load balancer already pins sessions by id).
//
// Grounded on controlplane/redis_registry.go's heartbeat/reconcile registry,
// simplified from a worker-capacity load balancer (gRPC dial pool, pub/sub
// heartbeats, SCAN-based pruning) to a plain TTL'd key-per-id ownership claim,
// since this spec has no worker fleet or gRPC dispatch plane to track.
type RedisRegistry struct {
	rdb      *redis.Client
	ownerTag string
	ttl      time.Duration
}

// NewRedisRegistry connects to redisURL and returns a ready registry. ownerTag
// identifies this process instance (e.g. hostname:port) in claimed entries.
func NewRedisRegistry(redisURL, ownerTag string, ttl time.Duration) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("sandbox: invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("sandbox: redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultOwnerTTL
	}
	return &RedisRegistry{rdb: rdb, ownerTag: ownerTag, ttl: ttl}, nil
}

// Claim registers this instance as the owner of id, failing if another live
// owner already holds it. Safe to call repeatedly (idempotent heartbeat) as
// long as this instance is already the owner.
func (r *RedisRegistry) Claim(ctx context.Context, id string) error {
	key := ownerKeyPrefix + id
	ok, err := r.rdb.SetNX(ctx, key, r.ownerTag, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("sandbox: registry claim: %w", err)
	}
	if ok {
		return nil
	}
	owner, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("sandbox: registry claim: %w", err)
	}
	if owner != r.ownerTag {
		return fmt.Errorf("sandbox: id %q owned by %q", id, owner)
	}
	return r.rdb.Expire(ctx, key, r.ttl).Err()
}

// Release gives up ownership of id, but only if this instance currently holds it.
func (r *RedisRegistry) Release(ctx context.Context, id string) error {
	key := ownerKeyPrefix + id
	owner, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sandbox: registry release: %w", err)
	}
	if owner != r.ownerTag {
		return nil
	}
	return r.rdb.Del(ctx, key).Err()
}

// Owner returns the instance tag that currently owns id, or ("", false) if
// unclaimed or expired.
func (r *RedisRegistry) Owner(ctx context.Context, id string) (string, bool) {
	owner, err := r.rdb.Get(ctx, key(id)).Result()
	if err != nil {
		return "", false
	}
	return owner, true
}

func key(id string) string { return ownerKeyPrefix + id }

// Close releases the underlying Redis connection.
func (r *RedisRegistry) Close() error {
	return r.rdb.Close()
}
