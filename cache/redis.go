package cache

import (
	"context"
	"time"

	"github.com/agentuity/scylla/protocol"
	"github.com/redis/go-redis/v9"
)

type redisCache struct {
	client *redis.Client
	cfg    config
}

var _ Cache = (*redisCache)(nil)

// NewRedis returns a new Cache backed by Redis.
// The caller owns the redis.Client lifecycle; Close leaves the client open.
// Entries are stored under <prefix:>hash with the lock marker at hash-lock;
// expiration uses native Redis TTLs.
func NewRedis(_ context.Context, client *redis.Client, opts ...Option) Cache {
	return &redisCache{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func (c *redisCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisCache) dataKey(key string) string {
	if c.cfg.prefix == "" {
		return Hash(key)
	}
	return c.cfg.prefix + ":" + Hash(key)
}

func (c *redisCache) lockKey(key string) string {
	return c.dataKey(key) + "-lock"
}

func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Exists(qctx, c.dataKey(key)).Result()
	if err != nil {
		return false, failed(err, "redis exists")
	}
	return n > 0, nil
}

func (c *redisCache) Get(ctx context.Context, key string) (*protocol.Answer, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	data, err := c.client.Get(qctx, c.dataKey(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, failed(err, "redis get")
	}
	return decode(data)
}

func (c *redisCache) Set(ctx context.Context, key string, answer *protocol.Answer) error {
	locked, err := c.Locked(ctx, key)
	if err != nil {
		return err
	}
	if locked {
		return ErrLocked
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	return failed(c.client.Set(qctx, c.dataKey(key), answer.Bytes(), 0).Err(), "redis set")
}

// Claim takes the lock key with SETNX, then writes the placeholder. The lock
// is released again if a finished entry is already present.
func (c *redisCache) Claim(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	ok, err := c.client.SetNX(qctx, c.lockKey(key), "0", c.cfg.lockTTL).Result()
	if err != nil {
		return false, failed(err, "redis setnx")
	}
	if !ok {
		return false, nil
	}
	created, err := c.client.SetNX(qctx, c.dataKey(key), placeholder, c.cfg.lockTTL).Result()
	if err != nil || !created {
		c.client.Del(qctx, c.lockKey(key))
		return false, failed(err, "redis setnx")
	}
	return true, nil
}

func (c *redisCache) Locked(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Exists(qctx, c.lockKey(key)).Result()
	if err != nil {
		return false, failed(err, "redis exists")
	}
	return n > 0, nil
}

func (c *redisCache) Lock(ctx context.Context, key string) error {
	ok, err := c.Exists(ctx, key)
	if err != nil || !ok {
		return err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	return failed(c.client.SetNX(qctx, c.lockKey(key), "0", c.cfg.lockTTL).Err(), "redis lock")
}

func (c *redisCache) Unlock(ctx context.Context, key string) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	return failed(c.client.Del(qctx, c.lockKey(key)).Err(), "redis unlock")
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	return failed(c.client.Del(qctx, c.dataKey(key), c.lockKey(key)).Err(), "redis del")
}

func (c *redisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if ttl <= 0 {
		return failed(c.client.Del(qctx, c.dataKey(key)).Err(), "redis del")
	}
	return failed(c.client.Expire(qctx, c.dataKey(key), ttl).Err(), "redis expire")
}

// Cleanup is a no-op: Redis expires keys natively, stale locks included.
func (c *redisCache) Cleanup(_ context.Context) error {
	return nil
}

// Close is a no-op: the caller owns the redis.Client lifecycle.
func (c *redisCache) Close() error {
	return nil
}
