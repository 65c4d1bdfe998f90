package cache

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisKeys(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	c := NewRedis(ctx, client)

	ok, err := c.Claim(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(Hash("k")))
	assert.True(t, mr.Exists(Hash("k")+"-lock"))

	require.NoError(t, c.Unlock(ctx, "k"))
	assert.False(t, mr.Exists(Hash("k")+"-lock"))

	require.NoError(t, c.Set(ctx, "k", dataset()))
	val, err := mr.Get(Hash("k"))
	require.NoError(t, err)
	assert.Equal(t, dataset().String(), val)
}

func TestRedisPrefix(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	c := NewRedis(ctx, client, WithPrefix("scylla"))
	require.NoError(t, c.Set(ctx, "k", dataset()))
	assert.True(t, mr.Exists("scylla:"+Hash("k")))
}

func TestRedisNativeExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	c := NewRedis(ctx, client)

	require.NoError(t, c.Set(ctx, "k", dataset()))
	require.NoError(t, c.Expire(ctx, "k", 20*time.Second))
	assert.Equal(t, 20*time.Second, mr.TTL(Hash("k")))

	mr.FastForward(21 * time.Second)
	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.Cleanup(ctx))
}

func TestRedisStaleLockExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	c := NewRedis(ctx, client, WithLockTTL(time.Hour))

	ok, err := c.Claim(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Hour)
	locked, err := c.Locked(ctx, "k")
	require.NoError(t, err)
	assert.False(t, locked)
	ok, err = c.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	ctx := context.Background()
	c := NewRedis(ctx, client, WithQueryTimeout(100*time.Millisecond))

	_, err := c.Exists(ctx, "k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCache))
}
