package cache

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/scylla/protocol"
)

type value struct {
	data     []byte
	lockedAt time.Time
	locked   bool
	expires  time.Time
}

func (v *value) expired(now time.Time) bool {
	return !v.expires.IsZero() && !v.expires.After(now)
}

type inMemoryCache struct {
	cache map[string]*value
	mutex sync.Mutex
	cfg   config
}

var _ Cache = (*inMemoryCache)(nil)

// NewInMemory returns a Cache that lives in process memory. It is meant for
// single-process deployments and tests.
func NewInMemory(_ context.Context, opts ...Option) Cache {
	return &inMemoryCache{
		cache: make(map[string]*value),
		cfg:   applyOptions(opts),
	}
}

// lookup returns the live entry for key. Callers hold the mutex.
func (c *inMemoryCache) lookup(key string) (*value, bool) {
	h := Hash(key)
	val, ok := c.cache[h]
	if !ok {
		return nil, false
	}
	if val.expired(c.cfg.now()) {
		delete(c.cache, h)
		return nil, false
	}
	return val, true
}

func (c *inMemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.lookup(key)
	return ok, nil
}

func (c *inMemoryCache) Get(_ context.Context, key string) (*protocol.Answer, error) {
	c.mutex.Lock()
	val, ok := c.lookup(key)
	var data []byte
	if ok {
		data = val.data
	}
	c.mutex.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(data)
}

func (c *inMemoryCache) Set(_ context.Context, key string, answer *protocol.Answer) error {
	data := answer.Bytes()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	h := Hash(key)
	if v, ok := c.cache[h]; ok {
		if v.locked {
			return ErrLocked
		}
		v.data = data
		v.expires = time.Time{}
		return nil
	}
	c.cache[h] = &value{data: data}
	return nil
}

func (c *inMemoryCache) Claim(_ context.Context, key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.lookup(key); ok {
		return false, nil
	}
	c.cache[Hash(key)] = &value{data: placeholder, locked: true, lockedAt: c.cfg.now()}
	return true, nil
}

func (c *inMemoryCache) Locked(_ context.Context, key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	v, ok := c.cache[Hash(key)]
	return ok && v.locked, nil
}

func (c *inMemoryCache) Lock(_ context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if v, ok := c.cache[Hash(key)]; ok && !v.locked {
		v.locked = true
		v.lockedAt = c.cfg.now()
	}
	return nil
}

func (c *inMemoryCache) Unlock(_ context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if v, ok := c.cache[Hash(key)]; ok {
		v.locked = false
	}
	return nil
}

func (c *inMemoryCache) Delete(_ context.Context, key string) error {
	c.mutex.Lock()
	delete(c.cache, Hash(key))
	c.mutex.Unlock()
	return nil
}

func (c *inMemoryCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if v, ok := c.cache[Hash(key)]; ok {
		v.expires = c.cfg.now().Add(ttl)
	}
	return nil
}

func (c *inMemoryCache) Cleanup(_ context.Context) error {
	now := c.cfg.now()
	c.mutex.Lock()
	for key, val := range c.cache {
		if val.expired(now) || (val.locked && now.Sub(val.lockedAt) > c.cfg.lockTTL) {
			delete(c.cache, key)
		}
	}
	c.mutex.Unlock()
	return nil
}

func (c *inMemoryCache) Close() error {
	return nil
}
