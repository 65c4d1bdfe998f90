package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/agentuity/scylla/protocol"
	"github.com/cockroachdb/errors"
)

var (
	// ErrLocked is returned by Set when another writer holds the key.
	ErrLocked = errors.New("You are trying to overwrite a locked key")
	// ErrNotFound is returned by Get for a missing or expired key.
	ErrNotFound = errors.New("cache entry not found")
	// ErrCache marks every I/O or connectivity failure of a backend.
	ErrCache = errors.New("cache error")
)

// Cache stores answers by key. Keys are arbitrary strings; every backend hashes
// them with Hash before touching storage.
//
// An entry is either absent, locked (a placeholder written by Claim while a
// query runs) or present with an answer and an optional expiration.
type Cache interface {
	// Exists reports whether an unexpired entry (locked or not) is stored.
	Exists(ctx context.Context, key string) (bool, error)
	// Get returns the stored answer, or ErrNotFound.
	Get(ctx context.Context, key string) (*protocol.Answer, error)
	// Set overwrites the entry and clears its expiration. It fails with
	// ErrLocked while the key is locked.
	Set(ctx context.Context, key string, answer *protocol.Answer) error
	// Lock marks an existing entry as locked. No-op when absent or locked.
	Lock(ctx context.Context, key string) error
	// Unlock removes the lock marker. No-op when absent or unlocked.
	Unlock(ctx context.Context, key string) error
	// Locked reports whether the key carries a lock marker.
	Locked(ctx context.Context, key string) (bool, error)
	// Claim atomically creates a locked, empty placeholder if no entry
	// exists. It returns false when the key was already taken.
	Claim(ctx context.Context, key string) (bool, error)
	// Delete removes the entry and its lock marker. Safe when absent.
	Delete(ctx context.Context, key string) error
	// Expire (re)sets the expiration of an existing entry to now+ttl.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Cleanup removes expired entries and locks older than the lock TTL.
	Cleanup(ctx context.Context) error
	// Close releases the backend.
	Close() error
}

// DefaultQueryTimeout is the per-operation timeout for cache backends that
// perform I/O (SQLite, Redis).
const DefaultQueryTimeout = 5 * time.Second

// DefaultLockTTL bounds how long a lock survives a crashed writer.
const DefaultLockTTL = 24 * time.Hour

// placeholder is the value stored by Claim.
var placeholder = []byte("{}")

// config holds the resolved configuration for a cache implementation.
type config struct {
	queryTimeout time.Duration
	lockTTL      time.Duration
	prefix       string
	now          func() time.Time
}

// Option configures a Cache implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		queryTimeout: DefaultQueryTimeout,
		lockTTL:      DefaultLockTTL,
		now:          time.Now,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed caches
// (SQLite, Redis). Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithLockTTL sets how long a lock is honoured before Cleanup reclaims it.
// Defaults to DefaultLockTTL (24 hours).
func WithLockTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.lockTTL = d
		}
	}
}

// WithPrefix sets the key prefix for namespacing cache keys.
// Applies to the Redis backend. Defaults to empty (no prefix).
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// withClock overrides the time source, for tests.
func withClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// Hash returns the lowercase hex SHA-256 of key. It is safe both as a
// directory name and as a Redis key.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Key builds the cache key for a query run against a connection string.
func Key(dsn string, query string) string {
	return "scylla|" + dsn + "|" + query
}

// Fingerprint is the hashed form of Key.
func Fingerprint(dsn string, query string) string {
	return Hash(Key(dsn, query))
}

func failed(err error, msg string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, msg, args...), ErrCache)
}

func decode(buf []byte) (*protocol.Answer, error) {
	answer, err := protocol.ParseAnswer(buf)
	if err != nil {
		return nil, failed(err, "corrupt cache entry")
	}
	return answer, nil
}
