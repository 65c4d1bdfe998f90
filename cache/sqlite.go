package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/agentuity/scylla/protocol"
	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

type sqliteCache struct {
	db   *sql.DB
	once sync.Once
	cfg  config
}

var _ Cache = (*sqliteCache)(nil)

// NewSQLite returns a new Cache backed by SQLite.
// If dbPath is empty or ":memory:", an in-memory database is used.
// Expired entries are swept once at construction.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Cache, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, failed(err, "error opening %s", dbPath)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, failed(err, "error enabling WAL")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, failed(err, "error setting busy timeout")
	}

	// Expiration and lock times are unix nanoseconds; NULL means unset.
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS scylla_cache (
		hash TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		locked_at INTEGER,
		expires_at INTEGER
	)`); err != nil {
		db.Close()
		return nil, failed(err, "error creating cache table")
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_scylla_cache_expires_at ON scylla_cache(expires_at)`); err != nil {
		db.Close()
		return nil, failed(err, "error creating cache index")
	}

	c := &sqliteCache{db: db, cfg: applyOptions(opts)}
	if err := c.Cleanup(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *sqliteCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *sqliteCache) now() int64 {
	return c.cfg.now().UnixNano()
}

func (c *sqliteCache) Exists(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var n int
	err := c.db.QueryRowContext(qctx,
		`SELECT COUNT(*) FROM scylla_cache WHERE hash = ? AND (expires_at IS NULL OR expires_at > ?)`,
		Hash(key), c.now(),
	).Scan(&n)
	if err != nil {
		return false, failed(err, "sqlite exists")
	}
	return n > 0, nil
}

func (c *sqliteCache) Get(ctx context.Context, key string) (*protocol.Answer, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var data []byte
	err := c.db.QueryRowContext(qctx,
		`SELECT value FROM scylla_cache WHERE hash = ? AND (expires_at IS NULL OR expires_at > ?)`,
		Hash(key), c.now(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, failed(err, "sqlite get")
	}
	return decode(data)
}

// Set is a single upsert that leaves locked rows untouched.
func (c *sqliteCache) Set(ctx context.Context, key string, answer *protocol.Answer) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	result, err := c.db.ExecContext(qctx,
		`INSERT INTO scylla_cache (hash, key, value) VALUES (?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET value = excluded.value, expires_at = NULL
		WHERE scylla_cache.locked_at IS NULL`,
		Hash(key), key, answer.Bytes(),
	)
	if err != nil {
		return failed(err, "sqlite set")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return failed(err, "sqlite set")
	}
	if rows == 0 {
		return ErrLocked
	}
	return nil
}

func (c *sqliteCache) Claim(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	// an expired row no longer counts as present
	if _, err := c.db.ExecContext(qctx,
		`DELETE FROM scylla_cache WHERE hash = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		Hash(key), c.now(),
	); err != nil {
		return false, failed(err, "sqlite claim")
	}
	result, err := c.db.ExecContext(qctx,
		`INSERT INTO scylla_cache (hash, key, value, locked_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`,
		Hash(key), key, placeholder, c.now(),
	)
	if err != nil {
		return false, failed(err, "sqlite claim")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, failed(err, "sqlite claim")
	}
	return rows == 1, nil
}

func (c *sqliteCache) Locked(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var n int
	err := c.db.QueryRowContext(qctx,
		`SELECT COUNT(*) FROM scylla_cache WHERE hash = ? AND locked_at IS NOT NULL`, Hash(key),
	).Scan(&n)
	if err != nil {
		return false, failed(err, "sqlite locked")
	}
	return n > 0, nil
}

func (c *sqliteCache) Lock(ctx context.Context, key string) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	_, err := c.db.ExecContext(qctx,
		`UPDATE scylla_cache SET locked_at = ? WHERE hash = ? AND locked_at IS NULL`, c.now(), Hash(key),
	)
	return failed(err, "sqlite lock")
}

func (c *sqliteCache) Unlock(ctx context.Context, key string) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	_, err := c.db.ExecContext(qctx, `UPDATE scylla_cache SET locked_at = NULL WHERE hash = ?`, Hash(key))
	return failed(err, "sqlite unlock")
}

func (c *sqliteCache) Delete(ctx context.Context, key string) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	_, err := c.db.ExecContext(qctx, `DELETE FROM scylla_cache WHERE hash = ?`, Hash(key))
	return failed(err, "sqlite delete")
}

func (c *sqliteCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	_, err := c.db.ExecContext(qctx,
		`UPDATE scylla_cache SET expires_at = ? WHERE hash = ?`, c.cfg.now().Add(ttl).UnixNano(), Hash(key),
	)
	return failed(err, "sqlite expire")
}

func (c *sqliteCache) Cleanup(ctx context.Context) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	now := c.cfg.now()
	_, err := c.db.ExecContext(qctx,
		`DELETE FROM scylla_cache WHERE (expires_at IS NOT NULL AND expires_at <= ?) OR (locked_at IS NOT NULL AND locked_at < ?)`,
		now.UnixNano(), now.Add(-c.cfg.lockTTL).UnixNano(),
	)
	return failed(err, "sqlite cleanup")
}

func (c *sqliteCache) Close() error {
	var dbErr error
	c.once.Do(func() {
		dbErr = c.db.Close()
	})
	return dbErr
}
