// Package cache stores query answers keyed by a fingerprint of the
// connection string and query text.
//
// # Cache Interface
//
// The [Cache] interface exposes existence, get, set, lock/unlock, claim,
// delete, expire and cleanup. Every entry is in one of three states:
//
//   - absent
//   - locked: an empty placeholder written by [Cache.Claim] while the query
//     runs; a concurrent identical request observes the lock and backs off
//   - present: a complete answer (a dataset, a row count or a recorded error)
//     with an optional expiration
//
// [Cache.Set] never overwrites a locked entry and never exposes a partial
// write: the filesystem backend renames files into place, the others write a
// single value.
//
// # Implementations
//
//   - [NewFileSystem]: one directory per key under root/data, holding the
//     answer, the unhashed key, and optional lock and expire markers. Files
//     are world-writable so several worker identities can share the tree.
//
//   - [NewRedis]: a shared store using [github.com/redis/go-redis/v9]. The
//     lock marker is a separate key (hash + "-lock") and expiration uses
//     native Redis TTLs. The caller owns the [redis.Client] lifecycle.
//
//   - [NewSQLite]: a single table in a [modernc.org/sqlite] database (pure
//     Go, no CGO). Locking and claiming are single upsert statements.
//
//   - [NewInMemory]: a mutex-guarded map, for tests and single-process use.
//
// # Claiming
//
// [Cache.Claim] is the atomic "create locked placeholder if absent" used to
// make sure only one request executes a given query at a time. Filesystem
// claims rename a private staging directory into place, Redis claims use
// SETNX on the lock key, SQLite uses INSERT ... ON CONFLICT DO NOTHING.
//
// # Expiry and stale locks
//
// Expired entries are invisible to [Cache.Exists] and [Cache.Get] and are
// removed by [Cache.Cleanup], which callers run after each write cycle.
// Cleanup also removes locked entries older than the lock TTL
// ([WithLockTTL]), so a crashed writer cannot wedge a key forever.
//
// # Timeouts
//
// The SQLite and Redis backends apply a per-operation timeout
// ([DefaultQueryTimeout], 5 seconds) to every I/O operation. All backend
// failures are marked with [ErrCache].
package cache
