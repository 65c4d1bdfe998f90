package cache

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/scylla/protocol"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	dataFile    = "data"
	keyFile     = "key"
	lockFile    = "lock"
	expireFile  = "expire"
	reclaimFile = "reclaim"
	lockMarker  = "locked!"
)

// shared by every identity running a worker against the same cache
const perms fs.FileMode = 0777

type fileSystemCache struct {
	root string
	cfg  config
}

var _ Cache = (*fileSystemCache)(nil)

// NewFileSystem returns a Cache stored under root. Each key gets a directory
// root/data/<hash> holding the answer, the unhashed key, and optional lock and
// expire markers. Expired entries are swept once at construction.
func NewFileSystem(ctx context.Context, root string, opts ...Option) (Cache, error) {
	c := &fileSystemCache{root: root, cfg: applyOptions(opts)}
	for _, dir := range []string{root, c.dataDir(), c.stagingDir()} {
		if err := mkdir(dir); err != nil {
			return nil, failed(err, "error creating the directory for the cache")
		}
	}
	if err := c.Cleanup(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func mkdir(dir string) error {
	if err := os.Mkdir(dir, perms); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return err
	}
	return os.Chmod(dir, perms)
}

func (c *fileSystemCache) dataDir() string {
	return filepath.Join(c.root, "data")
}

func (c *fileSystemCache) stagingDir() string {
	return filepath.Join(c.root, "staging")
}

func (c *fileSystemCache) entry(key string) string {
	return filepath.Join(c.dataDir(), Hash(key))
}

func writeFile(name string, buf []byte) error {
	if err := os.WriteFile(name, buf, perms); err != nil {
		return err
	}
	return os.Chmod(name, perms)
}

// replaceFile writes buf next to name and renames it into place so readers
// never see a partial file.
func replaceFile(name string, buf []byte) error {
	tmp := name + "." + uuid.NewString()
	if err := writeFile(tmp, buf); err != nil {
		return err
	}
	if err := os.Rename(tmp, name); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func exists(name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (c *fileSystemCache) expired(dir string) (bool, error) {
	buf, err := os.ReadFile(filepath.Join(dir, expireFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	at, err := strconv.ParseInt(strings.TrimSpace(string(buf)), 10, 64)
	if err != nil {
		// an unreadable timestamp is treated as already expired
		return true, nil
	}
	return at <= c.cfg.now().Unix(), nil
}

func (c *fileSystemCache) Exists(_ context.Context, key string) (bool, error) {
	dir := c.entry(key)
	ok, err := exists(filepath.Join(dir, dataFile))
	if err != nil || !ok {
		return false, failed(err, "error checking cache entry")
	}
	expired, err := c.expired(dir)
	if err != nil || expired {
		return false, failed(err, "error reading expiration")
	}
	stale, err := c.stale(filepath.Join(dir, lockFile))
	return !stale, failed(err, "error checking lock")
}

// reclaimable reports whether the entry in dir is logically absent: either
// it expired and nobody holds its lock, or its lock outlived the lock TTL.
func (c *fileSystemCache) reclaimable(dir string) (bool, error) {
	lock := filepath.Join(dir, lockFile)
	locked, err := exists(lock)
	if err != nil {
		return false, err
	}
	if locked {
		return c.stale(lock)
	}
	return c.expired(dir)
}

// reclaim removes a reclaimable entry so that it can be claimed again.
// Concurrent reclaimers are serialised by creating a marker file
// exclusively inside the entry.
func (c *fileSystemCache) reclaim(dir string) (bool, error) {
	ok, err := c.reclaimable(dir)
	if err != nil {
		return false, err
	}
	if !ok {
		// removed by someone else while we looked
		present, err := exists(dir)
		return !present, err
	}
	marker := filepath.Join(dir, reclaimFile)
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perms)
	switch {
	case errors.Is(err, fs.ErrExist):
		return false, nil
	case errors.Is(err, fs.ErrNotExist):
		return true, nil
	case err != nil:
		return false, err
	}
	f.Close()
	// a fresh claim may have replaced the entry since the first check
	if ok, err := c.reclaimable(dir); err != nil || !ok {
		os.Remove(marker)
		return false, err
	}
	return true, os.RemoveAll(dir)
}

func (c *fileSystemCache) Get(ctx context.Context, key string) (*protocol.Answer, error) {
	ok, err := c.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	buf, err := os.ReadFile(filepath.Join(c.entry(key), dataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, failed(err, "error reading cache entry")
	}
	return decode(buf)
}

// stage builds a complete entry in a private directory so it can be moved
// into place with a single rename.
func (c *fileSystemCache) stage(key string, buf []byte, locked bool) (string, error) {
	dir := filepath.Join(c.stagingDir(), uuid.NewString())
	if err := mkdir(dir); err != nil {
		return "", err
	}
	files := map[string][]byte{keyFile: []byte(key), dataFile: buf}
	if locked {
		files[lockFile] = []byte(lockMarker)
	}
	for name, content := range files {
		if err := writeFile(filepath.Join(dir, name), content); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}

func (c *fileSystemCache) Set(ctx context.Context, key string, answer *protocol.Answer) error {
	locked, err := c.Locked(ctx, key)
	if err != nil {
		return err
	}
	if locked {
		return ErrLocked
	}
	dir := c.entry(key)
	ok, err := exists(dir)
	if err != nil {
		return failed(err, "error checking cache entry")
	}
	if ok {
		if err := os.Remove(filepath.Join(dir, expireFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return failed(err, "error resetting expiration")
		}
		return failed(replaceFile(filepath.Join(dir, dataFile), answer.Bytes()), "error writing cache entry")
	}
	staged, err := c.stage(key, answer.Bytes(), false)
	if err != nil {
		return failed(err, "error writing cache entry")
	}
	if err := os.Rename(staged, dir); err != nil {
		os.RemoveAll(staged)
		return failed(err, "error writing cache entry")
	}
	return nil
}

func (c *fileSystemCache) Claim(_ context.Context, key string) (bool, error) {
	dir := c.entry(key)
	ok, err := exists(dir)
	if err != nil {
		return false, failed(err, "error checking cache entry")
	}
	if ok {
		reclaimed, err := c.reclaim(dir)
		if err != nil || !reclaimed {
			return false, failed(err, "error reclaiming cache entry")
		}
	}
	staged, err := c.stage(key, placeholder, true)
	if err != nil {
		return false, failed(err, "error claiming cache entry")
	}
	if err := os.Rename(staged, dir); err != nil {
		os.RemoveAll(staged)
		// the target appeared between the check and the rename
		if ok, _ := exists(dir); ok {
			return false, nil
		}
		return false, failed(err, "error claiming cache entry")
	}
	return true, nil
}

// Locked ignores locks older than the lock TTL; Claim and Cleanup reclaim them.
func (c *fileSystemCache) Locked(_ context.Context, key string) (bool, error) {
	lock := filepath.Join(c.entry(key), lockFile)
	ok, err := exists(lock)
	if err != nil || !ok {
		return false, failed(err, "error checking lock")
	}
	stale, err := c.stale(lock)
	return !stale, failed(err, "error checking lock")
}

func (c *fileSystemCache) Lock(ctx context.Context, key string) error {
	dir := c.entry(key)
	ok, err := exists(dir)
	if err != nil || !ok {
		return failed(err, "error checking cache entry")
	}
	locked, err := c.Locked(ctx, key)
	if err != nil || locked {
		return err
	}
	return failed(writeFile(filepath.Join(dir, lockFile), []byte(lockMarker)), "error writing lock")
}

func (c *fileSystemCache) Unlock(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(c.entry(key), lockFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return failed(err, "error removing lock")
	}
	return nil
}

func (c *fileSystemCache) Delete(_ context.Context, key string) error {
	return failed(os.RemoveAll(c.entry(key)), "error deleting cache entry")
}

func (c *fileSystemCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	dir := c.entry(key)
	ok, err := exists(dir)
	if err != nil || !ok {
		return failed(err, "error checking cache entry")
	}
	at := c.cfg.now().Add(ttl).Unix()
	return failed(replaceFile(filepath.Join(dir, expireFile), []byte(strconv.FormatInt(at, 10))), "error while setting the new expiration time")
}

func (c *fileSystemCache) stale(name string) (bool, error) {
	info, err := os.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return c.cfg.now().Sub(info.ModTime()) > c.cfg.lockTTL, nil
}

func (c *fileSystemCache) Cleanup(ctx context.Context) error {
	entries, err := os.ReadDir(c.dataDir())
	if err != nil {
		return failed(err, "error listing cache entries")
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dir := filepath.Join(c.dataDir(), e.Name())
		expired, err := c.expired(dir)
		if err != nil {
			return failed(err, "error reading expiration of %s", e.Name())
		}
		if !expired {
			if expired, err = c.stale(filepath.Join(dir, lockFile)); err != nil {
				return failed(err, "error reading lock of %s", e.Name())
			}
		}
		if expired {
			if err := os.RemoveAll(dir); err != nil {
				return failed(err, "error removing %s", e.Name())
			}
		}
	}
	staged, err := os.ReadDir(c.stagingDir())
	if err != nil {
		return failed(err, "error listing staging directory")
	}
	for _, e := range staged {
		dir := filepath.Join(c.stagingDir(), e.Name())
		if stale, _ := c.stale(dir); stale {
			os.RemoveAll(dir)
		}
	}
	return nil
}

func (c *fileSystemCache) Close() error {
	return nil
}
