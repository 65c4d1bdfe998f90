// Package config loads scyllad's YAML configuration.
package config

import (
	"context"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/scylla/cache"
	"github.com/agentuity/scylla/connector"
	"github.com/agentuity/scylla/encoder"
	"github.com/agentuity/scylla/env"
	"github.com/agentuity/scylla/logger"
	"github.com/agentuity/scylla/protocol"
	"github.com/agentuity/scylla/resilience"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where scyllad looks for its configuration.
const DefaultPath = "/etc/scylla.yaml"

// Duration is a time.Duration that unmarshals from strings such as "7d" or
// "20s", or from a plain number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return str2duration.String(time.Duration(d)), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Backend names a cache implementation.
type Backend string

const (
	Filesystem Backend = "filesystem"
	Redis      Backend = "redis"
	SQLite     Backend = "sqlite"
	Memory     Backend = "memory"
)

// CacheConfig selects and tunes the cache backend.
type CacheConfig struct {
	Backend    Backend `yaml:"backend"`
	Path       string  `yaml:"path"`
	RedisURL   string  `yaml:"redis_url"`
	SQLitePath string  `yaml:"sqlite_path"`
	// Lifetime caps how long any result is cached, whatever the client asks.
	Lifetime        Duration `yaml:"lifetime"`
	ErrorTTL        Duration `yaml:"error_ttl"`
	IllegalStateTTL Duration `yaml:"illegal_state_ttl"`
	LockTTL         Duration `yaml:"lock_ttl"`
	QueryTimeout    Duration `yaml:"query_timeout"`
	// MaxEntryBytes is the largest encoded result that gets cached.
	MaxEntryBytes int64 `yaml:"max_entry_bytes"`
}

type PoolConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type BreakerConfig struct {
	MaxFailures int      `yaml:"max_failures"`
	Timeout     Duration `yaml:"timeout"`
}

// ScopeConfig describes one backend engine.
type ScopeConfig struct {
	Title         string        `yaml:"title"`
	Driver        string        `yaml:"driver"`
	DSN           string        `yaml:"dsn"`
	NeedsPassword bool          `yaml:"needs_password"`
	Verify        string        `yaml:"verify"`
	LogRelay      bool          `yaml:"log_relay"`
	Aliases       []string      `yaml:"aliases"`
	Credentials   string        `yaml:"credentials"`
	IllegalState  []string      `yaml:"illegal_state_patterns"`
	Breaker       BreakerConfig `yaml:"breaker"`
}

// Config is the daemon configuration.
type Config struct {
	Listen      string   `yaml:"listen"`
	Format      string   `yaml:"format"`
	Codec       string   `yaml:"codec"`
	MaxCells    int64    `yaml:"max_cells"`
	IdleTimeout Duration `yaml:"idle_timeout"`
	// EnvFile holds secrets referenced from this file as ${NAME}.
	EnvFile string                  `yaml:"env_file"`
	Cache   CacheConfig             `yaml:"cache"`
	Pool    PoolConfig              `yaml:"pool"`
	Scopes  map[string]*ScopeConfig `yaml:"scopes"`
}

var _ protocol.Scopes = (*Config)(nil)

const day = 24 * time.Hour

func defaultScopes() map[string]*ScopeConfig {
	breaker := BreakerConfig{MaxFailures: 5, Timeout: Duration(30 * time.Second)}
	return map[string]*ScopeConfig{
		"hive": {
			Title:       "Hive",
			Driver:      "hive",
			Verify:      string(connector.Plan),
			LogRelay:    true,
			Credentials: string(connector.CredentialsURL),
			Breaker:     breaker,
		},
		"impala": {
			Title:       "Impala",
			Driver:      "impala",
			Verify:      string(connector.Prepare),
			Credentials: string(connector.CredentialsURL),
			Breaker:     breaker,
		},
		"exasol": {
			Title:         "Exasol",
			Driver:        "exasol",
			NeedsPassword: true,
			Verify:        string(connector.Prepare),
			Aliases:       []string{"exa"},
			Credentials:   string(connector.CredentialsKeyValue),
			Breaker:       breaker,
		},
		"redshift": {
			Title:         "Redshift",
			Driver:        "pgx",
			NeedsPassword: true,
			Verify:        string(connector.Prepare),
			Credentials:   string(connector.CredentialsURL),
			IllegalState:  []string{"conn closed", "current transaction is aborted"},
			Breaker:       breaker,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:      ":30666",
		Format:      string(encoder.CSV),
		Codec:       string(encoder.Bzip2),
		MaxCells:    encoder.DefaultMaxCells,
		IdleTimeout: Duration(5 * time.Minute),
		Cache: CacheConfig{
			Backend:         Filesystem,
			Path:            "/tmp/scylla.fcache",
			RedisURL:        "redis://localhost:6379/7",
			SQLitePath:      "/tmp/scylla.db",
			Lifetime:        Duration(7 * day),
			ErrorTTL:        Duration(20 * time.Second),
			IllegalStateTTL: Duration(3 * day),
			LockTTL:         Duration(cache.DefaultLockTTL),
			QueryTimeout:    Duration(cache.DefaultQueryTimeout),
			MaxEntryBytes:   1_000_000_000,
		},
		Pool: PoolConfig{
			Workers:   256,
			QueueSize: 1024,
		},
		Scopes: defaultScopes(),
	}
}

// Parse decodes buf on top of the defaults. ${NAME} references are expanded
// from vars and the environment before decoding. Scopes are merged with the
// built-in ones; a scope set to null is removed.
func Parse(buf []byte, vars map[string]string) (*Config, error) {
	buf = []byte(env.Interpolate(string(buf), vars))

	cfg := Default()
	scopes := cfg.Scopes
	cfg.Scopes = nil
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing configuration")
	}
	var raw struct {
		Scopes map[string]yaml.Node `yaml:"scopes"`
	}
	if err := yaml.Unmarshal(buf, &raw); err != nil {
		return nil, errors.Wrap(err, "error parsing configuration")
	}
	cfg.Scopes = scopes

	for name, node := range raw.Scopes {
		name = strings.ToLower(name)
		if node.Kind == 0 || node.Tag == "!!null" {
			delete(cfg.Scopes, name)
			continue
		}
		sc, ok := cfg.Scopes[name]
		if !ok {
			sc = &ScopeConfig{Title: name, Verify: string(connector.Prepare)}
			cfg.Scopes[name] = sc
		}
		if err := node.Decode(sc); err != nil {
			return nil, errors.Wrapf(err, "error parsing scope %s", name)
		}
	}
	return cfg, nil
}

// Load reads the configuration at path. A missing file yields the defaults
// and found=false. When the file names an env_file, it is read and its values
// are available to ${NAME} references.
func Load(path string) (cfg *Config, found bool, err error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), false, nil
		}
		return nil, false, errors.Wrapf(err, "error reading %s", path)
	}
	cfg, err = Parse(buf, nil)
	if err != nil {
		return nil, true, errors.Wrapf(err, "error loading %s", path)
	}
	if cfg.EnvFile != "" {
		lines, err := env.ParseEnvFile(cfg.EnvFile)
		if err != nil {
			return nil, true, err
		}
		if cfg, err = Parse(buf, env.Map(lines)); err != nil {
			return nil, true, errors.Wrapf(err, "error loading %s", path)
		}
	}
	return cfg, true, nil
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	if _, err := encoder.ParseFormat(c.Format); err != nil {
		return err
	}
	if _, err := encoder.ParseCodec(c.Codec); err != nil {
		return err
	}
	if c.MaxCells <= 0 {
		return errors.New("max_cells must be greater than zero")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle_timeout must be greater than zero")
	}
	switch c.Cache.Backend {
	case Filesystem:
		if c.Cache.Path == "" {
			return errors.New("cache.path is required for the filesystem backend")
		}
	case Redis:
		if _, err := redis.ParseURL(c.Cache.RedisURL); err != nil {
			return errors.Wrap(err, "invalid cache.redis_url")
		}
	case SQLite:
		if c.Cache.SQLitePath == "" {
			return errors.New("cache.sqlite_path is required for the sqlite backend")
		}
	case Memory:
	default:
		return errors.Newf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Lifetime <= 0 {
		return errors.New("cache.lifetime must be greater than zero")
	}
	if c.Cache.ErrorTTL <= 0 || c.Cache.IllegalStateTTL <= 0 || c.Cache.LockTTL <= 0 {
		return errors.New("cache TTLs must be greater than zero")
	}
	if c.Cache.MaxEntryBytes <= 0 {
		return errors.New("cache.max_entry_bytes must be greater than zero")
	}
	if c.Pool.Workers <= 0 {
		return errors.New("pool.workers must be greater than zero")
	}
	if c.Pool.QueueSize < 0 {
		return errors.New("pool.queue_size can't be negative")
	}
	if len(c.Scopes) == 0 {
		return errors.New("no scopes configured")
	}
	if _, _, ok := c.Lookup(protocol.DefaultScope); !ok {
		return errors.Newf("the default scope %q is not configured", protocol.DefaultScope)
	}
	seen := make(map[string]string)
	for _, name := range c.ScopeNames() {
		sc := c.Scopes[name]
		if sc.Driver == "" {
			return errors.Newf("scopes.%s.driver is required", name)
		}
		switch connector.Verification(sc.Verify) {
		case connector.Plan, connector.Prepare, "":
		default:
			return errors.Newf("scopes.%s.verify must be plan or prepare", name)
		}
		if _, err := connector.ParseCredentials(sc.Credentials); err != nil {
			return errors.Wrapf(err, "scopes.%s.credentials", name)
		}
		for _, alias := range append([]string{name}, sc.Aliases...) {
			alias = strings.ToLower(alias)
			if other, dup := seen[alias]; dup {
				return errors.Newf("scope name %q is used by both %s and %s", alias, other, name)
			}
			seen[alias] = name
		}
	}
	return nil
}

// ScopeNames returns the configured scope names, sorted.
func (c *Config) ScopeNames() []string {
	names := make([]string, 0, len(c.Scopes))
	for name := range c.Scopes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a scope name or alias, case-insensitively.
func (c *Config) Lookup(name string) (string, bool, bool) {
	name = strings.ToLower(name)
	if sc, ok := c.Scopes[name]; ok {
		return name, sc.NeedsPassword, true
	}
	for canonical, sc := range c.Scopes {
		if slices.ContainsFunc(sc.Aliases, func(a string) bool { return strings.EqualFold(a, name) }) {
			return canonical, sc.NeedsPassword, true
		}
	}
	return "", false, false
}

// Scope returns the connector description of the named scope.
func (c *Config) Scope(name string) (connector.Scope, bool) {
	sc, ok := c.Scopes[name]
	if !ok {
		return connector.Scope{}, false
	}
	creds, _ := connector.ParseCredentials(sc.Credentials)
	title := sc.Title
	if title == "" {
		title = name
	}
	verify := connector.Verification(sc.Verify)
	if verify == "" {
		verify = connector.Prepare
	}
	return connector.Scope{
		Name:          name,
		Title:         title,
		Driver:        sc.Driver,
		DSN:           sc.DSN,
		NeedsPassword: sc.NeedsPassword,
		Verify:        verify,
		LogRelay:      sc.LogRelay,
		Credentials:   creds,
		IllegalState:  sc.IllegalState,
	}, true
}

// BreakerConfig returns the circuit breaker settings guarding the scope's dials.
func (s *ScopeConfig) BreakerConfig() resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig()
	if s.Breaker.MaxFailures > 0 {
		cfg.MaxFailures = s.Breaker.MaxFailures
	}
	if s.Breaker.Timeout > 0 {
		cfg.Timeout = s.Breaker.Timeout.D()
	}
	// dials honour the request context
	cfg.RequestTimeout = 0
	return cfg
}

// Encoder builds the result encoder.
func (c *Config) Encoder() (*encoder.Encoder, error) {
	format, err := encoder.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	codec, err := encoder.ParseCodec(c.Codec)
	if err != nil {
		return nil, err
	}
	return encoder.New(encoder.WithFormat(format), encoder.WithCodec(codec), encoder.WithMaxCells(c.MaxCells)), nil
}

// Open constructs the configured cache backend. For Redis the server is
// pinged, with retries, before the cache is returned.
func (c CacheConfig) Open(ctx context.Context, log logger.Logger) (cache.Cache, error) {
	opts := []cache.Option{
		cache.WithLockTTL(c.LockTTL.D()),
		cache.WithQueryTimeout(c.QueryTimeout.D()),
	}
	switch c.Backend {
	case Filesystem:
		log.Debug("using filesystem cache at %s", c.Path)
		return cache.NewFileSystem(ctx, c.Path, opts...)
	case Redis:
		ropts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "invalid cache.redis_url")
		}
		client := redis.NewClient(ropts)
		err = resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
			return client.Ping(ctx).Err()
		})
		if err != nil {
			client.Close()
			return nil, errors.Wrapf(err, "error connecting to redis at %s", ropts.Addr)
		}
		log.Debug("using redis cache at %s db %d", ropts.Addr, ropts.DB)
		return cache.NewRedis(ctx, client, opts...), nil
	case SQLite:
		log.Debug("using sqlite cache at %s", c.SQLitePath)
		return cache.NewSQLite(ctx, c.SQLitePath, opts...)
	case Memory:
		log.Warn("using in-memory cache, results are lost on restart")
		return cache.NewInMemory(ctx, opts...), nil
	}
	return nil, errors.Newf("unknown cache backend %q", c.Backend)
}
